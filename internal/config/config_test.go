package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "settlement_db", cfg.Database.Database)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "jobs_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "settlement-worker", cfg.App.Name)
				assert.Equal(t, 250*time.Millisecond, cfg.Worker.GroupDeferDelay)
				assert.Equal(t, 2*time.Minute, cfg.Jobs.LockDuration)
				require.Len(t, cfg.Chains, 2)
				assert.Equal(t, 2*time.Minute, cfg.Chains[0].ReceiptTimeout)
				assert.Equal(t, uint64(25000), cfg.SendBatch.DefaultGasPerIntent)
				require.Len(t, cfg.CCTPV2.Chains, 2)
				assert.Equal(t, uint32(6), cfg.CCTPV2.Chains[1].Domain)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, GroupTrackerPostgres, cfg.Worker.GroupTracker)
	assert.Equal(t, 5*time.Minute, cfg.Worker.GroupLockTTL)
	assert.Equal(t, 100, cfg.Worker.PromoteBatchSize)
	assert.Equal(t, time.Minute, cfg.Worker.StalledAfter)
	assert.Equal(t, 3, cfg.Withdrawals.Attempts)
	assert.Equal(t, time.Second, cfg.Withdrawals.BackoffDelay)
	assert.Equal(t, 3*time.Second, cfg.CCTPV2.FastPollInterval)
	assert.Equal(t, 30*time.Second, cfg.CCTPV2.StandardPollInterval)
	assert.Equal(t, 400, cfg.CCTPV2.MaxAttestationPolls)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_PASSWORD", "from-env")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
	assert.Equal(t, "guest", cfg.RabbitMQ.Password)
}

func TestConfig_ClaimAuthorities(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	// the same portal on two chains is polled once
	assert.Equal(t, []string{"0x00000000000000000000000000000000000000aa"}, cfg.ClaimAuthorities())
}

func TestConfig_Chain(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	chain, ok := cfg.Chain(8453)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8546", chain.RPCURL)

	_, ok = cfg.Chain(1)
	assert.False(t, ok)
}

func validAPIConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "settlement_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "jobs_exchange",
			},
			Queue: QueueConfig{
				Name: "jobs_queue",
			},
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = -1 },
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validAPIConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "heartbeat longer than lock",
			mutate:    func(c *Config) { c.Worker.HeartbeatInterval = 10 * time.Minute },
			wantErr:   true,
			errString: "must be shorter than jobs lock_duration",
		},
		{
			name:      "redis tracker without url",
			mutate:    func(c *Config) { c.Worker.GroupTracker = GroupTrackerRedis },
			wantErr:   true,
			errString: "redis url is required",
		},
		{
			name: "redis tracker with url",
			mutate: func(c *Config) {
				c.Worker.GroupTracker = GroupTrackerRedis
				c.Redis.URL = "redis://localhost:6379/0"
			},
			wantErr: false,
		},
		{
			name:      "unknown tracker",
			mutate:    func(c *Config) { c.Worker.GroupTracker = "etcd" },
			wantErr:   true,
			errString: "unknown worker group_tracker",
		},
		{
			name:      "no chains",
			mutate:    func(c *Config) { c.Chains = nil },
			wantErr:   true,
			errString: "at least one chain is required",
		},
		{
			name:      "chain without rpc",
			mutate:    func(c *Config) { c.Chains[0].RPCURL = "" },
			wantErr:   true,
			errString: "rpc_url is required",
		},
		{
			name:      "missing signer",
			mutate:    func(c *Config) { c.Signer.PrivateKeyEnv = "" },
			wantErr:   true,
			errString: "signer private_key_env is required",
		},
		{
			name: "intent source on unknown chain",
			mutate: func(c *Config) {
				c.IntentSources = append(c.IntentSources, IntentSourceConfig{ChainID: 1, Address: "0xdead"})
			},
			wantErr:   true,
			errString: "chain 1 is not configured",
		},
		{
			name:      "zero withdrawal chunk",
			mutate:    func(c *Config) { c.Withdrawals.ChunkSize = 0 },
			wantErr:   true,
			errString: "withdrawals chunk_size must be greater than 0",
		},
		{
			name:      "aggregator without routers",
			mutate:    func(c *Config) { c.Aggregator.Enabled = true },
			wantErr:   true,
			errString: "aggregator routers are required",
		},
		{
			name: "aggregator with routers",
			mutate: func(c *Config) {
				c.Aggregator.Enabled = true
				c.Aggregator.Routers = []string{"0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("testdata/valid_config.yaml")
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.ValidateWorkerConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ServiceConfigs(t *testing.T) {
	api, err := Load("../../configs/api-service/config.yaml")
	require.NoError(t, err)
	assert.NoError(t, api.ValidateAPIConfig())
	assert.True(t, api.CCTPV2.Enabled)

	worker, err := Load("../../configs/worker-service/config.yaml")
	require.NoError(t, err)
	assert.NoError(t, worker.ValidateWorkerConfig())
	assert.Equal(t, GroupTrackerPostgres, worker.Worker.GroupTracker)
	assert.Len(t, worker.ClaimAuthorities(), 2)
	assert.Equal(t, time.Second, worker.Withdrawals.BackoffDelay)
	assert.NotEmpty(t, worker.Aggregator.Routers)
}
