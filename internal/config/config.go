package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Group tracker backends
const (
	GroupTrackerPostgres = "postgres"
	GroupTrackerRedis    = "redis"
	GroupTrackerMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Database      DatabaseConfig       `yaml:"database"`
	RabbitMQ      RabbitMQConfig       `yaml:"rabbitmq"`
	Redis         RedisConfig          `yaml:"redis"`
	Logging       LoggingConfig        `yaml:"logging"`
	App           AppConfig            `yaml:"app"`
	Worker        WorkerConfig         `yaml:"worker"`
	Jobs          JobsConfig           `yaml:"jobs"`
	Chains        []ChainConfig        `yaml:"chains"`
	Signer        SignerConfig         `yaml:"signer"`
	Eth           EthConfig            `yaml:"eth"`
	IntentSources []IntentSourceConfig `yaml:"intent_sources"`
	Withdrawals   WithdrawalsConfig    `yaml:"withdrawals"`
	SendBatch     SendBatchConfig      `yaml:"send_batch"`
	Hyperlane     HyperlaneConfig      `yaml:"hyperlane"`
	Indexer       IndexerConfig        `yaml:"indexer"`
	CCTPV2        CCTPV2Config         `yaml:"cctpv2"`
	Aggregator    AggregatorConfig     `yaml:"aggregator"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection settings, used for group leases
type RedisConfig struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// GroupTracker selects where busy-group leases live: postgres, redis or memory
	GroupTracker     string        `yaml:"group_tracker"`
	GroupDeferDelay  time.Duration `yaml:"group_defer_delay"`
	GroupLockTTL     time.Duration `yaml:"group_lock_ttl"`
	ReadyDeferDelay  time.Duration `yaml:"ready_defer_delay"`
	PromoteInterval  time.Duration `yaml:"promote_interval"`
	PromoteBatchSize int           `yaml:"promote_batch_size"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	StalledAfter     time.Duration `yaml:"stalled_after"`
	MetricsAddr      string        `yaml:"metrics_addr"`
}

// JobsConfig holds queue-wide job defaults
type JobsConfig struct {
	DefaultAttempts int           `yaml:"default_attempts"`
	BackoffType     string        `yaml:"backoff_type"`
	BackoffDelay    time.Duration `yaml:"backoff_delay"`
	LockDuration    time.Duration `yaml:"lock_duration"`
}

// ChainConfig holds per-chain RPC and contract addresses
type ChainConfig struct {
	ChainID             uint64        `yaml:"chain_id"`
	RPCURL              string        `yaml:"rpc_url"`
	Multicall           string        `yaml:"multicall"`
	HyperProver         string        `yaml:"hyper_prover"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
}

// SignerConfig names the environment variable holding the hex private key
type SignerConfig struct {
	PrivateKeyEnv string `yaml:"private_key_env"`
}

// EthConfig holds the solver's EVM identity
type EthConfig struct {
	Claimant string `yaml:"claimant"`
}

// IntentSourceConfig is one claim authority (portal) and the inbox that
// proves intents fulfilled on its chain
type IntentSourceConfig struct {
	ChainID uint64 `yaml:"chain_id"`
	Address string `yaml:"address"`
	Inbox   string `yaml:"inbox"`
}

// WithdrawalsConfig drives the withdrawal claim batcher
type WithdrawalsConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ChunkSize    int           `yaml:"chunk_size"`
	Attempts     int           `yaml:"attempts"`
	BackoffDelay time.Duration `yaml:"backoff_delay"`
}

// SendBatchConfig drives the proof submission batcher
type SendBatchConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ChunkSize           int           `yaml:"chunk_size"`
	Attempts            int           `yaml:"attempts"`
	BackoffDelay        time.Duration `yaml:"backoff_delay"`
	DefaultGasPerIntent uint64        `yaml:"default_gas_per_intent"`
}

// HyperlaneConfig holds the message transport contracts per chain
type HyperlaneConfig struct {
	UseHyperlaneDefaultHook bool                   `yaml:"use_hyperlane_default_hook"`
	Chains                  []HyperlaneChainConfig `yaml:"chains"`
}

// HyperlaneChainConfig holds one chain's mailbox and hooks
type HyperlaneChainConfig struct {
	ChainID                  uint64 `yaml:"chain_id"`
	Mailbox                  string `yaml:"mailbox"`
	AggregationHook          string `yaml:"aggregation_hook"`
	HyperlaneAggregationHook string `yaml:"hyperlane_aggregation_hook"`
}

// IndexerConfig holds the intents indexer endpoint
type IndexerConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// CCTPV2Config holds the Circle CCTP V2 bridge settings
type CCTPV2Config struct {
	Enabled              bool                `yaml:"enabled"`
	APIURL               string              `yaml:"api_url"`
	Timeout              time.Duration       `yaml:"timeout"`
	FastTransferEnabled  bool                `yaml:"fast_transfer_enabled"`
	FastPollInterval     time.Duration       `yaml:"fast_poll_interval"`
	StandardPollInterval time.Duration       `yaml:"standard_poll_interval"`
	MaxAttestationPolls  int                 `yaml:"max_attestation_polls"`
	Chains               []CCTPV2ChainConfig `yaml:"chains"`
}

// CCTPV2ChainConfig maps a chain to its CCTP domain and contracts
type CCTPV2ChainConfig struct {
	ChainID            uint64 `yaml:"chain_id"`
	Domain             uint32 `yaml:"domain"`
	TokenMessenger     string `yaml:"token_messenger"`
	MessageTransmitter string `yaml:"message_transmitter"`
	USDC               string `yaml:"usdc"`
}

// AggregatorConfig holds the single-step swap/bridge aggregator settings
type AggregatorConfig struct {
	Enabled    bool          `yaml:"enabled"`
	APIURL     string        `yaml:"api_url"`
	APIKey     string        `yaml:"api_key"`
	Integrator string        `yaml:"integrator"`
	Slippage   float64       `yaml:"slippage"`
	Timeout    time.Duration `yaml:"timeout"`
	// Routers lists the aggregator contracts the solver may call or approve.
	Routers []string `yaml:"routers"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
}

func (c *Config) applyDefaults() {
	w := &c.Worker
	if w.GroupTracker == "" {
		w.GroupTracker = GroupTrackerPostgres
	}
	if w.GroupDeferDelay <= 0 {
		w.GroupDeferDelay = 200 * time.Millisecond
	}
	if w.GroupLockTTL <= 0 {
		w.GroupLockTTL = 5 * time.Minute
	}
	if w.ReadyDeferDelay <= 0 {
		w.ReadyDeferDelay = time.Second
	}
	if w.PromoteInterval <= 0 {
		w.PromoteInterval = time.Second
	}
	if w.PromoteBatchSize <= 0 {
		w.PromoteBatchSize = 100
	}
	if w.ScheduleInterval <= 0 {
		w.ScheduleInterval = time.Second
	}
	if w.StalledAfter <= 0 {
		w.StalledAfter = time.Minute
	}

	if c.Jobs.DefaultAttempts <= 0 {
		c.Jobs.DefaultAttempts = 1
	}
	if c.Jobs.LockDuration <= 0 {
		c.Jobs.LockDuration = 5 * time.Minute
	}

	if c.Withdrawals.Attempts <= 0 {
		c.Withdrawals.Attempts = 3
	}
	if c.Withdrawals.BackoffDelay <= 0 {
		c.Withdrawals.BackoffDelay = time.Second
	}
	if c.SendBatch.Attempts <= 0 {
		c.SendBatch.Attempts = 3
	}
	if c.SendBatch.BackoffDelay <= 0 {
		c.SendBatch.BackoffDelay = time.Second
	}

	if c.CCTPV2.FastPollInterval <= 0 {
		c.CCTPV2.FastPollInterval = 3 * time.Second
	}
	if c.CCTPV2.StandardPollInterval <= 0 {
		c.CCTPV2.StandardPollInterval = 30 * time.Second
	}
	if c.CCTPV2.MaxAttestationPolls <= 0 {
		c.CCTPV2.MaxAttestationPolls = 400
	}
}

// Chain returns the configuration of chainID
func (c *Config) Chain(chainID uint64) (ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.ChainID == chainID {
			return chain, true
		}
	}
	return ChainConfig{}, false
}

// ClaimAuthorities returns the distinct intent source addresses in config order
func (c *Config) ClaimAuthorities() []string {
	seen := make(map[string]bool, len(c.IntentSources))
	var out []string
	for _, src := range c.IntentSources {
		key := strings.ToLower(src.Address)
		if src.Address == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, src.Address)
	}
	return out
}

// ValidateAPIConfig checks the settings the api service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateStorage() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval >= c.Jobs.LockDuration {
		return fmt.Errorf("worker heartbeat_interval must be shorter than jobs lock_duration")
	}

	switch c.Worker.GroupTracker {
	case GroupTrackerPostgres, GroupTrackerMemory:
	case GroupTrackerRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis url is required for the redis group tracker")
		}
	default:
		return fmt.Errorf("unknown worker group_tracker: %q", c.Worker.GroupTracker)
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	for _, chain := range c.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chain id is required")
		}
		if chain.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url is required", chain.ChainID)
		}
	}

	if c.Signer.PrivateKeyEnv == "" {
		return fmt.Errorf("signer private_key_env is required")
	}

	for _, src := range c.IntentSources {
		if _, ok := c.Chain(src.ChainID); !ok {
			return fmt.Errorf("intent source %s: chain %d is not configured", src.Address, src.ChainID)
		}
	}

	if c.Withdrawals.ChunkSize <= 0 {
		return fmt.Errorf("withdrawals chunk_size must be greater than 0")
	}

	if c.SendBatch.ChunkSize <= 0 {
		return fmt.Errorf("send_batch chunk_size must be greater than 0")
	}

	if c.Aggregator.Enabled && len(c.Aggregator.Routers) == 0 {
		return fmt.Errorf("aggregator routers are required when the aggregator is enabled")
	}

	return nil
}
