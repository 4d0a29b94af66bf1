// Package bootstrap builds the infrastructure clients both services share.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/liquidity"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue/storage"
	"github.com/cuongbtq/settlement-orchestrator/shared/logger"
	"github.com/cuongbtq/settlement-orchestrator/shared/postgresql"
	"github.com/cuongbtq/settlement-orchestrator/shared/rabbitmq"
	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file when one exists and returns the config path,
// taken from envVar or fallback.
func LoadEnv(envVar, fallback string) string {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	if path := os.Getenv(envVar); path != "" {
		return path
	}
	return fallback
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// InitPostgreSQL connects to PostgreSQL and applies the queue and
// rebalance schema.
func InitPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, err
	}

	schema := make([]string, 0, len(storage.Schema)+len(liquidity.Schema))
	schema = append(schema, storage.Schema...)
	schema = append(schema, liquidity.Schema...)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.EnsureSchema(ctx, schema...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return client, nil
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}, logger)
}

// QueueConfig maps the jobs section onto queue defaults.
func QueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		DefaultAttempts: cfg.Jobs.DefaultAttempts,
		DefaultBackoff: queue.Backoff{
			Type:  queue.BackoffType(cfg.Jobs.BackoffType),
			Delay: cfg.Jobs.BackoffDelay,
		},
		LockDuration: cfg.Jobs.LockDuration,
		StalledAfter: cfg.Worker.StalledAfter,
	}
}

// NewQueue builds the Postgres-backed queue that announces jobs over
// RabbitMQ.
func NewQueue(cfg *config.Config, db *postgresql.Client, rabbit *rabbitmq.Client, logger *slog.Logger) *queue.Queue {
	return queue.New(
		storage.NewStorage(db.GetDB(), logger),
		queue.NewRabbitNotifier(rabbit, cfg.RabbitMQ.Consumer.PrefetchCount, logger),
		QueueConfig(cfg),
		logger,
	)
}
