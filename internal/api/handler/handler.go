package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/settlement-orchestrator/internal/liquidity"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
)

// JobReader is the read side of the queue exposed over HTTP
type JobReader interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error)
	Schedulers(ctx context.Context) ([]*queue.Scheduler, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Health     HealthChecker
	Jobs       JobReader
	Rebalances *liquidity.Service
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobReader
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// RebalanceHandler handles rebalance quoting and execution requests
type RebalanceHandler struct {
	logger  *slog.Logger
	service *liquidity.Service
}

// NewRebalanceHandler creates a new RebalanceHandler instance
func NewRebalanceHandler(deps *Dependencies) *RebalanceHandler {
	return &RebalanceHandler{
		logger:  deps.Logger,
		service: deps.Rebalances,
	}
}
