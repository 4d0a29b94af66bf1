package liquidity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/internal/worker"
	"github.com/cuongbtq/settlement-orchestrator/shared/logger"
)

// RebalanceManager executes one quote of a rebalance group.
type RebalanceManager struct {
	worker.BaseManager
	registry *Registry
	repo     Repository
	logger   *slog.Logger
}

func NewRebalanceManager(registry *Registry, repo Repository, logger *slog.Logger) *RebalanceManager {
	return &RebalanceManager{
		BaseManager: worker.BaseManager{Name: JobRebalance},
		registry:    registry,
		repo:        repo,
		logger:      logger,
	}
}

// Process marks the record FAILED before returning any execution error, so
// a rebalance never stays PENDING after its execution gave up.
func (m *RebalanceManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data RebalanceJobData
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	quote := data.Quote
	ctx = logger.WithLogFields(ctx, logger.LogFields{RebalanceJobID: quote.RebalanceJobID})

	if err := checkWallet(data.Wallet, quote); err != nil {
		return nil, m.fail(ctx, quote, queue.Unrecoverable(err))
	}
	provider, err := m.registry.Get(quote.Strategy)
	if err != nil {
		return nil, m.fail(ctx, quote, queue.Unrecoverable(err))
	}

	m.logger.InfoContext(ctx, "Executing rebalance",
		slog.String("strategy", string(quote.Strategy)),
		slog.String("wallet", data.Wallet.Hex()),
		slog.Uint64("from_chain", quote.TokenIn.ChainID),
		slog.Uint64("to_chain", quote.TokenOut.ChainID),
		slog.String("amount_in", quote.AmountIn.Big().String()),
	)

	res, err := provider.Execute(ctx, data.Wallet, quote)
	if err != nil {
		return nil, m.fail(ctx, quote, err)
	}
	return res, nil
}

func (m *RebalanceManager) fail(ctx context.Context, quote Quote, cause error) error {
	if err := m.repo.UpdateStatus(ctx, quote.RebalanceJobID, StatusFailed, cause.Error()); err != nil {
		m.logger.ErrorContext(ctx, "Failed to mark rebalance failed",
			slog.String("rebalance_job_id", quote.RebalanceJobID),
			slog.Any("error", err),
		)
	}
	return cause
}

// OnComplete finishes single-step rebalances. Multi-step ones are left
// PENDING at stage SUBMITTED for their follow-up jobs.
func (m *RebalanceManager) OnComplete(ctx context.Context, job *queue.Job, result any) error {
	res, ok := result.(ExecuteResult)
	if !ok {
		return fmt.Errorf("unexpected rebalance result %T", result)
	}
	var data RebalanceJobData
	if err := job.Decode(&data); err != nil {
		return err
	}
	id := data.Quote.RebalanceJobID

	if !res.Completed {
		return m.repo.UpdateStage(ctx, id, StageSubmitted, res.TxHash.Hex())
	}
	if err := m.repo.UpdateStage(ctx, id, StageNone, res.TxHash.Hex()); err != nil {
		return err
	}
	if err := m.repo.UpdateStatus(ctx, id, StatusCompleted, ""); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "Rebalance completed",
		slog.String("rebalance_job_id", id),
		slog.String("tx_hash", res.TxHash.Hex()),
	)
	return nil
}

// Providers builds the providers enabled in cfg.
func Providers(cfg *config.Config, exec chain.Executor, producer queue.Producer, logger *slog.Logger) []Provider {
	var out []Provider
	if cfg.CCTPV2.Enabled {
		circle := NewCircleClient(cfg.CCTPV2.APIURL, cfg.CCTPV2.Timeout)
		out = append(out, NewCCTPV2Provider(cfg.CCTPV2, exec, circle, producer, logger))
	}
	if cfg.Aggregator.Enabled {
		out = append(out, NewAggregatorProvider(cfg.Aggregator, exec, logger))
	}
	return out
}

// JobQueue is the queue surface the liquidity managers need.
type JobQueue interface {
	queue.Producer
	queue.DataUpdater
}

// Managers returns every liquidity job manager.
func Managers(cfg *config.Config, registry *Registry, repo Repository, exec chain.Executor, q JobQueue, logger *slog.Logger) []worker.JobManager {
	managers := []worker.JobManager{NewRebalanceManager(registry, repo, logger)}
	if cfg.CCTPV2.Enabled {
		circle := NewCircleClient(cfg.CCTPV2.APIURL, cfg.CCTPV2.Timeout)
		managers = append(managers,
			NewCheckAttestationManager(cfg.CCTPV2, circle, q, repo, logger),
			NewMintManager(cfg.CCTPV2, exec, q, repo, logger),
		)
	}
	return managers
}
