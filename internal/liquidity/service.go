package liquidity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Service quotes rebalances and starts their execution.
type Service struct {
	registry *Registry
	repo     Repository
	producer queue.Producer
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(registry *Registry, repo Repository, producer queue.Producer, logger *slog.Logger) *Service {
	return &Service{
		registry: registry,
		repo:     repo,
		producer: producer,
		logger:   logger.With(slog.String("component", "liquidity")),
		now:      time.Now,
	}
}

// Strategies lists the configured rebalance strategies.
func (s *Service) Strategies() []Strategy {
	return s.registry.Strategies()
}

// Quote asks the provider of req.Strategy for quotes. Every returned quote
// is bound to req.Wallet and carries a fresh id.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) ([]Quote, error) {
	provider, err := s.registry.Get(req.Strategy)
	if err != nil {
		return nil, err
	}
	if req.Amount.Int == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("quote amount must be positive")
	}

	quotes, err := provider.Quote(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to quote %s: %w", req.Strategy, err)
	}
	for i := range quotes {
		if quotes[i].ID == "" {
			quotes[i].ID = uuid.NewString()
		}
		quotes[i].Wallet = req.Wallet
		quotes[i].Strategy = provider.Strategy()
	}

	s.logger.InfoContext(ctx, "Rebalance quoted",
		slog.String("strategy", string(req.Strategy)),
		slog.String("wallet", req.Wallet.Hex()),
		slog.Int("quotes", len(quotes)),
	)
	return quotes, nil
}

// Rebalance records and enqueues the quotes of one group. Each quote gets
// its own rebalance job id; all jobs share the group's key so the group
// executes one step at a time.
func (s *Service) Rebalance(ctx context.Context, wallet common.Address, quotes []Quote) (string, []*Record, error) {
	if len(quotes) == 0 {
		return "", nil, fmt.Errorf("no quotes to execute")
	}
	for _, q := range quotes {
		if err := checkWallet(wallet, q); err != nil {
			return "", nil, err
		}
		if _, err := s.registry.Get(q.Strategy); err != nil {
			return "", nil, err
		}
	}

	groupID := uuid.NewString()
	now := s.now()
	records := make([]*Record, len(quotes))
	bulk := make([]queue.BulkJob, len(quotes))
	for i, q := range quotes {
		q.GroupID = groupID
		q.RebalanceJobID = uuid.NewString()
		records[i] = recordFromQuote(uuid.NewString(), q, now)
		bulk[i] = queue.BulkJob{
			Name:    JobRebalance,
			Payload: RebalanceJobData{Wallet: wallet, Quote: q},
			Options: queue.Options{
				JobID:    "Rebalance-" + q.RebalanceJobID,
				GroupKey: groupKeyFor(groupID),
				Attempts: 1,
			},
		}
	}

	if err := s.repo.Create(ctx, records); err != nil {
		return "", nil, err
	}
	if _, err := s.producer.EnqueueBulk(ctx, bulk); err != nil {
		for _, r := range records {
			if uerr := s.repo.UpdateStatus(ctx, r.RebalanceJobID, StatusFailed, "enqueue failed"); uerr != nil {
				s.logger.ErrorContext(ctx, "Failed to mark rebalance failed",
					slog.String("rebalance_job_id", r.RebalanceJobID),
					slog.Any("error", uerr),
				)
			}
		}
		return "", nil, fmt.Errorf("failed to enqueue rebalance group %s: %w", groupID, err)
	}

	s.logger.InfoContext(ctx, "Rebalance group enqueued",
		slog.String("group_id", groupID),
		slog.String("wallet", wallet.Hex()),
		slog.Int("quotes", len(quotes)),
	)
	return groupID, records, nil
}

// Get returns the record of a rebalance.
func (s *Service) Get(ctx context.Context, rebalanceJobID string) (*Record, error) {
	return s.repo.Get(ctx, rebalanceJobID)
}

// Group returns every record of a rebalance group.
func (s *Service) Group(ctx context.Context, groupID string) ([]*Record, error) {
	return s.repo.ListGroup(ctx, groupID)
}
