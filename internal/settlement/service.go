package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/indexer"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Service turns indexer state into claim jobs and executes them.
type Service struct {
	cfg       *config.Config
	indexer   indexer.Client
	producer  queue.Producer
	exec      chain.Executor
	estimator *GasEstimator
	claimant  common.Address
	logger    *slog.Logger
}

func NewService(cfg *config.Config, idx indexer.Client, producer queue.Producer, exec chain.Executor, logger *slog.Logger) *Service {
	logger = logger.With(slog.String("component", "settlement"))
	return &Service{
		cfg:       cfg,
		indexer:   idx,
		producer:  producer,
		exec:      exec,
		estimator: NewGasEstimator(exec, cfg.Hyperlane, cfg.SendBatch.DefaultGasPerIntent, logger),
		claimant:  common.HexToAddress(cfg.Eth.Claimant),
		logger:    logger,
	}
}

// StartCronJobs registers the recurring withdrawal and proof checks.
// Registration replaces any schedule of the same name.
func (s *Service) StartCronJobs(ctx context.Context) error {
	crons := []struct {
		scheduler string
		job       queue.JobName
		every     time.Duration
	}{
		{SchedulerCheckWithdrawals, JobCheckWithdrawals, s.cfg.Withdrawals.Interval},
		{SchedulerCheckSendBatch, JobCheckSendBatch, s.cfg.SendBatch.Interval},
	}

	for _, c := range crons {
		if c.every <= 0 {
			s.logger.WarnContext(ctx, "Recurring job disabled, interval not set", slog.String("scheduler", c.scheduler))
			continue
		}
		err := s.producer.ScheduleRecurring(ctx, c.scheduler, c.every, queue.BulkJob{
			Name: c.job,
			Options: queue.Options{
				Attempts:         1,
				RemoveOnComplete: true,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) intentSources() []common.Address {
	raw := s.cfg.ClaimAuthorities()
	out := make([]common.Address, 0, len(raw))
	for _, a := range raw {
		out = append(out, common.HexToAddress(a))
	}
	return out
}

func (s *Service) inboxFor(source common.Address) (common.Address, error) {
	for _, src := range s.cfg.IntentSources {
		if sameAddress(src.Address, source.Hex()) {
			return common.HexToAddress(src.Inbox), nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownIntentSource, source.Hex())
}

// GetNextBatchWithdrawals queries every intent source for claimable rewards
// and enqueues one ExecuteWithdrawals job per chunk.
func (s *Service) GetNextBatchWithdrawals(ctx context.Context) (int, error) {
	sources := s.intentSources()
	results := make([][]Withdrawal, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range sources {
		i, addr := i, addr
		g.Go(func() error {
			pending, err := s.indexer.GetPendingWithdrawals(gctx, addr)
			if err != nil {
				return err
			}
			tagged := make([]Withdrawal, 0, len(pending))
			for _, w := range pending {
				tagged = append(tagged, withdrawalFromIndexer(w, addr))
			}
			results[i] = tagged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("failed to fetch withdrawals: %w", err)
	}

	var all []Withdrawal
	for _, r := range results {
		all = append(all, r...)
	}

	jobs, skipped := BatchWithdrawals(all, s.cfg.Withdrawals.ChunkSize)
	if skipped > 0 {
		s.logger.WarnContext(ctx, "Skipped withdrawal chunks without intent source", slog.Int("skipped", skipped))
	}

	bulk := make([]queue.BulkJob, 0, len(jobs))
	for _, j := range jobs {
		bulk = append(bulk, queue.BulkJob{
			Name:    JobExecuteWithdrawals,
			Payload: j,
			Options: queue.Options{
				GroupKey: groupKey(JobExecuteWithdrawals, j.ChainID, j.IntentSourceAddr),
				Attempts: s.cfg.Withdrawals.Attempts,
				Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: s.cfg.Withdrawals.BackoffDelay},
			},
		})
	}

	s.logger.InfoContext(ctx, "Withdrawal batches built",
		slog.Int("intent_sources", len(sources)),
		slog.Int("withdrawals", len(all)),
		slog.Int("jobs", len(bulk)),
	)
	return s.enqueue(ctx, bulk)
}

// GetNextSendBatch queries every intent source for proofs awaiting relay
// and enqueues one ExecuteSendBatch job per chunk.
func (s *Service) GetNextSendBatch(ctx context.Context) (int, error) {
	sources := s.intentSources()
	results := make([][]PendingProve, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range sources {
		i, addr := i, addr
		g.Go(func() error {
			inbox, err := s.inboxFor(addr)
			if err != nil {
				return err
			}
			pending, err := s.indexer.GetPendingProofs(gctx, addr)
			if err != nil {
				return err
			}
			tagged := make([]PendingProve, 0, len(pending))
			for _, p := range pending {
				tagged = append(tagged, PendingProve{
					DestinationChainID: p.DestinationChainID,
					Prove: Prove{
						Hash:             p.Hash,
						Prover:           p.Prover,
						Source:           p.ChainID,
						IntentSourceAddr: addr,
						Inbox:            inbox,
					},
				})
			}
			results[i] = tagged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("failed to fetch proofs: %w", err)
	}

	var all []PendingProve
	for _, r := range results {
		all = append(all, r...)
	}

	jobs, skipped := BatchProves(all, s.cfg.SendBatch.ChunkSize)
	if skipped > 0 {
		s.logger.WarnContext(ctx, "Skipped proof chunks without intent source", slog.Int("skipped", skipped))
	}

	bulk := make([]queue.BulkJob, 0, len(jobs))
	for _, j := range jobs {
		bulk = append(bulk, queue.BulkJob{
			Name:    JobExecuteSendBatch,
			Payload: j,
			Options: queue.Options{
				GroupKey: groupKey(JobExecuteSendBatch, j.ChainID, j.IntentSourceAddr),
				Attempts: s.cfg.SendBatch.Attempts,
				Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: s.cfg.SendBatch.BackoffDelay},
			},
		})
	}

	s.logger.InfoContext(ctx, "Send batches built",
		slog.Int("intent_sources", len(sources)),
		slog.Int("proves", len(all)),
		slog.Int("jobs", len(bulk)),
	)
	return s.enqueue(ctx, bulk)
}

func (s *Service) enqueue(ctx context.Context, bulk []queue.BulkJob) (int, error) {
	if len(bulk) == 0 {
		return 0, nil
	}
	if _, err := s.producer.EnqueueBulk(ctx, bulk); err != nil {
		return 0, err
	}
	return len(bulk), nil
}

type abiTokenAmount struct {
	Token  common.Address
	Amount *big.Int
}

type abiReward struct {
	Deadline     uint64
	Creator      common.Address
	Prover       common.Address
	NativeAmount *big.Int
	Tokens       []abiTokenAmount
}

// ExecuteWithdrawals claims every reward of the chunk in one batchWithdraw
// transaction and waits for it to be mined.
func (s *Service) ExecuteWithdrawals(ctx context.Context, data ExecuteWithdrawalsData) (common.Hash, error) {
	if len(data.Withdrawals) == 0 {
		return common.Hash{}, nil
	}

	destinations := make([]uint64, len(data.Withdrawals))
	routeHashes := make([][32]byte, len(data.Withdrawals))
	rewards := make([]abiReward, len(data.Withdrawals))
	for i, w := range data.Withdrawals {
		destinations[i] = w.Destination
		routeHashes[i] = w.RouteHash
		tokens := make([]abiTokenAmount, len(w.Reward.Tokens))
		for k, t := range w.Reward.Tokens {
			tokens[k] = abiTokenAmount{Token: t.Token, Amount: t.Amount.Big()}
		}
		rewards[i] = abiReward{
			Deadline:     w.Reward.Deadline,
			Creator:      w.Reward.Creator,
			Prover:       w.Reward.Prover,
			NativeAmount: w.Reward.NativeAmount.Big(),
			Tokens:       tokens,
		}
	}

	call, err := chain.ContractCall(portalABI, data.IntentSourceAddr, nil, "batchWithdraw", destinations, routeHashes, rewards)
	if err != nil {
		return common.Hash{}, queue.Unrecoverable(err)
	}

	return s.sendAndWait(ctx, data.ChainID, call)
}

// ExecuteSendBatch relays the proofs of a chunk: one initiateProving call
// per (prover, source) pair, merged into a single multicall transaction
// when there is more than one.
func (s *Service) ExecuteSendBatch(ctx context.Context, data ExecuteSendBatchData) (common.Hash, error) {
	if len(data.Proves) == 0 {
		return common.Hash{}, nil
	}

	chainCfg, ok := s.cfg.Chain(data.ChainID)
	if !ok {
		return common.Hash{}, queue.Unrecoverable(fmt.Errorf("%w: %d", chain.ErrUnknownChain, data.ChainID))
	}

	groups := groupByProverSource(data.Proves)
	calls := make([]chain.Call, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			hashes := make([]common.Hash, len(group))
			for k, p := range group {
				hashes[k] = p.Hash
			}
			call, err := s.sendBatchCall(gctx, chainCfg, data.Inbox, group[0].Prover, group[0].Source, hashes)
			if err != nil {
				return err
			}
			calls[i] = call
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return common.Hash{}, err
	}

	tx, err := chain.Aggregate(common.HexToAddress(chainCfg.Multicall), calls)
	if err != nil {
		return common.Hash{}, queue.Unrecoverable(err)
	}

	s.logger.DebugContext(ctx, "Send batch transaction built",
		slog.Uint64("chain_id", data.ChainID),
		slog.Int("calls", len(calls)),
		slog.String("value", tx.ValueOrZero().String()),
	)
	return s.sendAndWait(ctx, data.ChainID, tx)
}

func (s *Service) sendBatchCall(ctx context.Context, origin config.ChainConfig, inbox, prover common.Address, source uint64, hashes []common.Hash) (chain.Call, error) {
	message, err := MessageData(s.claimant, hashes)
	if err != nil {
		return chain.Call{}, queue.Unrecoverable(err)
	}

	gasLimit := s.estimator.Estimate(ctx, inbox, prover, origin.ChainID, source, message, len(hashes))
	metadata := HookMetadata(nil, gasLimit, s.claimant)

	hl, err := hyperlaneChainFor(s.cfg.Hyperlane, origin.ChainID)
	if err != nil {
		return chain.Call{}, queue.Unrecoverable(err)
	}

	fee, err := s.quoteDispatch(ctx, origin.ChainID, hl, source, prover, message, metadata)
	if err != nil {
		return chain.Call{}, err
	}

	data, err := ProverData(prover, metadata, hl.Hook)
	if err != nil {
		return chain.Call{}, queue.Unrecoverable(err)
	}

	raw := make([][32]byte, len(hashes))
	for i, h := range hashes {
		raw[i] = h
	}
	call, err := chain.ContractCall(inboxABI, inbox, fee, "initiateProving",
		new(big.Int).SetUint64(source), raw, common.HexToAddress(origin.HyperProver), data)
	if err != nil {
		return chain.Call{}, queue.Unrecoverable(err)
	}
	return call, nil
}

func (s *Service) quoteDispatch(ctx context.Context, origin uint64, hl hyperlaneChain, source uint64, prover common.Address, message, metadata []byte) (*big.Int, error) {
	call, err := chain.ContractCall(mailboxABI, hl.Mailbox, nil, "quoteDispatch",
		uint32(source), addressToBytes32(prover), message, metadata, hl.Hook)
	if err != nil {
		return nil, queue.Unrecoverable(err)
	}

	out, err := s.exec.Call(ctx, origin, call)
	if err != nil {
		return nil, fmt.Errorf("failed to quote dispatch on chain %d: %w", origin, err)
	}
	values, err := mailboxABI.Unpack("quoteDispatch", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode dispatch quote: %w", err)
	}
	fee, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected dispatch quote type %T", values[0])
	}
	return fee, nil
}

func (s *Service) sendAndWait(ctx context.Context, chainID uint64, call chain.Call) (common.Hash, error) {
	hash, err := s.exec.SendTransaction(ctx, chainID, call)
	if err != nil {
		return common.Hash{}, err
	}

	s.logger.InfoContext(ctx, "Transaction sent",
		slog.Uint64("chain_id", chainID),
		slog.String("tx_hash", hash.Hex()),
	)

	if _, err := s.exec.WaitForReceipt(ctx, chainID, hash); err != nil {
		return hash, err
	}
	return hash, nil
}
