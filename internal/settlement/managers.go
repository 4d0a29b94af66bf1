package settlement

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/internal/worker"
)

// CheckWithdrawalsManager runs the recurring withdrawal batcher.
type CheckWithdrawalsManager struct {
	worker.BaseManager
	service *Service
}

func NewCheckWithdrawalsManager(service *Service) *CheckWithdrawalsManager {
	return &CheckWithdrawalsManager{
		BaseManager: worker.BaseManager{Name: JobCheckWithdrawals},
		service:     service,
	}
}

func (m *CheckWithdrawalsManager) Process(ctx context.Context, _ *queue.Job) (any, error) {
	enqueued, err := m.service.GetNextBatchWithdrawals(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"enqueued": enqueued}, nil
}

// CheckSendBatchManager runs the recurring proof batcher.
type CheckSendBatchManager struct {
	worker.BaseManager
	service *Service
}

func NewCheckSendBatchManager(service *Service) *CheckSendBatchManager {
	return &CheckSendBatchManager{
		BaseManager: worker.BaseManager{Name: JobCheckSendBatch},
		service:     service,
	}
}

func (m *CheckSendBatchManager) Process(ctx context.Context, _ *queue.Job) (any, error) {
	enqueued, err := m.service.GetNextSendBatch(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"enqueued": enqueued}, nil
}

// ExecuteWithdrawalsManager sends one batchWithdraw per job.
type ExecuteWithdrawalsManager struct {
	worker.BaseManager
	service *Service
	logger  *slog.Logger
}

func NewExecuteWithdrawalsManager(service *Service, logger *slog.Logger) *ExecuteWithdrawalsManager {
	return &ExecuteWithdrawalsManager{
		BaseManager: worker.BaseManager{Name: JobExecuteWithdrawals},
		service:     service,
		logger:      logger,
	}
}

func (m *ExecuteWithdrawalsManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data ExecuteWithdrawalsData
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	hash, err := m.service.ExecuteWithdrawals(ctx, data)
	if err != nil {
		return nil, err
	}
	return map[string]string{"txHash": hash.Hex()}, nil
}

func (m *ExecuteWithdrawalsManager) OnFailed(ctx context.Context, job *queue.Job, err error) error {
	var data ExecuteWithdrawalsData
	if decodeErr := job.Decode(&data); decodeErr != nil {
		return decodeErr
	}
	m.logger.ErrorContext(ctx, "Withdrawal batch failed",
		slog.String("job_id", job.ID),
		slog.Uint64("chain_id", data.ChainID),
		slog.String("intent_source", data.IntentSourceAddr.Hex()),
		slog.Any("intent_hashes", data.IntentHashes()),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.Bool("final", job.IsFinalAttempt()),
		slog.Any("error", err),
	)
	return nil
}

// ExecuteSendBatchManager relays one chunk of proofs per job.
type ExecuteSendBatchManager struct {
	worker.BaseManager
	service *Service
	logger  *slog.Logger
}

func NewExecuteSendBatchManager(service *Service, logger *slog.Logger) *ExecuteSendBatchManager {
	return &ExecuteSendBatchManager{
		BaseManager: worker.BaseManager{Name: JobExecuteSendBatch},
		service:     service,
		logger:      logger,
	}
}

func (m *ExecuteSendBatchManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data ExecuteSendBatchData
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	hash, err := m.service.ExecuteSendBatch(ctx, data)
	if err != nil {
		return nil, err
	}
	return map[string]string{"txHash": hash.Hex()}, nil
}

func (m *ExecuteSendBatchManager) OnFailed(ctx context.Context, job *queue.Job, err error) error {
	var data ExecuteSendBatchData
	if decodeErr := job.Decode(&data); decodeErr != nil {
		return decodeErr
	}
	m.logger.ErrorContext(ctx, "Send batch failed",
		slog.String("job_id", job.ID),
		slog.Uint64("chain_id", data.ChainID),
		slog.String("intent_source", data.IntentSourceAddr.Hex()),
		slog.Any("intent_hashes", data.Hashes()),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.Bool("final", job.IsFinalAttempt()),
		slog.Any("error", err),
	)
	return nil
}

// Managers returns every settlement job manager.
func Managers(service *Service, logger *slog.Logger) []worker.JobManager {
	return []worker.JobManager{
		NewCheckWithdrawalsManager(service),
		NewCheckSendBatchManager(service),
		NewExecuteWithdrawalsManager(service, logger),
		NewExecuteSendBatchManager(service, logger),
	}
}
