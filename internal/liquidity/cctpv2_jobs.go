package liquidity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/internal/worker"
	"github.com/cuongbtq/settlement-orchestrator/shared/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	mintAttempts     = 3
	mintBackoffDelay = 10 * time.Second
)

// AttestationResult is returned by one attestation poll.
type AttestationResult struct {
	Status      string        `json:"status"`
	MessageBody hexutil.Bytes `json:"messageBody,omitempty"`
	Attestation hexutil.Bytes `json:"attestation,omitempty"`
}

// CheckAttestationManager polls Circle once per job. A pending result
// schedules the next poll; a complete one schedules the mint.
type CheckAttestationManager struct {
	worker.BaseManager
	cfg      config.CCTPV2Config
	circle   CircleAPI
	producer queue.Producer
	repo     Repository
	logger   *slog.Logger
}

func NewCheckAttestationManager(cfg config.CCTPV2Config, circle CircleAPI, producer queue.Producer, repo Repository, logger *slog.Logger) *CheckAttestationManager {
	return &CheckAttestationManager{
		BaseManager: worker.BaseManager{Name: JobCheckCCTPV2Attestation},
		cfg:         cfg,
		circle:      circle,
		producer:    producer,
		repo:        repo,
		logger:      logger,
	}
}

// pollDelay is short for fast transfers and long for standard ones.
func (m *CheckAttestationManager) pollDelay(transferType string) time.Duration {
	if transferType == TransferFast {
		return m.cfg.FastPollInterval
	}
	return m.cfg.StandardPollInterval
}

func (m *CheckAttestationManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data CheckAttestationData
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{RebalanceJobID: data.RebalanceJobID})

	if m.cfg.MaxAttestationPolls > 0 && data.Polls >= m.cfg.MaxAttestationPolls {
		return nil, queue.Unrecoverable(fmt.Errorf("attestation for %s still pending after %d polls",
			data.TransactionHash.Hex(), data.Polls))
	}

	att, err := m.circle.Attestation(ctx, data.SourceDomain, data.TransactionHash)
	if err != nil {
		m.logger.WarnContext(ctx, "Attestation lookup failed, treating as pending",
			slog.String("tx_hash", data.TransactionHash.Hex()),
			slog.Int("poll", data.Polls),
			slog.Any("error", err),
		)
		return AttestationResult{Status: attestationPending}, nil
	}
	if !att.Complete() {
		return AttestationResult{Status: attestationPending}, nil
	}
	return AttestationResult{
		Status:      attestationComplete,
		MessageBody: att.MessageBody,
		Attestation: att.Attestation,
	}, nil
}

func (m *CheckAttestationManager) OnComplete(ctx context.Context, job *queue.Job, result any) error {
	res, ok := result.(AttestationResult)
	if !ok {
		return fmt.Errorf("unexpected attestation result %T", result)
	}
	var data CheckAttestationData
	if err := job.Decode(&data); err != nil {
		return err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{RebalanceJobID: data.RebalanceJobID})

	if res.Status != attestationComplete {
		return m.schedulePoll(ctx, job, data)
	}
	return m.scheduleMint(ctx, job, data, res)
}

func (m *CheckAttestationManager) schedulePoll(ctx context.Context, job *queue.Job, data CheckAttestationData) error {
	if data.Polls == 0 {
		if err := m.repo.UpdateStage(ctx, data.RebalanceJobID, StageAttestationPending, ""); err != nil {
			m.logger.ErrorContext(ctx, "Failed to record attestation stage", slog.Any("error", err))
		}
	}

	next := data
	next.Polls++
	delay := m.pollDelay(data.Context.TransferType)
	_, err := m.producer.Enqueue(ctx, JobCheckCCTPV2Attestation, next, queue.Options{
		JobID:    attestationJobID(data.TransactionHash, next.Polls),
		GroupKey: job.GroupKey,
		Attempts: job.Attempts,
		Backoff:  job.Backoff,
		Delay:    delay,
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule attestation check: %w", err)
	}

	m.logger.DebugContext(ctx, "Attestation pending",
		slog.String("tx_hash", data.TransactionHash.Hex()),
		slog.Int("poll", next.Polls),
		slog.Duration("delay", delay),
	)
	return nil
}

func (m *CheckAttestationManager) scheduleMint(ctx context.Context, job *queue.Job, data CheckAttestationData, res AttestationResult) error {
	if err := m.repo.UpdateStage(ctx, data.RebalanceJobID, StageAttestationComplete, ""); err != nil {
		m.logger.ErrorContext(ctx, "Failed to record attestation stage", slog.Any("error", err))
	}

	messageHash := crypto.Keccak256Hash(res.MessageBody)
	cctx := data.Context
	cctx.MessageHash = &messageHash
	cctx.MessageBody = res.MessageBody

	mint := MintData{
		GroupID:            data.GroupID,
		RebalanceJobID:     data.RebalanceJobID,
		DestinationChainID: data.DestinationChainID,
		MessageBody:        res.MessageBody,
		Attestation:        res.Attestation,
		Context:            cctx,
	}
	_, err := m.producer.Enqueue(ctx, JobExecuteCCTPV2Mint, mint, queue.Options{
		JobID:    mintJobID(res.MessageBody),
		GroupKey: job.GroupKey,
		Attempts: mintAttempts,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: mintBackoffDelay},
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue mint: %w", err)
	}

	m.logger.InfoContext(ctx, "Attestation complete, mint scheduled",
		slog.String("tx_hash", data.TransactionHash.Hex()),
		slog.String("message_hash", messageHash.Hex()),
		slog.Int("polls", data.Polls+1),
	)
	return nil
}

func (m *CheckAttestationManager) OnFailed(ctx context.Context, job *queue.Job, err error) error {
	var data CheckAttestationData
	if decodeErr := job.Decode(&data); decodeErr != nil {
		return decodeErr
	}
	return markFailedOnFinal(ctx, m.repo, m.logger, job, data.RebalanceJobID, err)
}

// MintManager calls receiveMessage on the destination chain. The broadcast
// hash is stored on the job before waiting, so a retry waits for the same
// transaction instead of minting twice.
type MintManager struct {
	worker.BaseManager
	cfg     config.CCTPV2Config
	exec    chain.Executor
	updater queue.DataUpdater
	repo    Repository
	logger  *slog.Logger
}

func NewMintManager(cfg config.CCTPV2Config, exec chain.Executor, updater queue.DataUpdater, repo Repository, logger *slog.Logger) *MintManager {
	return &MintManager{
		BaseManager: worker.BaseManager{Name: JobExecuteCCTPV2Mint},
		cfg:         cfg,
		exec:        exec,
		updater:     updater,
		repo:        repo,
		logger:      logger,
	}
}

func (m *MintManager) transmitter(chainID uint64) (common.Address, error) {
	for _, c := range m.cfg.Chains {
		if c.ChainID == chainID && common.IsHexAddress(c.MessageTransmitter) {
			return common.HexToAddress(c.MessageTransmitter), nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: no message transmitter for chain %d", ErrUnsupportedRoute, chainID)
}

func (m *MintManager) Process(ctx context.Context, job *queue.Job) (any, error) {
	var data MintData
	if err := job.Decode(&data); err != nil {
		return nil, err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RebalanceJobID: data.RebalanceJobID,
		ChainID:        int64(data.DestinationChainID),
	})

	if data.TxHash == nil {
		transmitter, err := m.transmitter(data.DestinationChainID)
		if err != nil {
			return nil, queue.Unrecoverable(err)
		}
		call, err := chain.ContractCall(messageTransmitterV2ABI, transmitter, nil, "receiveMessage",
			[]byte(data.MessageBody), []byte(data.Attestation))
		if err != nil {
			return nil, queue.Unrecoverable(err)
		}

		hash, err := m.exec.SendTransaction(ctx, data.DestinationChainID, call)
		if err != nil {
			return nil, fmt.Errorf("failed to send receiveMessage: %w", err)
		}
		data.TxHash = &hash
		if err := m.updater.UpdateData(ctx, job, data); err != nil {
			m.logger.ErrorContext(ctx, "Failed to persist mint transaction hash",
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err),
			)
			return nil, err
		}
		if err := m.repo.UpdateStage(ctx, data.RebalanceJobID, StageMintSubmitted, hash.Hex()); err != nil {
			m.logger.ErrorContext(ctx, "Failed to record mint stage", slog.Any("error", err))
		}
		m.logger.InfoContext(ctx, "Mint submitted", slog.String("tx_hash", hash.Hex()))
	} else {
		m.logger.InfoContext(ctx, "Mint already submitted, waiting for receipt",
			slog.String("tx_hash", data.TxHash.Hex()))
	}

	if _, err := m.exec.WaitForReceipt(ctx, data.DestinationChainID, *data.TxHash); err != nil {
		return nil, err
	}
	return map[string]string{"txHash": data.TxHash.Hex()}, nil
}

func (m *MintManager) OnComplete(ctx context.Context, job *queue.Job, _ any) error {
	var data MintData
	if err := job.Decode(&data); err != nil {
		return err
	}
	txHash := ""
	if data.TxHash != nil {
		txHash = data.TxHash.Hex()
	}
	if err := m.repo.UpdateStage(ctx, data.RebalanceJobID, StageMintConfirmed, txHash); err != nil {
		return err
	}
	if err := m.repo.UpdateStatus(ctx, data.RebalanceJobID, StatusCompleted, ""); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Rebalance completed",
		slog.String("rebalance_job_id", data.RebalanceJobID),
		slog.String("tx_hash", txHash),
	)
	return nil
}

func (m *MintManager) OnFailed(ctx context.Context, job *queue.Job, err error) error {
	var data MintData
	if decodeErr := job.Decode(&data); decodeErr != nil {
		return decodeErr
	}
	return markFailedOnFinal(ctx, m.repo, m.logger, job, data.RebalanceJobID, err)
}

// markFailedOnFinal records FAILED once the queue has given up on job.
// Earlier failures are left to the retry policy.
func markFailedOnFinal(ctx context.Context, repo Repository, log *slog.Logger, job *queue.Job, rebalanceJobID string, cause error) error {
	final := job.IsFinalAttempt()
	log.WarnContext(ctx, "Rebalance step failed",
		slog.String("job_id", job.ID),
		slog.String("rebalance_job_id", rebalanceJobID),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.Int("attempts", job.Attempts),
		slog.Bool("final", final),
		slog.Any("error", cause),
	)
	if !final {
		return nil
	}
	return repo.UpdateStatus(ctx, rebalanceJobID, StatusFailed, cause.Error())
}
