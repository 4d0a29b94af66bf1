package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/ethereum/go-ethereum/common"
)

// GasEstimator sizes the gas limit of a cross-chain proof message.
type GasEstimator struct {
	exec                chain.Executor
	hyperlane           config.HyperlaneConfig
	defaultGasPerIntent uint64
	logger              *slog.Logger
}

func NewGasEstimator(exec chain.Executor, hyperlane config.HyperlaneConfig, defaultGasPerIntent uint64, logger *slog.Logger) *GasEstimator {
	return &GasEstimator{
		exec:                exec,
		hyperlane:           hyperlane,
		defaultGasPerIntent: defaultGasPerIntent,
		logger:              logger,
	}
}

// Estimate simulates delivery of message to prover on the source chain, as
// sent by the source chain's mailbox on behalf of inbox on origin. Any
// failure falls back to defaultGasPerIntent × intentCount.
func (e *GasEstimator) Estimate(ctx context.Context, inbox, prover common.Address, origin, source uint64, message []byte, intentCount int) uint64 {
	gas, err := e.simulate(ctx, inbox, prover, origin, source, message)
	if err == nil {
		return gas
	}

	fallback := e.defaultGasPerIntent * uint64(intentCount)
	e.logger.WarnContext(ctx, "Failed to estimate message gas, using default",
		slog.Uint64("origin", origin),
		slog.Uint64("source", source),
		slog.String("prover", prover.Hex()),
		slog.Int("intent_count", intentCount),
		slog.Uint64("gas", fallback),
		slog.Any("error", err),
	)
	return fallback
}

func (e *GasEstimator) simulate(ctx context.Context, inbox, prover common.Address, origin, source uint64, message []byte) (uint64, error) {
	hl, err := hyperlaneChainFor(e.hyperlane, source)
	if err != nil {
		return 0, err
	}

	call, err := chain.ContractCall(proverABI, prover, nil, "handle", uint32(origin), addressToBytes32(inbox), message)
	if err != nil {
		return 0, err
	}

	gas, err := e.exec.EstimateGas(ctx, source, hl.Mailbox, call)
	if err != nil {
		return 0, fmt.Errorf("failed to simulate handle on chain %d: %w", source, err)
	}
	return gas, nil
}
