package liquidity

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/ethereum/go-ethereum/common"
)

const (
	JobRebalance              queue.JobName = "Rebalance"
	JobCheckCCTPV2Attestation queue.JobName = "CheckCCTPV2Attestation"
	JobExecuteCCTPV2Mint      queue.JobName = "ExecuteCCTPV2Mint"
)

var (
	// ErrRecordNotFound is returned when no rebalance record has the requested id
	ErrRecordNotFound = errors.New("rebalance record not found")

	// ErrUnknownStrategy is returned when no provider is registered for a strategy
	ErrUnknownStrategy = errors.New("unknown rebalance strategy")

	// ErrWalletMismatch is returned when a quote is executed for a wallet other than the one it was computed for
	ErrWalletMismatch = errors.New("quote wallet mismatch")

	// ErrUnsupportedRoute is returned when a provider cannot bridge between the requested tokens
	ErrUnsupportedRoute = errors.New("unsupported route")
)

// Strategy names a rebalance provider.
type Strategy string

const (
	StrategyCCTPV2     Strategy = "CCTPV2"
	StrategyAggregator Strategy = "Aggregator"
)

// Status is the outcome of a rebalance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the record can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage tracks the progress of a multi-step bridge.
type Stage string

const (
	StageNone                Stage = ""
	StageSubmitted           Stage = "SUBMITTED"
	StageAttestationPending  Stage = "ATTESTATION_PENDING"
	StageAttestationComplete Stage = "ATTESTATION_COMPLETE"
	StageMintSubmitted       Stage = "MINT_SUBMITTED"
	StageMintConfirmed       Stage = "MINT_CONFIRMED"
)

// Token identifies an ERC20 on a chain.
type Token struct {
	ChainID uint64         `json:"chainId"`
	Address common.Address `json:"address"`
}

// QuoteRequest asks a provider to move Amount base units of TokenIn into TokenOut.
type QuoteRequest struct {
	Wallet   common.Address
	Strategy Strategy
	TokenIn  Token
	TokenOut Token
	Amount   queue.BigInt
}

// Quote is an executable rebalance proposal. It is bound to the wallet it
// was computed for and passed unchanged from quoting to execution. Route
// holds strategy-specific context.
type Quote struct {
	ID             string          `json:"id"`
	Strategy       Strategy        `json:"strategy"`
	Wallet         common.Address  `json:"wallet"`
	TokenIn        Token           `json:"tokenIn"`
	TokenOut       Token           `json:"tokenOut"`
	AmountIn       queue.BigInt    `json:"amountIn"`
	AmountOut      queue.BigInt    `json:"amountOut"`
	Slippage       float64         `json:"slippage"`
	Route          json.RawMessage `json:"route"`
	GroupID        string          `json:"groupId,omitempty"`
	RebalanceJobID string          `json:"rebalanceJobId,omitempty"`
}

// Record is the persisted status of one rebalance.
type Record struct {
	ID             string       `json:"id" db:"id"`
	RebalanceJobID string       `json:"rebalance_job_id" db:"rebalance_job_id"`
	GroupID        string       `json:"group_id" db:"group_id"`
	Wallet         string       `json:"wallet" db:"wallet"`
	Strategy       Strategy     `json:"strategy" db:"strategy"`
	TokenIn        Token        `json:"token_in" db:"-"`
	TokenOut       Token        `json:"token_out" db:"-"`
	AmountIn       queue.BigInt `json:"amount_in" db:"-"`
	AmountOut      queue.BigInt `json:"amount_out" db:"-"`
	Status         Status       `json:"status" db:"status"`
	Stage          Stage        `json:"stage" db:"stage"`
	TxHash         string       `json:"tx_hash,omitempty" db:"tx_hash"`
	FailureReason  string       `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

func recordFromQuote(id string, q Quote, now time.Time) *Record {
	return &Record{
		ID:             id,
		RebalanceJobID: q.RebalanceJobID,
		GroupID:        q.GroupID,
		Wallet:         q.Wallet.Hex(),
		Strategy:       q.Strategy,
		TokenIn:        q.TokenIn,
		TokenOut:       q.TokenOut,
		AmountIn:       queue.NewBigInt(q.AmountIn.Int),
		AmountOut:      queue.NewBigInt(q.AmountOut.Int),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RebalanceJobData is the payload of a Rebalance job.
type RebalanceJobData struct {
	Wallet common.Address `json:"wallet"`
	Quote  Quote          `json:"quote"`
}

// ExecuteResult is what a provider reports after execution. Completed is
// true when the rebalance effect was observed on chain; multi-step providers
// report false and finish through follow-up jobs.
type ExecuteResult struct {
	TxHash    common.Hash `json:"txHash"`
	Completed bool        `json:"completed"`
}

func groupKeyFor(groupID string) string {
	return "rebalance:" + groupID
}
