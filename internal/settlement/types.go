package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuongbtq/settlement-orchestrator/internal/indexer"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/ethereum/go-ethereum/common"
)

const (
	JobCheckWithdrawals   queue.JobName = "CheckWithdrawalsCron"
	JobCheckSendBatch     queue.JobName = "CheckSendBatchCron"
	JobExecuteWithdrawals queue.JobName = "ExecuteWithdrawals"
	JobExecuteSendBatch   queue.JobName = "ExecuteSendBatch"

	// recurring schedule names; re-registering replaces the previous schedule
	SchedulerCheckWithdrawals = "check-withdrawals"
	SchedulerCheckSendBatch   = "check-send-batch"
)

// ErrUnknownIntentSource is returned when an address has no configured intent source
var ErrUnknownIntentSource = errors.New("unknown intent source")

// TokenAmount is one ERC20 reward entry.
type TokenAmount struct {
	Token  common.Address `json:"token"`
	Amount queue.BigInt   `json:"amount"`
}

// Reward mirrors the portal's reward struct.
type Reward struct {
	Deadline     uint64         `json:"deadline"`
	Creator      common.Address `json:"creator"`
	Prover       common.Address `json:"prover"`
	NativeAmount queue.BigInt   `json:"nativeAmount"`
	Tokens       []TokenAmount  `json:"tokens"`
}

// Withdrawal is a claimable reward tagged with the intent source it was
// read from.
type Withdrawal struct {
	IntentHash       common.Hash    `json:"intentHash"`
	Source           uint64         `json:"source"`
	Destination      uint64         `json:"destination"`
	RouteHash        common.Hash    `json:"routeHash"`
	Reward           Reward         `json:"reward"`
	IntentSourceAddr common.Address `json:"intentSourceAddr"`
}

// Prove is a fulfilled intent whose proof is relayed to its source chain.
type Prove struct {
	Hash             common.Hash    `json:"hash"`
	Prover           common.Address `json:"prover"`
	Source           uint64         `json:"source"`
	IntentSourceAddr common.Address `json:"intentSourceAddr"`
	Inbox            common.Address `json:"inbox"`
}

// ExecuteWithdrawalsData is one batchWithdraw transaction on ChainID.
type ExecuteWithdrawalsData struct {
	ChainID          uint64         `json:"chainId"`
	IntentSourceAddr common.Address `json:"intentSourceAddr"`
	Withdrawals      []Withdrawal   `json:"withdrawals"`
}

// ExecuteSendBatchData is one proof relay transaction on ChainID, the chain
// the intents were fulfilled on.
type ExecuteSendBatchData struct {
	ChainID          uint64         `json:"chainId"`
	IntentSourceAddr common.Address `json:"intentSourceAddr"`
	Inbox            common.Address `json:"inbox"`
	Proves           []Prove        `json:"proves"`
}

// IntentHashes lists the claims of the chunk for triage logs.
func (d ExecuteWithdrawalsData) IntentHashes() []string {
	out := make([]string, len(d.Withdrawals))
	for i, w := range d.Withdrawals {
		out[i] = w.IntentHash.Hex()
	}
	return out
}

// Hashes lists the intent hashes of the chunk for triage logs.
func (d ExecuteSendBatchData) Hashes() []string {
	out := make([]string, len(d.Proves))
	for i, p := range d.Proves {
		out[i] = p.Hash.Hex()
	}
	return out
}

func groupKey(name queue.JobName, chainID uint64, addr common.Address) string {
	return fmt.Sprintf("%s:%d:%s", name, chainID, strings.ToLower(addr.Hex()))
}

func withdrawalFromIndexer(w indexer.Withdrawal, source common.Address) Withdrawal {
	tokens := make([]TokenAmount, len(w.Reward.Tokens))
	for i, t := range w.Reward.Tokens {
		tokens[i] = TokenAmount{Token: t.Token, Amount: queue.NewBigInt(t.Amount.Big())}
	}
	return Withdrawal{
		IntentHash:  w.IntentHash,
		Source:      w.Source,
		Destination: w.Destination,
		RouteHash:   w.RouteHash,
		Reward: Reward{
			Deadline:     w.Reward.Deadline,
			Creator:      w.Reward.Creator,
			Prover:       w.Reward.Prover,
			NativeAmount: queue.NewBigInt(w.Reward.NativeAmount.Big()),
			Tokens:       tokens,
		},
		IntentSourceAddr: source,
	}
}
