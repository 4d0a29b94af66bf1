// Package chaintest provides an in-memory chain.Executor for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// SentTx is a transaction recorded by FakeExecutor.
type SentTx struct {
	ChainID uint64
	Call    chain.Call
	Hash    common.Hash
}

// FakeExecutor records sent transactions and answers reads through hooks.
type FakeExecutor struct {
	From common.Address

	// SendErr, when set, fails every SendTransaction
	SendErr error
	// Reverted marks hashes whose receipt has failed status
	Reverted map[common.Hash]bool
	// RevertAll fails every receipt
	RevertAll bool
	// WaitErr, when set, fails every WaitForReceipt as if the wait timed out
	WaitErr error
	// CallFn answers eth_call; nil returns empty output
	CallFn func(chainID uint64, call chain.Call) ([]byte, error)
	// EstimateFn answers gas estimation; nil returns 21000
	EstimateFn func(chainID uint64, from common.Address, call chain.Call) (uint64, error)

	mu   sync.Mutex
	sent []SentTx
}

var _ chain.Executor = (*FakeExecutor)(nil)

func New() *FakeExecutor {
	return &FakeExecutor{
		From:     common.HexToAddress("0x00000000000000000000000000000000000050c0"),
		Reverted: make(map[common.Hash]bool),
	}
}

func (f *FakeExecutor) Address() common.Address {
	return f.From
}

func (f *FakeExecutor) SendTransaction(_ context.Context, chainID uint64, call chain.Call) (common.Hash, error) {
	if f.SendErr != nil {
		return common.Hash{}, f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%d:%d", chainID, len(f.sent))), call.Data)
	f.sent = append(f.sent, SentTx{ChainID: chainID, Call: call, Hash: hash})
	return hash, nil
}

func (f *FakeExecutor) WaitForReceipt(_ context.Context, _ uint64, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	reverted := f.RevertAll || f.Reverted[hash]
	waitErr := f.WaitErr
	f.mu.Unlock()

	if waitErr != nil {
		return nil, waitErr
	}

	receipt := &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
	if reverted {
		receipt.Status = types.ReceiptStatusFailed
		return receipt, fmt.Errorf("%w: %s", chain.ErrTransactionReverted, hash.Hex())
	}
	return receipt, nil
}

func (f *FakeExecutor) Call(_ context.Context, chainID uint64, call chain.Call) ([]byte, error) {
	if f.CallFn == nil {
		return nil, nil
	}
	return f.CallFn(chainID, call)
}

func (f *FakeExecutor) EstimateGas(_ context.Context, chainID uint64, from common.Address, call chain.Call) (uint64, error) {
	if f.EstimateFn == nil {
		return 21000, nil
	}
	return f.EstimateFn(chainID, from, call)
}

// Sent returns a snapshot of recorded transactions in send order.
func (f *FakeExecutor) Sent() []SentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentTx, len(f.sent))
	copy(out, f.sent)
	return out
}

// SetWaitErr changes WaitErr while the executor is in use.
func (f *FakeExecutor) SetWaitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WaitErr = err
}

// Revert makes the receipt of hash report failure.
func (f *FakeExecutor) Revert(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reverted[hash] = true
}
