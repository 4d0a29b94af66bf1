package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnknownChain is returned for a chain id without a configured client
	ErrUnknownChain = errors.New("unknown chain")

	// ErrTransactionReverted is returned when a mined transaction has failed status
	ErrTransactionReverted = errors.New("transaction reverted")
)

// Call is one contract invocation.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// ValueOrZero returns the call value, treating nil as zero.
func (c Call) ValueOrZero() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// Executor sends and simulates transactions on the solver's behalf.
// Implementations must be safe for concurrent use.
type Executor interface {
	// Address is the solver wallet that signs every transaction.
	Address() common.Address
	SendTransaction(ctx context.Context, chainID uint64, call Call) (common.Hash, error)
	// WaitForReceipt blocks until the transaction is mined or the configured
	// wait elapses. A reverted transaction yields ErrTransactionReverted.
	WaitForReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error)
	// Call runs an eth_call from the solver wallet.
	Call(ctx context.Context, chainID uint64, call Call) ([]byte, error)
	// EstimateGas simulates call sent by from.
	EstimateGas(ctx context.Context, chainID uint64, from common.Address, call Call) (uint64, error)
}

// ContractCall packs method on contractABI into a Call to address.
func ContractCall(contractABI abi.ABI, address common.Address, value *big.Int, method string, args ...any) (Call, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return Call{To: address, Data: data, Value: value}, nil
}
