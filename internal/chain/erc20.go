package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Allowance returns how much of token spender may move from the solver wallet.
func Allowance(ctx context.Context, exec Executor, chainID uint64, token, spender common.Address) (*big.Int, error) {
	call, err := ContractCall(ERC20ABI, token, nil, "allowance", exec.Address(), spender)
	if err != nil {
		return nil, err
	}
	out, err := exec.Call(ctx, chainID, call)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}
	values, err := ERC20ABI.Unpack("allowance", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode allowance: %w", err)
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance type %T", values[0])
	}
	return allowance, nil
}

// EnsureAllowance approves spender for amount when the current allowance is
// lower, waiting for the approval to be mined. It reports whether an
// approval was sent.
func EnsureAllowance(ctx context.Context, exec Executor, chainID uint64, token, spender common.Address, amount *big.Int) (bool, error) {
	current, err := Allowance(ctx, exec, chainID, token, spender)
	if err != nil {
		return false, err
	}
	if current.Cmp(amount) >= 0 {
		return false, nil
	}

	call, err := ContractCall(ERC20ABI, token, nil, "approve", spender, amount)
	if err != nil {
		return false, err
	}
	hash, err := exec.SendTransaction(ctx, chainID, call)
	if err != nil {
		return false, fmt.Errorf("failed to send approve: %w", err)
	}
	if _, err := exec.WaitForReceipt(ctx, chainID, hash); err != nil {
		return false, fmt.Errorf("approve %s: %w", hash.Hex(), err)
	}
	return true, nil
}
