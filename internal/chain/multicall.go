package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type multicallCall struct {
	Target       common.Address
	AllowFailure bool
	Value        *big.Int
	CallData     []byte
}

// Aggregate merges calls into one transaction through the Multicall3
// contract at multicall. The aggregated value is the sum of the call
// values and sub-calls keep their input order. A single call is returned
// unwrapped.
func Aggregate(multicall common.Address, calls []Call) (Call, error) {
	switch len(calls) {
	case 0:
		return Call{}, errors.New("no calls to aggregate")
	case 1:
		return calls[0], nil
	}

	if multicall == (common.Address{}) {
		return Call{}, errors.New("multicall address is not configured")
	}

	total := new(big.Int)
	packed := make([]multicallCall, 0, len(calls))
	for _, c := range calls {
		value := c.ValueOrZero()
		total.Add(total, value)
		packed = append(packed, multicallCall{
			Target:       c.To,
			AllowFailure: false,
			Value:        value,
			CallData:     c.Data,
		})
	}

	data, err := Multicall3ABI.Pack("aggregate3Value", packed)
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack multicall: %w", err)
	}
	return Call{To: multicall, Data: data, Value: total}, nil
}
