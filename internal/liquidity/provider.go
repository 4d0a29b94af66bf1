package liquidity

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Provider quotes and executes rebalances for one strategy. Execute must
// refuse quotes computed for a different wallet.
type Provider interface {
	Strategy() Strategy
	Quote(ctx context.Context, req QuoteRequest) ([]Quote, error)
	Execute(ctx context.Context, wallet common.Address, quote Quote) (ExecuteResult, error)
}

// Registry holds providers keyed by strategy.
type Registry struct {
	providers map[Strategy]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[Strategy]Provider, len(providers))}
	for _, p := range providers {
		if _, exists := r.providers[p.Strategy()]; exists {
			return nil, fmt.Errorf("provider already registered for %s", p.Strategy())
		}
		r.providers[p.Strategy()] = p
	}
	return r, nil
}

// Get returns the provider of strategy.
func (r *Registry) Get(strategy Strategy) (Provider, error) {
	p, ok := r.providers[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	return p, nil
}

// Strategies lists registered strategies in name order.
func (r *Registry) Strategies() []Strategy {
	out := make([]Strategy, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func checkWallet(wallet common.Address, quote Quote) error {
	if wallet != quote.Wallet {
		return fmt.Errorf("%w: quote %s was computed for %s, not %s",
			ErrWalletMismatch, quote.ID, quote.Wallet.Hex(), wallet.Hex())
	}
	return nil
}
