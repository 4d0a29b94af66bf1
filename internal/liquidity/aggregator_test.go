package liquidity

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain/chaintest"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/shared/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aggregatorRouter   = common.HexToAddress("0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE")
	aggregatorApproval = common.HexToAddress("0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaF")
)

const aggregatorQuoteBody = `{
	"estimate": {
		"toAmount": "990000",
		"toAmountMin": "985000",
		"approvalAddress": "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaF"
	},
	"transactionRequest": {
		"to": "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE",
		"data": "0xdeadbeef",
		"value": "0x0",
		"chainId": 1
	}
}`

func newAggregator(t *testing.T, exec *chaintest.FakeExecutor, handler http.HandlerFunc) *AggregatorProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAggregatorProvider(config.AggregatorConfig{
		Enabled:    true,
		APIURL:     srv.URL,
		APIKey:     "secret",
		Integrator: "settlement-orchestrator",
		Slippage:   0.005,
		Routers:    []string{aggregatorRouter.Hex(), aggregatorApproval.Hex()},
	}, exec, logger.Discard())
}

func aggregatorRequest() QuoteRequest {
	return QuoteRequest{
		Wallet:   solver,
		Strategy: StrategyAggregator,
		TokenIn:  Token{ChainID: 1, Address: usdc1},
		TokenOut: Token{ChainID: 10, Address: usdc10},
		Amount:   queue.BigIntFromUint64(1_000_000),
	}
}

func TestAggregatorQuote(t *testing.T) {
	p := newAggregator(t, chaintest.New(), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-lifi-api-key"))
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("fromChain"))
		assert.Equal(t, "10", q.Get("toChain"))
		assert.Equal(t, usdc1.Hex(), q.Get("fromToken"))
		assert.Equal(t, "1000000", q.Get("fromAmount"))
		assert.Equal(t, solver.Hex(), q.Get("fromAddress"))
		assert.Equal(t, "0.005", q.Get("slippage"))
		assert.Equal(t, "settlement-orchestrator", q.Get("integrator"))
		_, _ = w.Write([]byte(aggregatorQuoteBody))
	})

	quotes, err := p.Quote(context.Background(), aggregatorRequest())
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, StrategyAggregator, q.Strategy)
	assert.Equal(t, big.NewInt(990_000), q.AmountOut.Big())
	assert.InDelta(t, 0.5, q.Slippage, 1e-9)

	var route AggregatorRoute
	require.NoError(t, json.Unmarshal(q.Route, &route))
	assert.Equal(t, uint64(1), route.ChainID)
	assert.Equal(t, aggregatorRouter, route.To)
	assert.Equal(t, hexutil.Bytes{0xde, 0xad, 0xbe, 0xef}, route.Data)
	assert.Equal(t, aggregatorApproval, route.ApprovalAddress)
	assert.Equal(t, big.NewInt(985_000), route.ToAmountMin.Big())
}

func TestAggregatorQuote_Errors(t *testing.T) {
	t.Run("api error message", func(t *testing.T) {
		p := newAggregator(t, chaintest.New(), func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"No available quotes for the requested transfer"}`))
		})
		_, err := p.Quote(context.Background(), aggregatorRequest())
		assert.ErrorContains(t, err, "No available quotes")
	})

	t.Run("transaction on another chain", func(t *testing.T) {
		p := newAggregator(t, chaintest.New(), func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"estimate":{"toAmount":"1"},"transactionRequest":{"to":"0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE","data":"0x","chainId":5}}`))
		})
		_, err := p.Quote(context.Background(), aggregatorRequest())
		assert.ErrorContains(t, err, "targets chain 5")
	})

	t.Run("missing estimate", func(t *testing.T) {
		p := newAggregator(t, chaintest.New(), func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"transactionRequest":{}}`))
		})
		_, err := p.Quote(context.Background(), aggregatorRequest())
		assert.ErrorContains(t, err, "estimate.toAmount")
	})
}

func TestAggregatorExecute_ApprovesAndSends(t *testing.T) {
	exec := chaintest.New()
	exec.CallFn = zeroAllowance
	p := newAggregator(t, exec, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(aggregatorQuoteBody))
	})

	quotes, err := p.Quote(context.Background(), aggregatorRequest())
	require.NoError(t, err)

	res, err := p.Execute(context.Background(), solver, quotes[0])
	require.NoError(t, err)
	assert.True(t, res.Completed)

	sent := exec.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, usdc1, sent[0].Call.To)
	assert.Equal(t, aggregatorRouter, sent[1].Call.To)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, sent[1].Call.Data)
	assert.Equal(t, uint64(1), sent[1].ChainID)
	assert.Equal(t, sent[1].Hash, res.TxHash)
}

func TestAggregatorExecute_RevertIsReturned(t *testing.T) {
	exec := chaintest.New()
	exec.CallFn = zeroAllowance
	p := newAggregator(t, exec, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(aggregatorQuoteBody))
	})
	quotes, err := p.Quote(context.Background(), aggregatorRequest())
	require.NoError(t, err)

	exec.RevertAll = true
	_, err = p.Execute(context.Background(), solver, quotes[0])
	assert.Error(t, err)
	assert.False(t, queue.IsUnrecoverable(err))
}

func TestAggregatorQuote_RejectsUnknownRouter(t *testing.T) {
	body := strings.ReplaceAll(aggregatorQuoteBody,
		`"to": "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"`,
		`"to": "0x000000000000000000000000000000000000dEaD"`)
	p := newAggregator(t, chaintest.New(), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	})

	_, err := p.Quote(context.Background(), aggregatorRequest())
	assert.ErrorContains(t, err, "not an allowed router")
}

func TestAggregatorExecute_RejectsTamperedRoute(t *testing.T) {
	attacker := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	tests := []struct {
		name   string
		tamper func(*AggregatorRoute)
		errMsg string
	}{
		{
			name:   "target outside routers",
			tamper: func(r *AggregatorRoute) { r.To = attacker },
			errMsg: "not an allowed router",
		},
		{
			name:   "approval outside routers",
			tamper: func(r *AggregatorRoute) { r.ApprovalAddress = attacker },
			errMsg: "approval address",
		},
		{
			name:   "chain differs from token in",
			tamper: func(r *AggregatorRoute) { r.ChainID = 10 },
			errMsg: "targets chain 10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := chaintest.New()
			exec.CallFn = zeroAllowance
			p := newAggregator(t, exec, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(aggregatorQuoteBody))
			})
			quotes, err := p.Quote(context.Background(), aggregatorRequest())
			require.NoError(t, err)

			var route AggregatorRoute
			require.NoError(t, json.Unmarshal(quotes[0].Route, &route))
			tt.tamper(&route)
			raw, err := json.Marshal(route)
			require.NoError(t, err)
			quote := quotes[0]
			quote.Route = raw

			_, err = p.Execute(context.Background(), solver, quote)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.errMsg)
			assert.True(t, queue.IsUnrecoverable(err))
			assert.Empty(t, exec.Sent())
		})
	}
}
