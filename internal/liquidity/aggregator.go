package liquidity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"
)

// AggregatorRoute is the ready-to-sign transaction returned with an
// aggregator quote.
type AggregatorRoute struct {
	ChainID         uint64         `json:"chainId"`
	To              common.Address `json:"to"`
	Data            hexutil.Bytes  `json:"data"`
	Value           queue.BigInt   `json:"value"`
	ApprovalAddress common.Address `json:"approvalAddress"`
	ToAmountMin     queue.BigInt   `json:"toAmountMin"`
}

// AggregatorProvider is a single-step swap and bridge provider backed by a
// quote API that returns the transaction to send.
type AggregatorProvider struct {
	cfg     config.AggregatorConfig
	routers map[common.Address]struct{}
	exec    chain.Executor
	http    *http.Client
	logger  *slog.Logger
}

func NewAggregatorProvider(cfg config.AggregatorConfig, exec chain.Executor, logger *slog.Logger) *AggregatorProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	routers := make(map[common.Address]struct{}, len(cfg.Routers))
	for _, r := range cfg.Routers {
		routers[common.HexToAddress(r)] = struct{}{}
	}
	return &AggregatorProvider{
		cfg:     cfg,
		routers: routers,
		exec:    exec,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("provider", string(StrategyAggregator))),
	}
}

func (p *AggregatorProvider) Strategy() Strategy {
	return StrategyAggregator
}

func (p *AggregatorProvider) Quote(ctx context.Context, req QuoteRequest) ([]Quote, error) {
	q := url.Values{}
	q.Set("fromChain", strconv.FormatUint(req.TokenIn.ChainID, 10))
	q.Set("toChain", strconv.FormatUint(req.TokenOut.ChainID, 10))
	q.Set("fromToken", req.TokenIn.Address.Hex())
	q.Set("toToken", req.TokenOut.Address.Hex())
	q.Set("fromAmount", req.Amount.Big().String())
	q.Set("fromAddress", req.Wallet.Hex())
	q.Set("toAddress", req.Wallet.Hex())
	if p.cfg.Slippage > 0 {
		q.Set("slippage", strconv.FormatFloat(p.cfg.Slippage, 'f', -1, 64))
	}
	if p.cfg.Integrator != "" {
		q.Set("integrator", p.cfg.Integrator)
	}

	body, err := p.get(ctx, strings.TrimRight(p.cfg.APIURL, "/")+"/quote?"+q.Encode())
	if err != nil {
		return nil, err
	}

	route, toAmount, err := parseAggregatorQuote(body)
	if err != nil {
		return nil, err
	}
	if route.ChainID != 0 && route.ChainID != req.TokenIn.ChainID {
		return nil, fmt.Errorf("aggregator transaction targets chain %d, expected %d", route.ChainID, req.TokenIn.ChainID)
	}
	route.ChainID = req.TokenIn.ChainID
	if err := p.checkRoute(route, req.TokenIn.ChainID); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(route)
	if err != nil {
		return nil, fmt.Errorf("failed to encode route: %w", err)
	}

	return []Quote{{
		Strategy:  StrategyAggregator,
		Wallet:    req.Wallet,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  queue.NewBigInt(req.Amount.Big()),
		AmountOut: queue.NewBigInt(toAmount),
		Slippage:  p.cfg.Slippage * 100,
		Route:     raw,
	}}, nil
}

func parseAggregatorQuote(body []byte) (AggregatorRoute, *big.Int, error) {
	parsed := gjson.ParseBytes(body)

	toAmount, ok := new(big.Int).SetString(parsed.Get("estimate.toAmount").String(), 10)
	if !ok {
		return AggregatorRoute{}, nil, fmt.Errorf("aggregator quote has no estimate.toAmount")
	}
	toAmountMin, ok := new(big.Int).SetString(parsed.Get("estimate.toAmountMin").String(), 10)
	if !ok {
		toAmountMin = new(big.Int).Set(toAmount)
	}

	tx := parsed.Get("transactionRequest")
	to := tx.Get("to").String()
	if !common.IsHexAddress(to) {
		return AggregatorRoute{}, nil, fmt.Errorf("aggregator quote has no transaction target")
	}
	data, err := hexutil.Decode(tx.Get("data").String())
	if err != nil {
		return AggregatorRoute{}, nil, fmt.Errorf("invalid transaction data: %w", err)
	}
	value := new(big.Int)
	if v := tx.Get("value").String(); v != "" {
		if value, ok = new(big.Int).SetString(v, 0); !ok {
			return AggregatorRoute{}, nil, fmt.Errorf("invalid transaction value %q", v)
		}
	}

	return AggregatorRoute{
		ChainID:         tx.Get("chainId").Uint(),
		To:              common.HexToAddress(to),
		Data:            data,
		Value:           queue.NewBigInt(value),
		ApprovalAddress: common.HexToAddress(parsed.Get("estimate.approvalAddress").String()),
		ToAmountMin:     queue.NewBigInt(toAmountMin),
	}, toAmount, nil
}

// Execute approves the aggregator spender when needed, sends the quoted
// transaction and waits for it. The rebalance is complete once mined.
func (p *AggregatorProvider) Execute(ctx context.Context, wallet common.Address, quote Quote) (ExecuteResult, error) {
	if err := checkWallet(wallet, quote); err != nil {
		return ExecuteResult{}, queue.Unrecoverable(err)
	}
	if err := checkWallet(p.exec.Address(), quote); err != nil {
		return ExecuteResult{}, queue.Unrecoverable(err)
	}

	var route AggregatorRoute
	if err := json.Unmarshal(quote.Route, &route); err != nil {
		return ExecuteResult{}, queue.Unrecoverable(fmt.Errorf("invalid aggregator route for quote %s: %w", quote.ID, err))
	}
	if err := p.checkRoute(route, quote.TokenIn.ChainID); err != nil {
		return ExecuteResult{}, queue.Unrecoverable(fmt.Errorf("quote %s: %w", quote.ID, err))
	}

	native := quote.TokenIn.Address == (common.Address{})
	if !native && route.ApprovalAddress != (common.Address{}) {
		approved, err := chain.EnsureAllowance(ctx, p.exec, route.ChainID, quote.TokenIn.Address, route.ApprovalAddress, quote.AmountIn.Big())
		if err != nil {
			return ExecuteResult{}, err
		}
		if approved {
			p.logger.DebugContext(ctx, "Aggregator spender approved", slog.String("spender", route.ApprovalAddress.Hex()))
		}
	}

	hash, err := p.exec.SendTransaction(ctx, route.ChainID, chain.Call{
		To:    route.To,
		Data:  route.Data,
		Value: route.Value.Big(),
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("failed to send aggregator transaction: %w", err)
	}
	if _, err := p.exec.WaitForReceipt(ctx, route.ChainID, hash); err != nil {
		return ExecuteResult{TxHash: hash}, err
	}

	p.logger.InfoContext(ctx, "Aggregator transaction confirmed",
		slog.String("rebalance_job_id", quote.RebalanceJobID),
		slog.String("tx_hash", hash.Hex()),
	)
	return ExecuteResult{TxHash: hash, Completed: true}, nil
}

// checkRoute rejects routes that would send or approve outside the
// configured routers, or on a chain other than the input token's.
func (p *AggregatorProvider) checkRoute(route AggregatorRoute, chainID uint64) error {
	if route.ChainID != chainID {
		return fmt.Errorf("aggregator route targets chain %d, expected %d", route.ChainID, chainID)
	}
	if _, ok := p.routers[route.To]; !ok {
		return fmt.Errorf("aggregator route target %s is not an allowed router", route.To.Hex())
	}
	if route.ApprovalAddress != (common.Address{}) {
		if _, ok := p.routers[route.ApprovalAddress]; !ok {
			return fmt.Errorf("aggregator approval address %s is not an allowed router", route.ApprovalAddress.Hex())
		}
	}
	return nil
}

func (p *AggregatorProvider) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("x-lifi-api-key", p.cfg.APIKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregator request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = truncate(body)
		}
		return nil, fmt.Errorf("aggregator api returned %d: %s", resp.StatusCode, msg)
	}
	return body, nil
}
