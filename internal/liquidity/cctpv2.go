package liquidity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	finalityThresholdFast     uint32 = 1000
	finalityThresholdStandard uint32 = 2000

	TransferFast     = "fast"
	TransferStandard = "standard"
)

var (
	tokenMessengerV2ABI = chain.MustParseABI(`[
		{"type":"function","name":"depositForBurn","stateMutability":"nonpayable",
		 "inputs":[
			{"name":"amount","type":"uint256"},
			{"name":"destinationDomain","type":"uint32"},
			{"name":"mintRecipient","type":"bytes32"},
			{"name":"burnToken","type":"address"},
			{"name":"destinationCaller","type":"bytes32"},
			{"name":"maxFee","type":"uint256"},
			{"name":"minFinalityThreshold","type":"uint32"}],
		 "outputs":[]}
	]`)

	messageTransmitterV2ABI = chain.MustParseABI(`[
		{"type":"function","name":"receiveMessage","stateMutability":"nonpayable",
		 "inputs":[
			{"name":"message","type":"bytes"},
			{"name":"attestation","type":"bytes"}],
		 "outputs":[{"name":"success","type":"bool"}]}
	]`)
)

// CCTPV2Context is the route of a CCTPV2 quote. It travels with the
// attestation and mint jobs.
type CCTPV2Context struct {
	TransferType         string        `json:"transferType"`
	Fee                  queue.BigInt  `json:"fee"`
	FeeBps               float64       `json:"feeBps"`
	MinFinalityThreshold uint32        `json:"minFinalityThreshold"`
	MessageHash          *common.Hash  `json:"messageHash,omitempty"`
	MessageBody          hexutil.Bytes `json:"messageBody,omitempty"`
}

// CheckAttestationData is the payload of a CheckCCTPV2Attestation job.
type CheckAttestationData struct {
	GroupID            string        `json:"groupId"`
	RebalanceJobID     string        `json:"rebalanceJobId"`
	SourceChainID      uint64        `json:"sourceChainId"`
	DestinationChainID uint64        `json:"destinationChainId"`
	SourceDomain       uint32        `json:"sourceDomain"`
	TransactionHash    common.Hash   `json:"transactionHash"`
	Context            CCTPV2Context `json:"context"`
	Polls              int           `json:"polls"`
}

// MintData is the payload of an ExecuteCCTPV2Mint job. TxHash is set once
// receiveMessage has been broadcast.
type MintData struct {
	GroupID            string        `json:"groupId"`
	RebalanceJobID     string        `json:"rebalanceJobId"`
	DestinationChainID uint64        `json:"destinationChainId"`
	MessageBody        hexutil.Bytes `json:"messageBody"`
	Attestation        hexutil.Bytes `json:"attestation"`
	Context            CCTPV2Context `json:"context"`
	TxHash             *common.Hash  `json:"txHash,omitempty"`
}

func attestationJobID(txHash common.Hash, poll int) string {
	return fmt.Sprintf("%s-%s-%d", JobCheckCCTPV2Attestation, txHash.Hex(), poll)
}

func mintJobID(messageBody []byte) string {
	return fmt.Sprintf("%s-%s", JobExecuteCCTPV2Mint, crypto.Keccak256Hash(messageBody).Hex())
}

// CCTPV2Provider bridges USDC by burning on the source chain and minting
// on the destination once Circle attests the burn.
type CCTPV2Provider struct {
	cfg      config.CCTPV2Config
	exec     chain.Executor
	circle   CircleAPI
	producer queue.Producer
	logger   *slog.Logger
}

func NewCCTPV2Provider(cfg config.CCTPV2Config, exec chain.Executor, circle CircleAPI, producer queue.Producer, logger *slog.Logger) *CCTPV2Provider {
	return &CCTPV2Provider{
		cfg:      cfg,
		exec:     exec,
		circle:   circle,
		producer: producer,
		logger:   logger.With(slog.String("provider", string(StrategyCCTPV2))),
	}
}

func (p *CCTPV2Provider) Strategy() Strategy {
	return StrategyCCTPV2
}

func (p *CCTPV2Provider) chainConfig(chainID uint64) (config.CCTPV2ChainConfig, error) {
	for _, c := range p.cfg.Chains {
		if c.ChainID == chainID {
			return c, nil
		}
	}
	return config.CCTPV2ChainConfig{}, fmt.Errorf("%w: no CCTP V2 config for chain %d", ErrUnsupportedRoute, chainID)
}

func (p *CCTPV2Provider) usdc(token Token) (config.CCTPV2ChainConfig, error) {
	c, err := p.chainConfig(token.ChainID)
	if err != nil {
		return c, err
	}
	if common.HexToAddress(c.USDC) != token.Address {
		return c, fmt.Errorf("%w: %s is not USDC on chain %d", ErrUnsupportedRoute, token.Address.Hex(), token.ChainID)
	}
	return c, nil
}

// Quote prefers a fast transfer when enabled and offered, then standard.
// When the fees API is unavailable it falls back to a zero-fee standard
// transfer.
func (p *CCTPV2Provider) Quote(ctx context.Context, req QuoteRequest) ([]Quote, error) {
	src, err := p.usdc(req.TokenIn)
	if err != nil {
		return nil, err
	}
	dst, err := p.usdc(req.TokenOut)
	if err != nil {
		return nil, err
	}
	if src.ChainID == dst.ChainID {
		return nil, fmt.Errorf("%w: source and destination are both chain %d", ErrUnsupportedRoute, src.ChainID)
	}

	amount := req.Amount.Big()
	options, err := p.circle.FeeOptions(ctx, src.Domain, dst.Domain)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to fetch CCTP V2 fee options, using standard transfer",
			slog.Uint64("source_domain", uint64(src.Domain)),
			slog.Uint64("destination_domain", uint64(dst.Domain)),
			slog.Any("error", err),
		)
	}

	tiers := []struct {
		threshold    uint32
		transferType string
	}{
		{finalityThresholdFast, TransferFast},
		{finalityThresholdStandard, TransferStandard},
	}
	for _, tier := range tiers {
		if tier.transferType == TransferFast && !p.cfg.FastTransferEnabled {
			continue
		}
		option, ok := findFeeOption(options, tier.threshold)
		if !ok {
			continue
		}
		if q, ok := p.buildQuote(req, amount, option, tier.transferType); ok {
			return []Quote{q}, nil
		}
	}

	q, _ := p.buildQuote(req, amount, FeeOption{FinalityThreshold: finalityThresholdStandard, MinimumFee: "0"}, TransferStandard)
	return []Quote{q}, nil
}

func findFeeOption(options []FeeOption, threshold uint32) (FeeOption, bool) {
	for _, o := range options {
		if o.FinalityThreshold == threshold {
			return o, true
		}
	}
	return FeeOption{}, false
}

func (p *CCTPV2Provider) buildQuote(req QuoteRequest, amount *big.Int, option FeeOption, transferType string) (Quote, bool) {
	bps, ok := new(big.Rat).SetString(option.MinimumFee)
	if !ok || bps.Sign() < 0 {
		return Quote{}, false
	}
	fee := feeFor(amount, bps)
	out := new(big.Int).Sub(amount, fee)
	if out.Sign() <= 0 {
		return Quote{}, false
	}

	feeBps, _ := bps.Float64()
	route, err := json.Marshal(CCTPV2Context{
		TransferType:         transferType,
		Fee:                  queue.NewBigInt(fee),
		FeeBps:               feeBps,
		MinFinalityThreshold: option.FinalityThreshold,
	})
	if err != nil {
		return Quote{}, false
	}

	return Quote{
		Strategy:  StrategyCCTPV2,
		Wallet:    req.Wallet,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  queue.NewBigInt(amount),
		AmountOut: queue.NewBigInt(out),
		Slippage:  feeBps / 100,
		Route:     route,
	}, true
}

// feeFor returns amount × bps / 10000 rounded up.
func feeFor(amount *big.Int, bps *big.Rat) *big.Int {
	r := new(big.Rat).Mul(new(big.Rat).SetInt(amount), bps)
	r.Quo(r, big.NewRat(10000, 1))
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func decodeCCTPV2Context(quote Quote) (CCTPV2Context, error) {
	var c CCTPV2Context
	if err := json.Unmarshal(quote.Route, &c); err != nil {
		return c, fmt.Errorf("invalid CCTP V2 route for quote %s: %w", quote.ID, err)
	}
	return c, nil
}

// Execute approves the token messenger, burns the full amount and starts
// attestation polling. The rebalance is not complete until the mint lands.
func (p *CCTPV2Provider) Execute(ctx context.Context, wallet common.Address, quote Quote) (ExecuteResult, error) {
	if err := checkWallet(wallet, quote); err != nil {
		return ExecuteResult{}, queue.Unrecoverable(err)
	}
	if err := checkWallet(p.exec.Address(), quote); err != nil {
		return ExecuteResult{}, queue.Unrecoverable(err)
	}

	cctx, err := decodeCCTPV2Context(quote)
	if err != nil {
		return ExecuteResult{}, queue.Unrecoverable(err)
	}
	src, err := p.usdc(quote.TokenIn)
	if err != nil {
		return ExecuteResult{}, queue.Unrecoverable(err)
	}
	dst, err := p.usdc(quote.TokenOut)
	if err != nil {
		return ExecuteResult{}, queue.Unrecoverable(err)
	}

	amount := quote.AmountIn.Big()
	messenger := common.HexToAddress(src.TokenMessenger)
	if _, err := chain.EnsureAllowance(ctx, p.exec, src.ChainID, quote.TokenIn.Address, messenger, amount); err != nil {
		return ExecuteResult{}, err
	}

	call, err := chain.ContractCall(tokenMessengerV2ABI, messenger, nil, "depositForBurn",
		amount,
		dst.Domain,
		common.BytesToHash(wallet.Bytes()),
		quote.TokenIn.Address,
		[32]byte{},
		cctx.Fee.Big(),
		cctx.MinFinalityThreshold,
	)
	if err != nil {
		return ExecuteResult{}, queue.Unrecoverable(err)
	}

	hash, err := p.exec.SendTransaction(ctx, src.ChainID, call)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("failed to send depositForBurn: %w", err)
	}
	if _, err := p.exec.WaitForReceipt(ctx, src.ChainID, hash); err != nil {
		return ExecuteResult{TxHash: hash}, err
	}

	p.logger.InfoContext(ctx, "CCTP V2 burn confirmed",
		slog.String("rebalance_job_id", quote.RebalanceJobID),
		slog.String("tx_hash", hash.Hex()),
		slog.String("transfer_type", cctx.TransferType),
	)

	data := CheckAttestationData{
		GroupID:            quote.GroupID,
		RebalanceJobID:     quote.RebalanceJobID,
		SourceChainID:      src.ChainID,
		DestinationChainID: dst.ChainID,
		SourceDomain:       src.Domain,
		TransactionHash:    hash,
		Context:            cctx,
	}
	_, err = p.producer.Enqueue(ctx, JobCheckCCTPV2Attestation, data, queue.Options{
		JobID:    attestationJobID(hash, 0),
		GroupKey: groupKeyFor(quote.GroupID),
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: mintBackoffDelay},
	})
	if err != nil {
		return ExecuteResult{TxHash: hash}, fmt.Errorf("failed to start attestation check: %w", err)
	}

	return ExecuteResult{TxHash: hash}, nil
}
