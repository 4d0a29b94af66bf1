package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultReceiptTimeout      = 2 * time.Minute
	defaultReceiptPollInterval = 2 * time.Second

	// gas estimates are padded by gasBufferPercent
	gasBufferPercent = 120
)

// Backend is the subset of an RPC client the executor needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainClient binds a Backend to a chain id with its receipt wait policy.
type ChainClient struct {
	ChainID             uint64
	Backend             Backend
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

type chainState struct {
	ChainClient
	// serializes nonce allocation and broadcast per chain
	sendMu sync.Mutex
}

// EVMExecutor signs EIP-1559 transactions with a single private key.
type EVMExecutor struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chains  map[uint64]*chainState
	logger  *slog.Logger
}

// NewEVMExecutor creates an executor over already-connected backends.
func NewEVMExecutor(key *ecdsa.PrivateKey, clients []ChainClient, logger *slog.Logger) (*EVMExecutor, error) {
	if key == nil {
		return nil, errors.New("private key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &EVMExecutor{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chains:  make(map[uint64]*chainState, len(clients)),
		logger:  logger.With(slog.String("component", "evm_executor")),
	}
	for _, c := range clients {
		if c.Backend == nil {
			return nil, fmt.Errorf("chain %d has no backend", c.ChainID)
		}
		if _, dup := e.chains[c.ChainID]; dup {
			return nil, fmt.Errorf("chain %d configured twice", c.ChainID)
		}
		if c.ReceiptTimeout <= 0 {
			c.ReceiptTimeout = defaultReceiptTimeout
		}
		if c.ReceiptPollInterval <= 0 {
			c.ReceiptPollInterval = defaultReceiptPollInterval
		}
		e.chains[c.ChainID] = &chainState{ChainClient: c}
	}
	return e, nil
}

// Dial connects to every configured chain RPC and returns an executor
// signing with the key found in the configured environment variable.
func Dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*EVMExecutor, error) {
	key, err := LoadPrivateKey(cfg.Signer.PrivateKeyEnv)
	if err != nil {
		return nil, err
	}

	clients := make([]ChainClient, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		rpc, err := ethclient.DialContext(ctx, c.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial chain %d: %w", c.ChainID, err)
		}
		clients = append(clients, ChainClient{
			ChainID:             c.ChainID,
			Backend:             rpc,
			ReceiptTimeout:      c.ReceiptTimeout,
			ReceiptPollInterval: c.ReceiptPollInterval,
		})
	}
	return NewEVMExecutor(key, clients, logger)
}

// LoadPrivateKey reads a hex encoded secp256k1 key from env.
func LoadPrivateKey(env string) (*ecdsa.PrivateKey, error) {
	if env == "" {
		return nil, errors.New("signer private key env var is not configured")
	}
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is empty", env)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %s: %w", env, err)
	}
	return key, nil
}

func (e *EVMExecutor) Address() common.Address {
	return e.address
}

func (e *EVMExecutor) chain(chainID uint64) (*chainState, error) {
	c, ok := e.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return c, nil
}

func (e *EVMExecutor) SendTransaction(ctx context.Context, chainID uint64, call Call) (common.Hash, error) {
	c, err := e.chain(chainID)
	if err != nil {
		return common.Hash{}, err
	}

	msg := ethereum.CallMsg{From: e.address, To: &call.To, Value: call.ValueOrZero(), Data: call.Data}
	gas, err := c.Backend.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas = gas * gasBufferPercent / 100

	tip, err := c.Backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := c.Backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.Backend.PendingNonceAt(ctx, e.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	chainIDBig := new(big.Int).SetUint64(chainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainIDBig,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &call.To,
		Value:     call.ValueOrZero(),
		Data:      call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainIDBig), e.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.Backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	e.logger.InfoContext(ctx, "Transaction sent",
		slog.Uint64("chain_id", chainID),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return signed.Hash(), nil
}

func (e *EVMExecutor) WaitForReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error) {
	c, err := e.chain(chainID)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.ReceiptTimeout)
	defer cancel()

	receipt, err := retry.DoWithData(
		func() (*types.Receipt, error) {
			return c.Backend.TransactionReceipt(waitCtx, hash)
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(c.ReceiptPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receipt for %s not available after %s: %w", hash.Hex(), c.ReceiptTimeout, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTransactionReverted, hash.Hex())
	}
	return receipt, nil
}

func (e *EVMExecutor) Call(ctx context.Context, chainID uint64, call Call) ([]byte, error) {
	c, err := e.chain(chainID)
	if err != nil {
		return nil, err
	}
	return c.Backend.CallContract(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &call.To,
		Value: call.ValueOrZero(),
		Data:  call.Data,
	}, nil)
}

func (e *EVMExecutor) EstimateGas(ctx context.Context, chainID uint64, from common.Address, call Call) (uint64, error) {
	c, err := e.chain(chainID)
	if err != nil {
		return 0, err
	}
	return c.Backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &call.To,
		Value: call.ValueOrZero(),
		Data:  call.Data,
	})
}
