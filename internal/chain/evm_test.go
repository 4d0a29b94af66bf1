package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/shared/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu sync.Mutex

	gas       uint64
	tip       *big.Int
	baseFee   *big.Int
	nonce     uint64
	sent      []*types.Transaction
	callOut   []byte
	lastCall  ethereum.CallMsg
	lastEst   ethereum.CallMsg
	receipts  map[common.Hash]*types.Receipt
	notFoundN int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		gas:      100_000,
		tip:      big.NewInt(2),
		baseFee:  big.NewInt(10),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCall = msg
	return b.callOut, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastEst = msg
	return b.gas, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return b.tip, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notFoundN > 0 {
		b.notFoundN--
		return nil, ethereum.NotFound
	}
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newTestExecutor(t *testing.T, backend *fakeBackend) *EVMExecutor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	exec, err := NewEVMExecutor(key, []ChainClient{{
		ChainID:             10,
		Backend:             backend,
		ReceiptTimeout:      200 * time.Millisecond,
		ReceiptPollInterval: time.Millisecond,
	}}, logger.Discard())
	require.NoError(t, err)
	return exec
}

func TestEVMExecutor_SendTransaction(t *testing.T) {
	backend := newFakeBackend()
	exec := newTestExecutor(t, backend)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	hash, err := exec.SendTransaction(context.Background(), 10, Call{To: to, Data: []byte{0xde, 0xad}, Value: big.NewInt(7)})
	require.NoError(t, err)
	_, err = exec.SendTransaction(context.Background(), 10, Call{To: to})
	require.NoError(t, err)

	require.Len(t, backend.sent, 2)
	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(0), tx.Nonce())
	assert.Equal(t, uint64(1), backend.sent[1].Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Zero(t, tx.GasTipCap().Cmp(big.NewInt(2)))
	assert.Zero(t, tx.GasFeeCap().Cmp(big.NewInt(22)))
	assert.Zero(t, tx.Value().Cmp(big.NewInt(7)))
	assert.Equal(t, &to, tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(10)), tx)
	require.NoError(t, err)
	assert.Equal(t, exec.Address(), sender)
	assert.Zero(t, backend.sent[1].Value().Sign())
}

func TestEVMExecutor_UnknownChain(t *testing.T) {
	exec := newTestExecutor(t, newFakeBackend())

	_, err := exec.SendTransaction(context.Background(), 1, Call{})
	assert.ErrorIs(t, err, ErrUnknownChain)
	_, err = exec.WaitForReceipt(context.Background(), 1, common.Hash{})
	assert.ErrorIs(t, err, ErrUnknownChain)
	_, err = exec.Call(context.Background(), 1, Call{})
	assert.ErrorIs(t, err, ErrUnknownChain)
	_, err = exec.EstimateGas(context.Background(), 1, common.Address{}, Call{})
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestEVMExecutor_WaitForReceipt(t *testing.T) {
	backend := newFakeBackend()
	exec := newTestExecutor(t, backend)

	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	backend.receipts[ok] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	backend.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed}
	backend.notFoundN = 2

	receipt, err := exec.WaitForReceipt(context.Background(), 10, ok)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, 0, backend.notFoundN)

	receipt, err = exec.WaitForReceipt(context.Background(), 10, reverted)
	assert.ErrorIs(t, err, ErrTransactionReverted)
	require.NotNil(t, receipt)

	_, err = exec.WaitForReceipt(context.Background(), 10, common.HexToHash("0x03"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available after")
}

func TestEVMExecutor_CallAndEstimate(t *testing.T) {
	backend := newFakeBackend()
	backend.callOut = []byte{1, 2, 3}
	exec := newTestExecutor(t, backend)
	mailbox := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	out, err := exec.Call(context.Background(), 10, Call{To: to})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)
	assert.Equal(t, exec.Address(), backend.lastCall.From)

	gas, err := exec.EstimateGas(context.Background(), 10, mailbox, Call{To: to})
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), gas)
	assert.Equal(t, mailbox, backend.lastEst.From)
}

func TestNewEVMExecutor_Validation(t *testing.T) {
	_, err := NewEVMExecutor(nil, nil, nil)
	require.Error(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewEVMExecutor(key, []ChainClient{{ChainID: 1}}, nil)
	require.Error(t, err)

	b := newFakeBackend()
	_, err = NewEVMExecutor(key, []ChainClient{{ChainID: 1, Backend: b}, {ChainID: 1, Backend: b}}, nil)
	require.Error(t, err)
}

func TestLoadPrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("TEST_SOLVER_KEY", "0x"+common.Bytes2Hex(crypto.FromECDSA(key)))

	loaded, err := LoadPrivateKey("TEST_SOLVER_KEY")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))

	_, err = LoadPrivateKey("")
	require.Error(t, err)

	t.Setenv("TEST_SOLVER_KEY_EMPTY", "")
	_, err = LoadPrivateKey("TEST_SOLVER_KEY_EMPTY")
	require.Error(t, err)

	t.Setenv("TEST_SOLVER_KEY_BAD", "zz")
	_, err = LoadPrivateKey("TEST_SOLVER_KEY_BAD")
	assert.Error(t, err)
}

func TestEVMExecutor_SendTransactionLogsFields(t *testing.T) {
	var buf bytes.Buffer
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	exec, err := NewEVMExecutor(key, []ChainClient{{ChainID: 10, Backend: newFakeBackend()}},
		slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	require.NoError(t, err)

	hash, err := exec.SendTransaction(context.Background(), 10, Call{To: common.HexToAddress("0x1111111111111111111111111111111111111111")})
	require.NoError(t, err)

	var record struct {
		Msg     string `json:"msg"`
		ChainID uint64 `json:"chain_id"`
		TxHash  string `json:"tx_hash"`
		Nonce   uint64 `json:"nonce"`
		Gas     uint64 `json:"gas"`
	}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "Transaction sent", record.Msg)
	assert.Equal(t, uint64(10), record.ChainID)
	assert.Equal(t, hash.Hex(), record.TxHash)
	assert.Equal(t, uint64(0), record.Nonce)
	assert.Equal(t, uint64(120_000), record.Gas)
}
