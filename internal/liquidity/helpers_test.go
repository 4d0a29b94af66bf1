package liquidity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/internal/worker"
	"github.com/cuongbtq/settlement-orchestrator/shared/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	solver       = common.HexToAddress("0x00000000000000000000000000000000000050c0")
	otherWallet  = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	usdc1        = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	usdc10       = common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")
	messenger1   = common.HexToAddress("0x28b5a0e9C621a5BadaA536219b3a228C8168cf5d")
	transmitter1 = common.HexToAddress("0x81D40F21F12A8F0E3252Bccb954D722d4c464B64")
)

func testCCTPConfig() config.CCTPV2Config {
	return config.CCTPV2Config{
		Enabled:              true,
		FastTransferEnabled:  true,
		FastPollInterval:     3 * time.Second,
		StandardPollInterval: 30 * time.Second,
		MaxAttestationPolls:  10,
		Chains: []config.CCTPV2ChainConfig{
			{ChainID: 1, Domain: 0, TokenMessenger: messenger1.Hex(), MessageTransmitter: transmitter1.Hex(), USDC: usdc1.Hex()},
			{ChainID: 10, Domain: 2, TokenMessenger: messenger1.Hex(), MessageTransmitter: transmitter1.Hex(), USDC: usdc10.Hex()},
		},
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(clock *testClock) *queue.Queue {
	return queue.New(queue.NewMemoryStore(), queue.NewChannelNotifier(256), queue.Config{}, logger.Discard()).
		WithClock(clock.Now)
}

// runJob claims id and drives it through m the way the worker does.
func runJob(t *testing.T, q *queue.Queue, m worker.JobManager, id string) (any, error) {
	t.Helper()
	ctx := context.Background()

	job, err := q.Claim(ctx, id, "test-worker")
	require.NoError(t, err)

	result, procErr := m.Process(ctx, job)
	if procErr != nil {
		_, err := q.Fail(ctx, job, procErr)
		require.NoError(t, err)
		require.NoError(t, m.OnFailed(ctx, job, procErr))
		return nil, procErr
	}

	require.NoError(t, q.Complete(ctx, job, result))
	require.NoError(t, m.OnComplete(ctx, job, result))
	return result, nil
}

func seedRecord(t *testing.T, repo Repository, rebalanceJobID, groupID string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), []*Record{{
		ID:             "rec-" + rebalanceJobID,
		RebalanceJobID: rebalanceJobID,
		GroupID:        groupID,
		Wallet:         solver.Hex(),
		Strategy:       StrategyCCTPV2,
		TokenIn:        Token{ChainID: 1, Address: usdc1},
		TokenOut:       Token{ChainID: 10, Address: usdc10},
		AmountIn:       queue.BigIntFromUint64(1_000_000),
		AmountOut:      queue.BigIntFromUint64(999_900),
		Status:         StatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}}))
}

type fakeCircle struct {
	mu           sync.Mutex
	fees         []FeeOption
	feesErr      error
	attestations []Attestation
	attErr       error
	polls        int
}

func (f *fakeCircle) FeeOptions(context.Context, uint32, uint32) ([]FeeOption, error) {
	return f.fees, f.feesErr
}

func (f *fakeCircle) Attestation(context.Context, uint32, common.Hash) (Attestation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.polls++ }()

	if f.attErr != nil {
		return Attestation{}, f.attErr
	}
	if len(f.attestations) == 0 {
		return Attestation{Status: attestationPending}, nil
	}
	i := f.polls
	if i >= len(f.attestations) {
		i = len(f.attestations) - 1
	}
	return f.attestations[i], nil
}

func (f *fakeCircle) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fakeProvider struct {
	strategy   Strategy
	quotes     []Quote
	quoteErr   error
	result     ExecuteResult
	executeErr error

	mu       sync.Mutex
	executed []Quote
}

func (f *fakeProvider) Strategy() Strategy {
	return f.strategy
}

func (f *fakeProvider) Quote(context.Context, QuoteRequest) ([]Quote, error) {
	out := make([]Quote, len(f.quotes))
	copy(out, f.quotes)
	return out, f.quoteErr
}

func (f *fakeProvider) Execute(_ context.Context, wallet common.Address, quote Quote) (ExecuteResult, error) {
	if err := checkWallet(wallet, quote); err != nil {
		return ExecuteResult{}, err
	}
	f.mu.Lock()
	f.executed = append(f.executed, quote)
	f.mu.Unlock()
	return f.result, f.executeErr
}

func bigInt(v uint64) queue.BigInt {
	return queue.BigIntFromUint64(v)
}
