package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/chain/chaintest"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/indexer"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/shared/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	multicall10 = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	hyperProver = common.HexToAddress("0x0000000000000000000000000000000000000099")
)

type mockIndexer struct {
	mock.Mock
}

func (m *mockIndexer) GetPendingWithdrawals(ctx context.Context, source common.Address) ([]indexer.Withdrawal, error) {
	args := m.Called(ctx, source)
	out, _ := args.Get(0).([]indexer.Withdrawal)
	return out, args.Error(1)
}

func (m *mockIndexer) GetPendingProofs(ctx context.Context, source common.Address) ([]indexer.Proof, error) {
	args := m.Called(ctx, source)
	out, _ := args.Get(0).([]indexer.Proof)
	return out, args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		Chains: []config.ChainConfig{
			{ChainID: 10, Multicall: multicall10.Hex(), HyperProver: hyperProver.Hex()},
		},
		Eth: config.EthConfig{Claimant: claimant.Hex()},
		IntentSources: []config.IntentSourceConfig{
			{ChainID: 10, Address: portalA.Hex(), Inbox: inboxA.Hex()},
			{ChainID: 10, Address: portalB.Hex(), Inbox: inboxB.Hex()},
			{ChainID: 1, Address: portalA.Hex(), Inbox: inboxA.Hex()},
		},
		Withdrawals: config.WithdrawalsConfig{Interval: time.Minute, ChunkSize: 2, Attempts: 3, BackoffDelay: time.Second},
		SendBatch: config.SendBatchConfig{
			Interval: time.Minute, ChunkSize: 10, Attempts: 3, BackoffDelay: time.Second, DefaultGasPerIntent: 25_000,
		},
		Hyperlane: testHyperlane(),
	}
}

type serviceHarness struct {
	svc   *Service
	queue *queue.Queue
	idx   *mockIndexer
	exec  *chaintest.FakeExecutor
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	q := queue.New(queue.NewMemoryStore(), queue.NewChannelNotifier(256), queue.Config{}, logger.Discard())
	idx := &mockIndexer{}
	exec := chaintest.New()
	return &serviceHarness{
		svc:   NewService(testConfig(), idx, q, exec, logger.Discard()),
		queue: q,
		idx:   idx,
		exec:  exec,
	}
}

func indexerWithdrawal(i int, source uint64) indexer.Withdrawal {
	return indexer.Withdrawal{
		IntentHash:  common.BigToHash(big.NewInt(int64(i + 1))),
		Source:      source,
		Destination: 10,
		RouteHash:   common.BigToHash(big.NewInt(int64(100 + i))),
		Reward: indexer.Reward{
			Deadline:     1_700_000_000,
			Creator:      claimant,
			Prover:       prover1,
			NativeAmount: &indexer.BigInt{Int: *big.NewInt(1000)},
		},
	}
}

func TestGetNextBatchWithdrawals_EnqueuesChunks(t *testing.T) {
	h := newServiceHarness(t)
	var pending []indexer.Withdrawal
	for i := 0; i < 5; i++ {
		pending = append(pending, indexerWithdrawal(i, 1))
	}
	h.idx.On("GetPendingWithdrawals", mock.Anything, portalA).Return(pending, nil)
	h.idx.On("GetPendingWithdrawals", mock.Anything, portalB).Return([]indexer.Withdrawal{}, nil)

	n, err := h.svc.GetNextBatchWithdrawals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	h.idx.AssertExpectations(t)

	jobs, err := h.queue.List(context.Background(), queue.ListFilter{Name: JobExecuteWithdrawals})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	sizes := map[int]int{}
	for _, job := range jobs {
		var data ExecuteWithdrawalsData
		require.NoError(t, job.Decode(&data))
		sizes[len(data.Withdrawals)]++
		assert.Equal(t, uint64(1), data.ChainID)
		assert.Equal(t, portalA, data.IntentSourceAddr)
		assert.Equal(t, 3, job.Attempts)
		assert.Equal(t, queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second}, job.Backoff)
		assert.Equal(t, groupKey(JobExecuteWithdrawals, 1, portalA), job.GroupKey)
		assert.Equal(t, "1000", data.Withdrawals[0].Reward.NativeAmount.String())
	}
	assert.Equal(t, map[int]int{2: 2, 1: 1}, sizes)
}

func TestGetNextBatchWithdrawals_IndexerError(t *testing.T) {
	h := newServiceHarness(t)
	h.idx.On("GetPendingWithdrawals", mock.Anything, portalA).Return(nil, errors.New("indexer down"))
	h.idx.On("GetPendingWithdrawals", mock.Anything, portalB).Return([]indexer.Withdrawal{}, nil).Maybe()

	_, err := h.svc.GetNextBatchWithdrawals(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer down")

	jobs, err := h.queue.List(context.Background(), queue.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestGetNextSendBatch_EnqueuesPerChainAndSource(t *testing.T) {
	h := newServiceHarness(t)
	h.idx.On("GetPendingProofs", mock.Anything, portalA).Return([]indexer.Proof{
		{Hash: common.HexToHash("0x01"), Prover: prover1, ChainID: 1, DestinationChainID: 10},
		{Hash: common.HexToHash("0x02"), Prover: prover1, ChainID: 1, DestinationChainID: 10},
	}, nil)
	h.idx.On("GetPendingProofs", mock.Anything, portalB).Return([]indexer.Proof{
		{Hash: common.HexToHash("0x03"), Prover: prover2, ChainID: 1, DestinationChainID: 10},
	}, nil)

	n, err := h.svc.GetNextSendBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := h.queue.List(context.Background(), queue.ListFilter{Name: JobExecuteSendBatch})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	inboxes := map[common.Address]int{}
	for _, job := range jobs {
		var data ExecuteSendBatchData
		require.NoError(t, job.Decode(&data))
		inboxes[data.Inbox] = len(data.Proves)
		assert.Equal(t, uint64(10), data.ChainID)
	}
	assert.Equal(t, map[common.Address]int{inboxA: 2, inboxB: 1}, inboxes)
}

func TestStartCronJobs_Idempotent(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.StartCronJobs(ctx))
	require.NoError(t, h.svc.StartCronJobs(ctx))

	schedulers, err := h.queue.Schedulers(ctx)
	require.NoError(t, err)
	require.Len(t, schedulers, 2)

	names := map[string]queue.JobName{}
	for _, s := range schedulers {
		names[s.Name] = s.JobName
		assert.Equal(t, time.Minute, s.Every)
	}
	assert.Equal(t, map[string]queue.JobName{
		SchedulerCheckWithdrawals: JobCheckWithdrawals,
		SchedulerCheckSendBatch:   JobCheckSendBatch,
	}, names)
}

func TestExecuteWithdrawals_SendsBatchWithdraw(t *testing.T) {
	h := newServiceHarness(t)
	data := ExecuteWithdrawalsData{
		ChainID:          1,
		IntentSourceAddr: portalA,
		Withdrawals: []Withdrawal{
			withdrawalFromIndexer(indexerWithdrawal(0, 1), portalA),
			withdrawalFromIndexer(indexerWithdrawal(1, 1), portalA),
		},
	}
	data.Withdrawals[1].Reward.Tokens = []TokenAmount{{Token: prover2, Amount: queue.BigIntFromUint64(7)}}

	hash, err := h.svc.ExecuteWithdrawals(context.Background(), data)
	require.NoError(t, err)

	sent := h.exec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, hash, sent[0].Hash)
	assert.Equal(t, uint64(1), sent[0].ChainID)
	assert.Equal(t, portalA, sent[0].Call.To)

	method := portalABI.Methods["batchWithdraw"]
	assert.Equal(t, method.ID, sent[0].Call.Data[:4])
	args, err := method.Inputs.Unpack(sent[0].Call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 10}, args[0])
	routeHashes := args[1].([][32]byte)
	assert.Equal(t, [32]byte(data.Withdrawals[1].RouteHash), routeHashes[1])
}

func TestExecuteWithdrawals_EmptyIsNoop(t *testing.T) {
	h := newServiceHarness(t)
	_, err := h.svc.ExecuteWithdrawals(context.Background(), ExecuteWithdrawalsData{ChainID: 1, IntentSourceAddr: portalA})
	require.NoError(t, err)
	assert.Empty(t, h.exec.Sent())
}

func TestExecuteWithdrawals_Reverted(t *testing.T) {
	h := newServiceHarness(t)
	h.exec.RevertAll = true

	_, err := h.svc.ExecuteWithdrawals(context.Background(), ExecuteWithdrawalsData{
		ChainID:          1,
		IntentSourceAddr: portalA,
		Withdrawals:      []Withdrawal{withdrawalFromIndexer(indexerWithdrawal(0, 1), portalA)},
	})
	assert.ErrorIs(t, err, chain.ErrTransactionReverted)
}

func feeResponder(fee int64) func(uint64, chain.Call) ([]byte, error) {
	return func(_ uint64, _ chain.Call) ([]byte, error) {
		return mailboxABI.Methods["quoteDispatch"].Outputs.Pack(big.NewInt(fee))
	}
}

func TestExecuteSendBatch_SingleGroupSentDirectly(t *testing.T) {
	h := newServiceHarness(t)
	h.exec.CallFn = feeResponder(5)

	data := ExecuteSendBatchData{
		ChainID:          10,
		IntentSourceAddr: portalA,
		Inbox:            inboxA,
		Proves: []Prove{
			prove(0, 10, portalA, inboxA, prover1, 1).Prove,
			prove(1, 10, portalA, inboxA, prover1, 1).Prove,
		},
	}

	_, err := h.svc.ExecuteSendBatch(context.Background(), data)
	require.NoError(t, err)

	sent := h.exec.Sent()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, inboxA, tx.Call.To)
	assert.Equal(t, int64(5), tx.Call.Value.Int64())

	args, err := inboxABI.Methods["initiateProving"].Inputs.Unpack(tx.Call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(1), args[0].(*big.Int).Int64())
	assert.Len(t, args[1].([][32]byte), 2)
	assert.Equal(t, hyperProver, args[2])
}

func TestExecuteSendBatch_AggregatesGroupsWithMulticall(t *testing.T) {
	h := newServiceHarness(t)
	h.exec.CallFn = feeResponder(5)

	data := ExecuteSendBatchData{
		ChainID:          10,
		IntentSourceAddr: portalA,
		Inbox:            inboxA,
		Proves: []Prove{
			prove(0, 10, portalA, inboxA, prover1, 1).Prove,
			prove(1, 10, portalA, inboxA, prover2, 1).Prove,
			prove(2, 10, portalA, inboxA, prover1, 1).Prove,
		},
	}

	_, err := h.svc.ExecuteSendBatch(context.Background(), data)
	require.NoError(t, err)

	sent := h.exec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, multicall10, sent[0].Call.To)
	assert.Equal(t, int64(10), sent[0].Call.Value.Int64())
	assert.Equal(t, chain.Multicall3ABI.Methods["aggregate3Value"].ID, sent[0].Call.Data[:4])
}

func TestExecuteSendBatch_UnknownChainIsUnrecoverable(t *testing.T) {
	h := newServiceHarness(t)
	_, err := h.svc.ExecuteSendBatch(context.Background(), ExecuteSendBatchData{
		ChainID: 999,
		Proves:  []Prove{prove(0, 999, portalA, inboxA, prover1, 1).Prove},
	})
	require.Error(t, err)
	assert.True(t, queue.IsUnrecoverable(err))
	assert.ErrorIs(t, err, chain.ErrUnknownChain)
}

func TestExecuteSendBatch_QuoteFailureIsRetryable(t *testing.T) {
	h := newServiceHarness(t)
	h.exec.CallFn = func(uint64, chain.Call) ([]byte, error) {
		return nil, errors.New("rpc timeout")
	}

	_, err := h.svc.ExecuteSendBatch(context.Background(), ExecuteSendBatchData{
		ChainID: 10,
		Inbox:   inboxA,
		Proves:  []Prove{prove(0, 10, portalA, inboxA, prover1, 1).Prove},
	})
	require.Error(t, err)
	assert.False(t, queue.IsUnrecoverable(err))
	assert.Empty(t, h.exec.Sent())
}

func TestManagers_Process(t *testing.T) {
	h := newServiceHarness(t)
	managers := Managers(h.svc, logger.Discard())
	require.Len(t, managers, 4)

	exec := NewExecuteWithdrawalsManager(h.svc, logger.Discard())
	_, err := exec.Process(context.Background(), &queue.Job{ID: "1", Name: JobExecuteWithdrawals, Payload: []byte(`{"chainId":"x"}`)})
	require.Error(t, err)
	assert.True(t, queue.IsUnrecoverable(err))

	payload, err := queue.Encode(ExecuteWithdrawalsData{
		ChainID:          1,
		IntentSourceAddr: portalA,
		Withdrawals:      []Withdrawal{withdrawalFromIndexer(indexerWithdrawal(0, 1), portalA)},
	})
	require.NoError(t, err)
	job := &queue.Job{ID: "2", Name: JobExecuteWithdrawals, Payload: payload, Attempts: 3, AttemptsMade: 3}
	res, err := exec.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, res.(map[string]string), "txHash")
	assert.NoError(t, exec.OnFailed(context.Background(), job, errors.New("boom")))

	h.idx.On("GetPendingWithdrawals", mock.Anything, mock.Anything).Return([]indexer.Withdrawal{}, nil)
	cron := NewCheckWithdrawalsManager(h.svc)
	res, err = cron.Process(context.Background(), &queue.Job{Name: JobCheckWithdrawals})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"enqueued": 0}, res)
}
