package settlement

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	portalA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	portalB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	inboxA  = common.HexToAddress("0x00000000000000000000000000000000000001a0")
	inboxB  = common.HexToAddress("0x00000000000000000000000000000000000001b0")
	prover1 = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	prover2 = common.HexToAddress("0x0000000000000000000000000000000000000f02")
)

func withdrawal(i int, source uint64, portal common.Address) Withdrawal {
	return Withdrawal{
		IntentHash:       common.HexToHash(fmt.Sprintf("0x%064x", i+1)),
		Source:           source,
		Destination:      10,
		RouteHash:        common.HexToHash(fmt.Sprintf("0x%064x", 1000+i)),
		IntentSourceAddr: portal,
	}
}

func prove(i int, dest uint64, portal, inbox, prover common.Address, source uint64) PendingProve {
	return PendingProve{
		DestinationChainID: dest,
		Prove: Prove{
			Hash:             common.HexToHash(fmt.Sprintf("0x%064x", i+1)),
			Prover:           prover,
			Source:           source,
			IntentSourceAddr: portal,
			Inbox:            inbox,
		},
	}
}

func TestBatchWithdrawals_FiveIntoTwoTwoOne(t *testing.T) {
	var in []Withdrawal
	for i := 0; i < 5; i++ {
		in = append(in, withdrawal(i, 1, portalA))
	}

	jobs, skipped := BatchWithdrawals(in, 2)
	assert.Zero(t, skipped)
	require.Len(t, jobs, 3)

	sizes := make([]int, len(jobs))
	for i, j := range jobs {
		sizes[i] = len(j.Withdrawals)
		assert.Equal(t, uint64(1), j.ChainID)
		assert.Equal(t, portalA, j.IntentSourceAddr)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, in[0].IntentHash, jobs[0].Withdrawals[0].IntentHash)
	assert.Equal(t, in[4].IntentHash, jobs[2].Withdrawals[0].IntentHash)
}

func TestBatchWithdrawals_NeverMixesAuthorities(t *testing.T) {
	in := []Withdrawal{
		withdrawal(0, 1, portalA),
		withdrawal(1, 1, portalB),
		withdrawal(2, 1, portalA),
		withdrawal(3, 8453, portalB),
	}

	jobs, _ := BatchWithdrawals(in, 10)
	require.Len(t, jobs, 3)
	assert.Equal(t, uint64(1), jobs[0].ChainID)
	assert.Equal(t, portalA, jobs[0].IntentSourceAddr)
	assert.Len(t, jobs[0].Withdrawals, 2)
	assert.Equal(t, portalB, jobs[1].IntentSourceAddr)
	assert.Equal(t, uint64(8453), jobs[2].ChainID)
}

func TestBatchWithdrawals_EmptyAndUnresolved(t *testing.T) {
	jobs, skipped := BatchWithdrawals(nil, 5)
	assert.Empty(t, jobs)
	assert.Zero(t, skipped)

	jobs, skipped = BatchWithdrawals([]Withdrawal{withdrawal(0, 1, common.Address{})}, 5)
	assert.Empty(t, jobs)
	assert.Equal(t, 1, skipped)
}

func randomProves(r *rand.Rand, n int) []PendingProve {
	portals := []common.Address{portalA, portalB}
	inboxes := []common.Address{inboxA, inboxB}
	provers := []common.Address{prover1, prover2}
	var out []PendingProve
	for i := 0; i < n; i++ {
		p := r.Intn(2)
		out = append(out, prove(i,
			uint64(10+r.Intn(3)),
			portals[p], inboxes[p],
			provers[r.Intn(2)],
			uint64(1+r.Intn(3)),
		))
	}
	return out
}

func TestBatchProves_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		in := randomProves(r, r.Intn(60))
		chunkSize := 1 + r.Intn(6)

		jobs, skipped := BatchProves(in, chunkSize)
		require.Zero(t, skipped)

		total := 0
		for _, j := range jobs {
			require.NotEmpty(t, j.Proves)
			assert.LessOrEqual(t, len(j.Proves), chunkSize)
			total += len(j.Proves)
			for _, p := range j.Proves {
				assert.Equal(t, j.IntentSourceAddr, p.IntentSourceAddr)
				assert.Equal(t, j.Inbox, p.Inbox)
			}
			for _, p := range j.Proves {
				assert.Equal(t, keyOf(j.Proves[0]), keyOf(p), "chunk must share prover and source")
			}
		}
		assert.Equal(t, len(in), total)

		again, _ := BatchProves(in, chunkSize)
		assert.Equal(t, jobs, again)
	}
}

func TestBatchProves_ChainAndSourcePartition(t *testing.T) {
	in := []PendingProve{
		prove(0, 10, portalA, inboxA, prover2, 1),
		prove(1, 10, portalA, inboxA, prover1, 2),
		prove(2, 10, portalB, inboxB, prover1, 1),
		prove(3, 10, portalA, inboxA, prover1, 1),
		prove(4, 137, portalA, inboxA, prover1, 1),
	}

	jobs, _ := BatchProves(in, 2)
	require.Len(t, jobs, 5)

	assert.Equal(t, uint64(10), jobs[0].ChainID)
	assert.Equal(t, portalA, jobs[0].IntentSourceAddr)
	assert.Equal(t, inboxA, jobs[0].Inbox)
	assert.Equal(t, []common.Hash{in[3].Hash}, hashesOf(jobs[0].Proves))
	assert.Equal(t, []common.Hash{in[1].Hash}, hashesOf(jobs[1].Proves))
	assert.Equal(t, []common.Hash{in[0].Hash}, hashesOf(jobs[2].Proves))

	assert.Equal(t, portalB, jobs[3].IntentSourceAddr)
	assert.Equal(t, inboxB, jobs[3].Inbox)
	assert.Equal(t, uint64(137), jobs[4].ChainID)
}

func TestBatchProves_PacksSameKeyIntoFullChunks(t *testing.T) {
	var in []PendingProve
	for i := 0; i < 5; i++ {
		p := prover1
		if i%2 == 0 {
			p = prover2
		}
		in = append(in, prove(i, 10, portalA, inboxA, p, 1))
	}

	jobs, _ := BatchProves(in, 2)
	sizes := make([]int, len(jobs))
	for i, j := range jobs {
		sizes[i] = len(j.Proves)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, prover1, jobs[0].Proves[0].Prover)
	assert.Equal(t, prover2, jobs[1].Proves[0].Prover)
}

func TestGroupByProverSource(t *testing.T) {
	in := []Prove{
		prove(0, 10, portalA, inboxA, prover2, 1).Prove,
		prove(1, 10, portalA, inboxA, prover1, 1).Prove,
		prove(2, 10, portalA, inboxA, prover2, 1).Prove,
		prove(3, 10, portalA, inboxA, prover2, 5).Prove,
	}

	groups := groupByProverSource(in)
	require.Len(t, groups, 3)
	assert.Equal(t, []common.Hash{in[0].Hash, in[2].Hash}, hashesOf(groups[0]))
	assert.Equal(t, []common.Hash{in[1].Hash}, hashesOf(groups[1]))
	assert.Equal(t, []common.Hash{in[3].Hash}, hashesOf(groups[2]))
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk([]int{}, 3))
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunk([]int{1, 2, 3, 4, 5}, 2))

	parts := chunk([]int{1, 2, 3}, 2)
	parts[0] = append(parts[0], 99)
	assert.Equal(t, []int{3}, parts[1])
}

func hashesOf(proves []Prove) []common.Hash {
	out := make([]common.Hash, len(proves))
	for i, p := range proves {
		out[i] = p.Hash
	}
	return out
}
