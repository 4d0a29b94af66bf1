package settlement

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// BatchWithdrawals partitions withdrawals into batchWithdraw chunks. Items
// are grouped by source chain, then by intent source, and each group is cut
// into slices of at most chunkSize keeping input order. Chunks whose intent
// source is unresolved are dropped and counted in skipped.
func BatchWithdrawals(withdrawals []Withdrawal, chunkSize int) (jobs []ExecuteWithdrawalsData, skipped int) {
	if chunkSize <= 0 {
		chunkSize = 1
	}

	byChain := make(map[uint64]map[common.Address][]Withdrawal)
	for _, w := range withdrawals {
		if byChain[w.Source] == nil {
			byChain[w.Source] = make(map[common.Address][]Withdrawal)
		}
		byChain[w.Source][w.IntentSourceAddr] = append(byChain[w.Source][w.IntentSourceAddr], w)
	}

	for _, chainID := range sortedChainIDs(byChain) {
		bySource := byChain[chainID]
		for _, addr := range sortedAddresses(bySource) {
			for _, batch := range chunk(bySource[addr], chunkSize) {
				if batch[0].IntentSourceAddr == (common.Address{}) {
					skipped++
					continue
				}
				jobs = append(jobs, ExecuteWithdrawalsData{
					ChainID:          chainID,
					IntentSourceAddr: batch[0].IntentSourceAddr,
					Withdrawals:      batch,
				})
			}
		}
	}
	return jobs, skipped
}

// PendingProve is a proof awaiting relay from the chain its intent was
// fulfilled on.
type PendingProve struct {
	DestinationChainID uint64
	Prove
}

// BatchProves partitions proofs into initiateProving chunks. Items are
// grouped by the chain they were fulfilled on, then by intent source, then
// sorted and split by (prover, source): one call takes a single prover and
// source, so a chunk never straddles a change of that pair.
func BatchProves(proves []PendingProve, chunkSize int) (jobs []ExecuteSendBatchData, skipped int) {
	if chunkSize <= 0 {
		chunkSize = 1
	}

	byChain := make(map[uint64]map[common.Address][]Prove)
	for _, p := range proves {
		if byChain[p.DestinationChainID] == nil {
			byChain[p.DestinationChainID] = make(map[common.Address][]Prove)
		}
		byChain[p.DestinationChainID][p.IntentSourceAddr] = append(byChain[p.DestinationChainID][p.IntentSourceAddr], p.Prove)
	}

	for _, chainID := range sortedChainIDs(byChain) {
		bySource := byChain[chainID]
		for _, addr := range sortedAddresses(bySource) {
			items := append([]Prove(nil), bySource[addr]...)
			sort.SliceStable(items, func(i, j int) bool {
				return proveKeyLess(items[i], items[j])
			})

			for _, group := range groupByProverSource(items) {
				for _, batch := range chunk(group, chunkSize) {
					if batch[0].IntentSourceAddr == (common.Address{}) {
						skipped++
						continue
					}
					jobs = append(jobs, ExecuteSendBatchData{
						ChainID:          chainID,
						IntentSourceAddr: batch[0].IntentSourceAddr,
						Inbox:            batch[0].Inbox,
						Proves:           batch,
					})
				}
			}
		}
	}
	return jobs, skipped
}

type proveKey struct {
	Prover common.Address
	Source uint64
}

func keyOf(p Prove) proveKey {
	return proveKey{Prover: p.Prover, Source: p.Source}
}

func proveKeyLess(a, b Prove) bool {
	if c := bytes.Compare(a.Prover.Bytes(), b.Prover.Bytes()); c != 0 {
		return c < 0
	}
	return a.Source < b.Source
}

// groupByProverSource splits proves by (prover, source) in first-seen order.
func groupByProverSource(proves []Prove) [][]Prove {
	index := make(map[proveKey]int)
	var groups [][]Prove
	for _, p := range proves {
		k := keyOf(p)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	return groups
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}

func sortedChainIDs[V any](m map[uint64]V) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedAddresses[V any](m map[common.Address]V) []common.Address {
	addrs := make([]common.Address, 0, len(m))
	for a := range m {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})
	return addrs
}
