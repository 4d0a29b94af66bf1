package liquidity

import (
	"context"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Repository persists rebalance records. Updates never touch a record that
// is already COMPLETED or FAILED.
type Repository interface {
	Create(ctx context.Context, records []*Record) error
	Get(ctx context.Context, rebalanceJobID string) (*Record, error)
	ListGroup(ctx context.Context, groupID string) ([]*Record, error)
	UpdateStatus(ctx context.Context, rebalanceJobID string, status Status, reason string) error
	UpdateStage(ctx context.Context, rebalanceJobID string, stage Stage, txHash string) error
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	records cmap.ConcurrentMap[string, *Record]
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: cmap.New[*Record](), now: time.Now}
}

func (m *MemoryRepository) Create(_ context.Context, records []*Record) error {
	for _, r := range records {
		c := *r
		m.records.Set(r.RebalanceJobID, &c)
	}
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, rebalanceJobID string) (*Record, error) {
	r, ok := m.records.Get(rebalanceJobID)
	if !ok {
		return nil, ErrRecordNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryRepository) ListGroup(_ context.Context, groupID string) ([]*Record, error) {
	var out []*Record
	for _, r := range m.records.Items() {
		if r.GroupID == groupID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, rebalanceJobID string, status Status, reason string) error {
	return m.update(rebalanceJobID, func(r *Record) {
		r.Status = status
		if reason != "" {
			r.FailureReason = reason
		}
	})
}

func (m *MemoryRepository) UpdateStage(_ context.Context, rebalanceJobID string, stage Stage, txHash string) error {
	return m.update(rebalanceJobID, func(r *Record) {
		r.Stage = stage
		if txHash != "" {
			r.TxHash = txHash
		}
	})
}

func (m *MemoryRepository) update(rebalanceJobID string, fn func(*Record)) error {
	// records are never removed, so presence checked here holds in Upsert
	if !m.records.Has(rebalanceJobID) {
		return ErrRecordNotFound
	}
	m.records.Upsert(rebalanceJobID, nil, func(_ bool, current, _ *Record) *Record {
		if current.Status.Terminal() {
			return current
		}
		c := *current
		fn(&c)
		c.UpdatedAt = m.now()
		return &c
	})
	return nil
}
