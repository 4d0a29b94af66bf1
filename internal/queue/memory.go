package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryStore is an in-process Store for tests and single-process runs.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	seq        int64
	schedulers map[string]*Scheduler
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*Job),
		schedulers: make(map[string]*Scheduler),
	}
}

func (s *MemoryStore) Insert(_ context.Context, jobs []*Job) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if existing, ok := s.jobs[job.ID]; ok && existing.Status.Pending() {
			out = append(out, existing.Clone())
			continue
		}
		s.seq++
		stored := job.Clone()
		stored.Seq = s.seq
		s.jobs[job.ID] = stored
		out = append(out, stored.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.sortedLocked() {
		if filter.Name != "" && job.Name != filter.Name {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.GroupKey != "" && job.GroupKey != filter.GroupKey {
			continue
		}
		if filter.BeforeSeq > 0 && job.Seq >= filter.BeforeSeq {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, id, owner string, lockedUntil, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != StatusWaiting {
		return nil, ErrJobAlreadyClaimed
	}

	until := lockedUntil
	job.Status = StatusActive
	job.LockedBy = owner
	job.LockedUntil = &until
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (s *MemoryStore) ownedLocked(id, owner string) (*Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != StatusActive || job.LockedBy != owner {
		return nil, ErrJobLost
	}
	return job, nil
}

func (s *MemoryStore) Touch(_ context.Context, id, owner string, lockedUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.ownedLocked(id, owner)
	if err != nil {
		return err
	}
	until := lockedUntil
	job.LockedUntil = &until
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, job *Job, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.ownedLocked(job.ID, owner)
	if err != nil {
		return err
	}
	next := job.Clone()
	next.Seq = stored.Seq
	s.jobs[job.ID] = next
	return nil
}

func (s *MemoryStore) UpdatePayload(_ context.Context, id, owner string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.ownedLocked(id, owner)
	if err != nil {
		return err
	}
	job.Payload = append(json.RawMessage(nil), payload...)
	return nil
}

func (s *MemoryStore) HasOlderPending(_ context.Context, groupKey string, seq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.GroupKey != groupKey || job.Seq >= seq {
			continue
		}
		if job.Status == StatusWaiting || job.Status == StatusActive || (job.Status == StatusDelayed && job.Deferred) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) PromoteDue(_ context.Context, req PromoteRequest) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, job := range s.sortedLocked() {
		if req.Limit > 0 && len(ids) >= req.Limit {
			break
		}
		switch {
		case job.Status == StatusDelayed && !job.AvailableAt.After(req.Now):
			job.Status = StatusWaiting
		case job.Status == StatusActive && job.LockedUntil != nil && job.LockedUntil.Before(req.Now):
			job.Status = StatusWaiting
			job.LockedBy = ""
			job.LockedUntil = nil
		case job.Status == StatusWaiting && job.UpdatedAt.Before(req.WaitingBefore):
			// notification presumed lost
		default:
			continue
		}
		job.UpdatedAt = req.Now
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (s *MemoryStore) sortedLocked() []*Job {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	return jobs
}

func (s *MemoryStore) ReplaceScheduler(_ context.Context, sch *Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.schedulers, sch.Name)
	c := *sch
	s.schedulers[sch.Name] = &c
	return nil
}

func (s *MemoryStore) RemoveScheduler(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedulers[name]; !ok {
		return ErrSchedulerNotFound
	}
	delete(s.schedulers, name)
	return nil
}

func (s *MemoryStore) Schedulers(_ context.Context) ([]*Scheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Scheduler, 0, len(s.schedulers))
	for _, sch := range s.schedulers {
		c := *sch
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ClaimDueSchedulers(_ context.Context, now time.Time) ([]*Scheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Scheduler
	for _, sch := range s.schedulers {
		if sch.NextRunAt.After(now) {
			continue
		}
		fired := *sch
		due = append(due, &fired)
		for !sch.NextRunAt.After(now) {
			sch.NextRunAt = sch.NextRunAt.Add(sch.Every)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due, nil
}

// ChannelNotifier delivers notifications over an in-process channel.
type ChannelNotifier struct {
	ch chan Delivery
}

// NewChannelNotifier creates a notifier buffering up to size signals.
func NewChannelNotifier(size int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan Delivery, size)}
}

func (n *ChannelNotifier) Notify(ctx context.Context, jobID string) error {
	select {
	case n.ch <- NewDelivery(jobID, nil):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *ChannelNotifier) Subscribe(_ context.Context, _ string) (<-chan Delivery, error) {
	return n.ch, nil
}

type lease struct {
	owner   string
	expires time.Time
}

// MemoryGroupLeases tracks busy groups inside one process.
type MemoryGroupLeases struct {
	leases cmap.ConcurrentMap[string, lease]
	now    func() time.Time
}

// NewMemoryGroupLeases creates an empty lease table.
func NewMemoryGroupLeases() *MemoryGroupLeases {
	return &MemoryGroupLeases{leases: cmap.New[lease](), now: time.Now}
}

func (m *MemoryGroupLeases) TryAcquire(_ context.Context, group, owner string, ttl time.Duration) (bool, error) {
	now := m.now()
	want := lease{owner: owner, expires: now.Add(ttl)}
	got := m.leases.Upsert(group, want, func(exist bool, current lease, next lease) lease {
		if exist && current.owner != next.owner && current.expires.After(now) {
			return current
		}
		return next
	})
	return got.owner == owner, nil
}

func (m *MemoryGroupLeases) Extend(_ context.Context, group, owner string, ttl time.Duration) error {
	now := m.now()
	m.leases.Upsert(group, lease{owner: owner, expires: now.Add(ttl)}, func(exist bool, current lease, next lease) lease {
		if exist && current.owner != owner {
			return current
		}
		return next
	})
	return nil
}

func (m *MemoryGroupLeases) Release(_ context.Context, group, owner string) error {
	m.leases.RemoveCb(group, func(_ string, current lease, exists bool) bool {
		return exists && current.owner == owner
	})
	return nil
}

// Busy reports whether group is currently leased.
func (m *MemoryGroupLeases) Busy(group string) bool {
	l, ok := m.leases.Get(group)
	return ok && l.expires.After(m.now())
}
