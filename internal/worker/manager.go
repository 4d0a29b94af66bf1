package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
)

// JobManager owns one kind of job: it recognises its jobs, executes them
// and reacts to their terminal outcome.
type JobManager interface {
	JobName() queue.JobName
	Matches(job *queue.Job) bool
	Process(ctx context.Context, job *queue.Job) (any, error)
	// OnComplete runs after the job has been recorded as completed.
	OnComplete(ctx context.Context, job *queue.Job, result any) error
	// OnFailed runs after every failed attempt. job.IsFinalAttempt reports
	// whether the queue gave up on it.
	OnFailed(ctx context.Context, job *queue.Job, err error) error
}

// BaseManager matches jobs by name and provides no-op hooks.
type BaseManager struct {
	Name queue.JobName
}

func (b BaseManager) JobName() queue.JobName {
	return b.Name
}

func (b BaseManager) Matches(job *queue.Job) bool {
	return job.Name == b.Name
}

func (b BaseManager) OnComplete(context.Context, *queue.Job, any) error {
	return nil
}

func (b BaseManager) OnFailed(context.Context, *queue.Job, error) error {
	return nil
}

// Registry maps job names to their managers.
type Registry struct {
	mu       sync.RWMutex
	managers map[queue.JobName]JobManager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[queue.JobName]JobManager)}
}

// Register adds managers, rejecting a second manager for the same job name.
func (r *Registry) Register(managers ...JobManager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range managers {
		name := m.JobName()
		if name == "" {
			return fmt.Errorf("job manager %T has no job name", m)
		}
		if _, exists := r.managers[name]; exists {
			return fmt.Errorf("job manager already registered for %s", name)
		}
		r.managers[name] = m
	}
	return nil
}

// Match returns the manager for job, or nil when none accepts it.
func (r *Registry) Match(job *queue.Job) JobManager {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.managers[job.Name]; ok && m.Matches(job) {
		return m
	}
	return nil
}

// Names lists registered job names in sorted order.
func (r *Registry) Names() []queue.JobName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]queue.JobName, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
