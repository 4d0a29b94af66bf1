package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/google/uuid"
)

// Readiness gates dispatch until application bootstrap has finished.
type Readiness struct {
	ready atomic.Bool
}

// MarkReady opens the gate.
func (r *Readiness) MarkReady() {
	r.ready.Store(true)
}

// IsReady reports whether jobs may run.
func (r *Readiness) IsReady() bool {
	return r.ready.Load()
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Queue    *queue.Queue
	Leases   queue.GroupLeases
	Registry *Registry
	// Readiness defers every job until marked ready. Nil means always ready.
	Readiness *Readiness
	Metrics   *Metrics
	// Middlewares wrap every JobManager.Process call, outermost first.
	Middlewares []Middleware

	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	GroupDeferDelay   time.Duration
	GroupLockTTL      time.Duration
	ReadyDeferDelay   time.Duration
	PromoteInterval   time.Duration
	PromoteBatchSize  int
	ScheduleInterval  time.Duration
}

// Worker is the grouped processor: it claims jobs announced by the
// notifier and runs them through their managers, never running two jobs
// of one group at the same time.
type Worker struct {
	logger    *slog.Logger
	queue     *queue.Queue
	leases    queue.GroupLeases
	registry  *Registry
	readiness *Readiness
	metrics   *Metrics
	process   func(JobManager) ProcessFunc

	workerID          string
	concurrency       int
	heartbeatInterval time.Duration
	groupDeferDelay   time.Duration
	groupLockTTL      time.Duration
	readyDeferDelay   time.Duration
	promoteInterval   time.Duration
	promoteBatchSize  int
	scheduleInterval  time.Duration

	jobsChan chan queue.Delivery
	wg       sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Queue == nil || cfg.Leases == nil || cfg.Registry == nil {
		return nil, errors.New("worker requires a queue, group leases and a registry")
	}

	w := &Worker{
		logger:            cfg.Logger,
		queue:             cfg.Queue,
		leases:            cfg.Leases,
		registry:          cfg.Registry,
		readiness:         cfg.Readiness,
		metrics:           cfg.Metrics,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		heartbeatInterval: cfg.HeartbeatInterval,
		groupDeferDelay:   cfg.GroupDeferDelay,
		groupLockTTL:      cfg.GroupLockTTL,
		readyDeferDelay:   cfg.ReadyDeferDelay,
		promoteInterval:   cfg.PromoteInterval,
		promoteBatchSize:  cfg.PromoteBatchSize,
		scheduleInterval:  cfg.ScheduleInterval,
	}

	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.groupDeferDelay <= 0 {
		w.groupDeferDelay = 200 * time.Millisecond
	}
	if w.groupLockTTL <= 0 {
		w.groupLockTTL = 5 * time.Minute
	}
	if w.readyDeferDelay <= 0 {
		w.readyDeferDelay = time.Second
	}
	if w.promoteInterval <= 0 {
		w.promoteInterval = time.Second
	}
	if w.scheduleInterval <= 0 {
		w.scheduleInterval = time.Second
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = w.queue.LockDuration() / 3
	}

	middlewares := append([]Middleware{WithTimeout(cfg.JobTimeout)}, cfg.Middlewares...)
	w.process = func(m JobManager) ProcessFunc {
		return Chain(m.Process, middlewares...)
	}
	w.jobsChan = make(chan queue.Delivery, w.concurrency)
	return w, nil
}

// ID returns the worker identity used as lock owner prefix.
func (w *Worker) ID() string {
	return w.workerID
}

// Start subscribes to job notifications and blocks until ctx is done and
// every in-flight job has finished.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()
	defer close(done)

	deliveries, err := w.queue.Deliveries(ctx, w.workerID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to jobs: %w", err)
	}

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Any("job_names", w.registry.Names()),
	)

	w.spawnWorkerPool(ctx)

	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()
	go func() {
		defer w.wg.Done()
		w.runPromoter(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.runScheduler(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, waiting for in-flight jobs...")
	w.wg.Wait()
	return nil
}

// Stop cancels the worker and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}

	w.logger.Info("Stopping worker...")
	cancel()
	<-done
	w.logger.Info("Worker stopped")
}
