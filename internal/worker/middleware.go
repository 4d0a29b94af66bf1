package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ProcessFunc executes one job.
type ProcessFunc func(ctx context.Context, job *queue.Job) (any, error)

// Middleware wraps a ProcessFunc at the job manager boundary.
type Middleware func(next ProcessFunc) ProcessFunc

// Chain applies middlewares so the first one is outermost.
func Chain(fn ProcessFunc, middlewares ...Middleware) ProcessFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		fn = middlewares[i](fn)
	}
	return fn
}

// WithLogging logs entry and exit of every job with its duration.
func WithLogging(logger *slog.Logger) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, job *queue.Job) (any, error) {
			logger.InfoContext(ctx, "Processing job",
				slog.Int("attempt", job.AttemptsMade+1),
				slog.Int("max_attempts", job.Attempts),
			)

			start := time.Now()
			result, err := next(ctx, job)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "Job execution failed",
					slog.Duration("duration", duration),
					slog.Bool("unrecoverable", queue.IsUnrecoverable(err)),
					slog.Any("error", err),
				)
				return result, err
			}

			logger.InfoContext(ctx, "Job executed",
				slog.Duration("duration", duration),
			)
			return result, nil
		}
	}
}

// WithTracing opens a span around every job.
func WithTracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("github.com/cuongbtq/settlement-orchestrator/internal/worker")
	}
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, job *queue.Job) (any, error) {
			ctx, span := tracer.Start(ctx, "job "+string(job.Name),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("job.id", job.ID),
					attribute.String("job.group_key", job.GroupKey),
					attribute.Int("job.attempt", job.AttemptsMade+1),
				),
			)
			defer span.End()

			result, err := next(ctx, job)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, err
		}
	}
}

// WithTimeout bounds every job by d.
func WithTimeout(d time.Duration) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, job *queue.Job) (any, error) {
			if d <= 0 {
				return next(ctx, job)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			result, err := next(ctx, job)
			if err != nil && ctx.Err() == context.DeadlineExceeded {
				return result, fmt.Errorf("job timed out after %s: %w", d, err)
			}
			return result, err
		}
	}
}

// Metrics holds the worker's Prometheus collectors.
type Metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	deferred  *prometheus.CounterVec
	promoted  prometheus.Counter
}

// Job outcomes recorded by Metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Defer reasons recorded by Metrics.
const (
	DeferGroupBusy  = "group_busy"
	DeferGroupOrder = "group_order"
	DeferNotReady   = "not_ready"
)

// NewMetrics registers the worker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Jobs processed by outcome.",
		}, []string{"name", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job manager execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"name"}),
		deferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_deferred_total",
			Help: "Jobs handed back without consuming an attempt.",
		}, []string{"reason"}),
		promoted: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobs_promoted_total",
			Help: "Delayed or stalled jobs moved back to waiting.",
		}),
	}
}

// WithMetrics observes the duration of every job.
func WithMetrics(m *Metrics) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, job *queue.Job) (any, error) {
			start := time.Now()
			result, err := next(ctx, job)
			m.duration.WithLabelValues(string(job.Name)).Observe(time.Since(start).Seconds())
			return result, err
		}
	}
}

func (m *Metrics) observeOutcome(name queue.JobName, outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(string(name), outcome).Inc()
}

func (m *Metrics) observeDefer(reason string) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(reason).Inc()
}

func (m *Metrics) observePromoted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.promoted.Add(float64(n))
}
