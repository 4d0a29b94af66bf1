package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with a context carrying them.
type LogFields struct {
	JobID          string
	JobName        string
	GroupKey       string
	RebalanceJobID string
	ChainID        int64
	Component      string
}

// WithLogFields merges fields into the context. Non-empty values in fields
// win over values already present.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields stored on ctx, or the zero value.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.JobID != "" {
		result.JobID = next.JobID
	}
	if next.JobName != "" {
		result.JobName = next.JobName
	}
	if next.GroupKey != "" {
		result.GroupKey = next.GroupKey
	}
	if next.RebalanceJobID != "" {
		result.RebalanceJobID = next.RebalanceJobID
	}
	if next.ChainID != 0 {
		result.ChainID = next.ChainID
	}
	if next.Component != "" {
		result.Component = next.Component
	}
	return result
}

// ContextHandler decorates records with LogFields and the active trace span.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.JobID != "" {
		r.AddAttrs(slog.String("job_id", fields.JobID))
	}
	if fields.JobName != "" {
		r.AddAttrs(slog.String("job_name", fields.JobName))
	}
	if fields.GroupKey != "" {
		r.AddAttrs(slog.String("group_key", fields.GroupKey))
	}
	if fields.RebalanceJobID != "" {
		r.AddAttrs(slog.String("rebalance_job_id", fields.RebalanceJobID))
	}
	if fields.ChainID != 0 {
		r.AddAttrs(slog.Int64("chain_id", fields.ChainID))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
