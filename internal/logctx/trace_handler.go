package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceHandler ties logs and traces together. Records logged inside a span
// carry its trace_id and span_id. Warnings and errors are also added to the
// span as events, and an error marks the span as failed, so a failed download
// attempt is visible from the trace alone.
type TraceHandler struct {
	inner slog.Handler
	// attrs are the logger attributes, kept to annotate span events.
	attrs []slog.Attr
}

// NewTraceHandler wraps h. Panics if h is nil.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	if h == nil {
		panic("logctx: NewTraceHandler called with nil handler")
	}

	return &TraceHandler{inner: h}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	spanCtx := span.SpanContext()

	if !spanCtx.IsValid() {
		return h.inner.Handle(ctx, r)
	}

	if r.Level >= slog.LevelWarn && span.IsRecording() {
		span.AddEvent(r.Message, trace.WithAttributes(h.eventAttrs(r)...))

		if r.Level >= slog.LevelError {
			span.SetStatus(codes.Error, r.Message)
		}
	}

	r.AddAttrs(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)

	return h.inner.Handle(ctx, r)
}

func (h *TraceHandler) eventAttrs(r slog.Record) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(h.attrs)+r.NumAttrs()+1)
	kvs = append(kvs, attribute.String("log.severity", r.Level.String()))

	for _, a := range h.attrs {
		kvs = append(kvs, toAttribute(a))
	}

	r.Attrs(func(a slog.Attr) bool {
		kvs = append(kvs, toAttribute(a))

		return true
	})

	return kvs
}

func toAttribute(a slog.Attr) attribute.KeyValue {
	v := a.Value.Resolve()

	switch v.Kind() {
	case slog.KindString:
		return attribute.String(a.Key, v.String())
	case slog.KindInt64:
		return attribute.Int64(a.Key, v.Int64())
	case slog.KindUint64:
		return attribute.Int64(a.Key, int64(v.Uint64()))
	case slog.KindFloat64:
		return attribute.Float64(a.Key, v.Float64())
	case slog.KindBool:
		return attribute.Bool(a.Key, v.Bool())
	default:
		return attribute.String(a.Key, v.String())
	}
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{
		inner: h.inner.WithAttrs(attrs),
		attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{inner: h.inner.WithGroup(name), attrs: h.attrs}
}
