package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// spanLogExporter writes finished spans to a zap logger. In errors mode only
// spans that ended with an error status are written.
type spanLogExporter struct {
	mu         sync.Mutex
	logger     *zap.Logger
	errorsOnly bool
	stopped    bool
}

func newSpanLogExporter(logger *zap.Logger, mode string) *spanLogExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &spanLogExporter{
		logger:     logger,
		errorsOnly: normalizeTraceMode(mode) == traceModeErrors,
	}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *spanLogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}

	for _, span := range spans {
		failed := span.Status().Code == codes.Error
		if e.errorsOnly && !failed {
			continue
		}
		fields := []zap.Field{
			zap.String("span", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
		}
		if parent := span.Parent(); parent.IsValid() {
			fields = append(fields, zap.String("parent_span_id", parent.SpanID().String()))
		}
		fields = append(fields, attributeFields(span.Attributes())...)
		if failed {
			e.logger.Warn("span failed", append(fields, zap.String("status", span.Status().Description))...)
			continue
		}
		e.logger.Debug("span finished", fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *spanLogExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	return ctx.Err()
}

func attributeFields(attrs []attribute.KeyValue) []zap.Field {
	fields := make([]zap.Field, 0, len(attrs))
	for _, attr := range attrs {
		key := "attr." + string(attr.Key)
		switch attr.Value.Type() {
		case attribute.BOOL:
			fields = append(fields, zap.Bool(key, attr.Value.AsBool()))
		case attribute.INT64:
			fields = append(fields, zap.Int64(key, attr.Value.AsInt64()))
		case attribute.FLOAT64:
			fields = append(fields, zap.Float64(key, attr.Value.AsFloat64()))
		default:
			fields = append(fields, zap.String(key, attr.Value.Emit()))
		}
	}
	return fields
}
