package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

const (
	traceModeOff      = "off"
	traceModeErrors   = "errors"
	traceModeSampled  = "sampled"
	traceModeDetailed = "detailed"

	defaultServiceName = "reach-monitor"
	// errorsModeFloor keeps a trickle of traces in errors mode when no ratio is set.
	errorsModeFloor = 0.01
)

// knownTraceModes maps accepted spellings to canonical modes. Blank means sampled.
var knownTraceModes = map[string]string{
	"":                traceModeSampled,
	traceModeOff:      traceModeOff,
	traceModeErrors:   traceModeErrors,
	traceModeSampled:  traceModeSampled,
	traceModeDetailed: traceModeDetailed,
}

var globalTraceMode atomic.Value

// Config configures OpenTelemetry tracing setup.
type Config struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	TraceMode        string
	TraceSampleRatio float64
	// Logger receives finished spans when tracing is enabled.
	Logger *zap.Logger
}

// Runtime contains initialized telemetry providers and lifecycle hooks.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider and trace mode. Disabled tracing
// still installs a provider so spans are cheap no-ops.
func Setup(cfg Config) (Runtime, error) {
	mode := normalizeTraceMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = traceModeOff
	}
	setTraceMode(mode)

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName(cfg.ServiceName))}
	if version := strings.TrimSpace(cfg.ServiceVersion); version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(version))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return Runtime{}, err
	}

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(samplerForMode(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	}
	if mode != traceModeOff && cfg.Logger != nil {
		options = append(options, sdktrace.WithBatcher(newSpanLogExporter(cfg.Logger, mode)))
	}
	provider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(provider)

	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

func serviceName(raw string) string {
	if name := strings.TrimSpace(raw); name != "" {
		return name
	}
	return defaultServiceName
}

func samplerForMode(mode string, ratio float64) sdktrace.Sampler {
	ratio = clampRatio(ratio)
	switch normalizeTraceMode(mode) {
	case traceModeOff:
		return sdktrace.NeverSample()
	case traceModeDetailed:
		return sdktrace.AlwaysSample()
	case traceModeErrors:
		if ratio <= 0 {
			ratio = errorsModeFloor
		}
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// TraceMode reports the configured global trace mode, off until Setup runs.
func TraceMode() string {
	mode, _ := globalTraceMode.Load().(string)
	if mode == "" {
		return traceModeOff
	}
	return mode
}

// ShouldTraceDependencies reports whether per-dependency spans (upstream
// calls, ingestion batches, evaluations) should be emitted.
func ShouldTraceDependencies() bool {
	return TraceMode() == traceModeDetailed
}

func setTraceMode(mode string) {
	globalTraceMode.Store(normalizeTraceMode(mode))
}

// normalizeTraceMode maps unknown modes to sampled.
func normalizeTraceMode(mode string) string {
	if canonical, ok := knownTraceModes[strings.ToLower(strings.TrimSpace(mode))]; ok {
		return canonical
	}
	return traceModeSampled
}

func clampRatio(ratio float64) float64 {
	return min(max(ratio, 0), 1)
}

// ValidTraceMode reports whether mode is one of off|errors|sampled|detailed. Blank is accepted as sampled.
func ValidTraceMode(mode string) bool {
	_, ok := knownTraceModes[strings.ToLower(strings.TrimSpace(mode))]
	return ok
}
