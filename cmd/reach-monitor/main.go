package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/app"
	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/config"
	"github.com/cam3ron2/reach-monitor/internal/ingest"
	"github.com/cam3ron2/reach-monitor/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	modeServe   = "serve"
	modeDaily   = "daily"
	modeRange   = "range"
	modeAnalyze = "analyze"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath string
	mode       string
	date       time.Time
	start      time.Time
	end        time.Time
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "reach-monitor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	configFile, err := os.Open(opts.configPath)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
			_, _ = fmt.Fprintf(os.Stderr, "reach-monitor: sync logger: %v\n", syncErr)
		}
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "reach-monitor",
		ServiceVersion:   version,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
		Logger:           logger.Named("trace"),
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fetcher, err := ingest.NewMetricClientFromConfig(cfg, os.Getenv)
	if err != nil {
		return fmt.Errorf("build source client: %w", err)
	}
	measurementStore, err := app.OpenStore(rootCtx, cfg, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() {
		_ = measurementStore.Close()
	}()

	runtime, err := app.NewRuntime(cfg, app.Dependencies{
		Store:   measurementStore,
		Fetcher: fetcher,
		Locker:  app.NewLocker(rootCtx, cfg, logger.Named("locks")),
	}, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	switch opts.mode {
	case modeDaily:
		return jobError(runtime.RunDaily(rootCtx, opts.date))
	case modeRange:
		return jobError(runtime.RunRange(rootCtx, opts.start, opts.end))
	case modeAnalyze:
		return jobError(runtime.Analyze(rootCtx, opts.date))
	default:
		return serve(rootCtx, cfg, runtime, logger)
	}
}

func serve(ctx context.Context, cfg *config.Config, runtime *app.Runtime, logger *zap.Logger) error {
	if err := runtime.CheckSource(ctx); err != nil {
		logger.Warn("source api unreachable at startup; serving degraded", zap.Error(err))
	}
	runtime.StartBackfillConsumer(ctx)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			runtime.StopBackfillConsumer()
			return fmt.Errorf("http server failed: %w", serveErr)
		}
	}

	runtime.StopBackfillConsumer()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func parseFlags(args []string, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("reach-monitor", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		opts                      options
		rawDate, rawStart, rawEnd string
	)
	fs.StringVar(&opts.configPath, "config", "config/local.yaml", "path to YAML config file")
	fs.StringVar(&opts.mode, "mode", modeServe, "serve, daily, range, or analyze")
	fs.StringVar(&rawDate, "date", "", "target date (YYYY-MM-DD) for daily and analyze; defaults to yesterday")
	fs.StringVar(&rawStart, "start", "", "first date (YYYY-MM-DD) for range")
	fs.StringVar(&rawEnd, "end", "", "last date (YYYY-MM-DD) for range")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.mode = strings.ToLower(strings.TrimSpace(opts.mode))
	var err error
	switch opts.mode {
	case modeServe:
	case modeDaily, modeAnalyze:
		if opts.date, err = optionalDate("date", rawDate); err != nil {
			return options{}, err
		}
	case modeRange:
		if strings.TrimSpace(rawStart) == "" || strings.TrimSpace(rawEnd) == "" {
			return options{}, fmt.Errorf("range mode requires -start and -end")
		}
		if opts.start, err = optionalDate("start", rawStart); err != nil {
			return options{}, err
		}
		if opts.end, err = optionalDate("end", rawEnd); err != nil {
			return options{}, err
		}
		if opts.end.Before(opts.start) {
			return options{}, fmt.Errorf("-end %s is before -start %s", rawEnd, rawStart)
		}
	default:
		return options{}, fmt.Errorf("unknown mode %q", opts.mode)
	}
	return opts, nil
}

func optionalDate(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	date, err := calendar.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -%s: %w", name, err)
	}
	return date, nil
}

// jobError turns a failed job into a non-zero exit. Partial and skipped runs exit cleanly.
func jobError(result app.JobResult) error {
	if result.Status != app.JobFailed {
		return nil
	}
	if len(result.Errors) == 0 {
		return fmt.Errorf("%s job failed: %d pairs failed and nothing was written", result.Mode, result.Stats.Errors)
	}
	return fmt.Errorf("%s job failed: %w", result.Mode, errors.Join(result.Errors...))
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func shouldIgnoreLoggerSyncError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
