package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/anomaly"
	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/ingest"
	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/cam3ron2/reach-monitor/internal/store"
	"github.com/cam3ron2/reach-monitor/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SeriesReader reads resolved values for a subject. ingest.Engine implements it.
type SeriesReader interface {
	History(ctx context.Context, subject store.Subject, target time.Time, lookbackDays int) ([]anomaly.Point, error)
	ValueOn(ctx context.Context, subject store.Subject, date time.Time) (float64, bool, error)
}

// EvaluatorConfig configures EvaluateDay.
type EvaluatorConfig struct {
	Detector        anomaly.Config
	WeekdayAdjusted bool
	// OnAlert is called after each alert is stored.
	OnAlert func(store.Alert)
}

// Report summarizes one evaluation pass.
type Report struct {
	Evaluated    int           `json:"evaluated"`
	Outliers     int           `json:"outliers"`
	Insufficient int           `json:"insufficient"`
	Missing      int           `json:"missing"`
	Errors       int           `json:"errors"`
	Alerts       []store.Alert `json:"-"`
}

// Evaluator runs the detector over stored series and records alerts.
type Evaluator struct {
	series  SeriesReader
	service *Service
	cfg     EvaluatorConfig
	logger  *zap.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(series SeriesReader, service *Service, cfg EvaluatorConfig, logger ...*zap.Logger) *Evaluator {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	return &Evaluator{
		series:  series,
		service: service,
		cfg:     cfg,
		logger:  log,
	}
}

// SubjectsFromSites returns the distinct brand, surface, and metric subjects in site order.
func SubjectsFromSites(sites []ingest.Site, metrics []sourceapi.Metric) []store.Subject {
	seen := make(map[store.Subject]bool, len(sites)*len(metrics))
	subjects := make([]store.Subject, 0, len(sites)*len(metrics))
	for _, site := range sites {
		for _, metric := range metrics {
			subject := store.Subject{Brand: site.Brand, Surface: site.Surface, Metric: string(metric)}.Normalize()
			if seen[subject] {
				continue
			}
			seen[subject] = true
			subjects = append(subjects, subject)
		}
	}
	return subjects
}

// EvaluateDay analyzes each subject's value on date. Per-subject failures are counted and joined.
func (e *Evaluator) EvaluateDay(ctx context.Context, date time.Time, subjects []store.Subject) (Report, error) {
	if e == nil || e.series == nil || e.service == nil {
		return Report{}, fmt.Errorf("evaluator is not initialized")
	}
	if err := e.cfg.Detector.Validate(); err != nil {
		return Report{}, fmt.Errorf("invalid detector config: %w", err)
	}
	day := calendar.Day(date)

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("reach-monitor/internal/alerting").Start(
			ctx,
			"alerting.evaluate_day",
			trace.WithAttributes(
				attribute.String("alerting.date", calendar.Format(day)),
				attribute.Int("alerting.subjects", len(subjects)),
			),
		)
		defer span.End()
	}

	report := Report{}
	var errs []error
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.evaluateSubject(ctx, day, subject, &report); err != nil {
			report.Errors++
			errs = append(errs, fmt.Errorf("%s: %w", subject, err))
			e.logger.Warn("subject evaluation failed",
				zap.String("date", calendar.Format(day)),
				zap.String("subject", subject.String()),
				zap.Error(err),
			)
		}
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("alerting.outliers", report.Outliers),
			attribute.Int("alerting.errors", report.Errors),
		)
		if len(errs) > 0 {
			span.SetStatus(codes.Error, "evaluation completed with errors")
		} else {
			span.SetStatus(codes.Ok, "evaluation completed")
		}
	}
	e.logger.Info("evaluated day",
		zap.String("date", calendar.Format(day)),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("outliers", report.Outliers),
		zap.Int("insufficient", report.Insufficient),
		zap.Int("missing", report.Missing),
		zap.Int("errors", report.Errors),
	)
	return report, errors.Join(errs...)
}

func (e *Evaluator) evaluateSubject(ctx context.Context, day time.Time, subject store.Subject, report *Report) error {
	value, ok, err := e.series.ValueOn(ctx, subject, day)
	if err != nil {
		return fmt.Errorf("read value: %w", err)
	}
	if !ok {
		report.Missing++
		return nil
	}

	history, err := e.series.History(ctx, subject, day, e.cfg.Detector.LookbackDays)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	var result anomaly.Result
	if e.cfg.WeekdayAdjusted {
		result = anomaly.AnalyzeByWeekday(history, day, value, e.cfg.Detector)
	} else {
		result = anomaly.Analyze(history, day, value, e.cfg.Detector)
	}
	report.Evaluated++
	if result.InsufficientData {
		report.Insufficient++
		e.logger.Debug("insufficient history",
			zap.String("subject", subject.String()),
			zap.String("message", result.Message),
		)
		return nil
	}
	if !result.IsOutlier {
		return nil
	}

	report.Outliers++
	alert, err := e.service.SaveAlert(ctx, subject, day, result)
	if err != nil {
		return err
	}
	if alert != nil {
		report.Alerts = append(report.Alerts, *alert)
		if e.cfg.OnAlert != nil {
			e.cfg.OnAlert(*alert)
		}
	}
	return nil
}
