package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/anomaly"
	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/store"
	"go.uber.org/zap"
)

// ErrAcknowledgerRequired is returned when an acknowledgment names nobody.
var ErrAcknowledgerRequired = errors.New("acknowledger is required")

// Service persists detector outcomes and manages acknowledgment.
type Service struct {
	alerts store.AlertStore
	logger *zap.Logger

	// Now stamps acknowledgments and anchors Recent.
	Now func() time.Time
}

// NewService creates an alert service over an alert store.
func NewService(alerts store.AlertStore, logger ...*zap.Logger) *Service {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	return &Service{
		alerts: alerts,
		logger: log,
		Now:    time.Now,
	}
}

// SaveAlert inserts an alert for an outlier result and returns it.
// Non-outliers write nothing and return nil.
func (s *Service) SaveAlert(ctx context.Context, subject store.Subject, date time.Time, result anomaly.Result) (*store.Alert, error) {
	if !result.IsOutlier {
		return nil, nil
	}
	if s == nil || s.alerts == nil {
		return nil, fmt.Errorf("alert service is not initialized")
	}

	subject = subject.Normalize()
	alert := store.Alert{
		Brand:          subject.Brand,
		Surface:        subject.Surface,
		Metric:         subject.Metric,
		Date:           calendar.Day(date),
		Severity:       strings.ToLower(string(result.Severity)),
		ZScore:         result.ZScore,
		PctDelta:       result.PctDelta,
		BaselineMedian: result.Median,
		ActualValue:    result.ActualValue,
		Message:        result.Message,
	}
	if result.MAD != 0 {
		mad := result.MAD
		alert.BaselineMAD = &mad
	}

	saved, err := s.alerts.InsertAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("insert alert for %s on %s: %w", subject, calendar.Format(date), err)
	}
	s.logger.Info("alert created",
		zap.Int64("alert_id", saved.ID),
		zap.String("subject", subject.String()),
		zap.String("date", calendar.Format(saved.Date)),
		zap.String("severity", saved.Severity),
		zap.Float64("zscore", saved.ZScore),
		zap.String("pct_delta", result.PctDeltaFormatted()),
	)
	return &saved, nil
}

// Acknowledge marks an alert acknowledged. Repeat calls keep the first acknowledger.
func (s *Service) Acknowledge(ctx context.Context, id int64, by string) (store.Alert, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return store.Alert{}, ErrAcknowledgerRequired
	}
	alert, err := s.alerts.AcknowledgeAlert(ctx, id, by, s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrAlertNotFound) {
			return store.Alert{}, err
		}
		return store.Alert{}, fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	s.logger.Info("alert acknowledged",
		zap.Int64("alert_id", alert.ID),
		zap.String("by", alert.AcknowledgedBy),
	)
	return alert, nil
}

// ForDate returns every alert dated on date.
func (s *Service) ForDate(ctx context.Context, date time.Time) ([]store.Alert, error) {
	return s.alerts.AlertsForDate(ctx, calendar.Day(date))
}

// Recent returns alerts dated within the last days days, newest first.
func (s *Service) Recent(ctx context.Context, days int) ([]store.Alert, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive")
	}
	cutoff := calendar.AddDays(calendar.Day(s.now().UTC()), -days)
	return s.alerts.AlertsSince(ctx, cutoff)
}

// OpenCounts returns unacknowledged alerts per severity.
func (s *Service) OpenCounts(ctx context.Context) (map[string]int, error) {
	return s.alerts.OpenAlertCounts(ctx)
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
