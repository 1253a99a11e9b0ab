package anomaly

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Severity grades an outlier.
type Severity string

const (
	// SeverityNone marks a value inside the expected range.
	SeverityNone Severity = "none"
	// SeverityWarning marks a value past the warning thresholds.
	SeverityWarning Severity = "warning"
	// SeverityCritical marks a value past the critical thresholds.
	SeverityCritical Severity = "critical"
)

// Point is one historical daily value.
type Point struct {
	Date  time.Time
	Value float64
}

// Config holds detector thresholds.
type Config struct {
	LookbackDays     int
	MinDataPoints    int
	WarningZScore    float64
	WarningPctDelta  float64
	CriticalZScore   float64
	CriticalPctDelta float64
}

// DefaultConfig returns eight weeks of lookback with z 2.0/2.5 and 15%/20% thresholds.
func DefaultConfig() Config {
	return Config{
		LookbackDays:     56,
		MinDataPoints:    7,
		WarningZScore:    2.0,
		WarningPctDelta:  0.15,
		CriticalZScore:   2.5,
		CriticalPctDelta: 0.20,
	}
}

// Validate checks threshold ordering and minimums.
func (c Config) Validate() error {
	var errs []error
	if c.LookbackDays < 7 {
		errs = append(errs, fmt.Errorf("lookback_days must be >= 7"))
	}
	if c.MinDataPoints < 3 {
		errs = append(errs, fmt.Errorf("min_data_points must be >= 3"))
	}
	if c.WarningZScore <= 0 || c.CriticalZScore <= 0 || c.WarningPctDelta <= 0 || c.CriticalPctDelta <= 0 {
		errs = append(errs, fmt.Errorf("thresholds must be > 0"))
	}
	if c.WarningZScore >= c.CriticalZScore {
		errs = append(errs, fmt.Errorf("warning_zscore must be < critical_zscore"))
	}
	if c.WarningPctDelta >= c.CriticalPctDelta {
		errs = append(errs, fmt.Errorf("warning_pct_delta must be < critical_pct_delta"))
	}
	return errors.Join(errs...)
}

// Result is the outcome of one evaluation.
type Result struct {
	IsOutlier        bool
	Severity         Severity
	ZScore           float64
	PctDelta         float64
	Median           float64
	MAD              float64
	ActualValue      float64
	DataPoints       int
	Message          string
	WeekdayAdjusted  bool
	InsufficientData bool
}

// PctDeltaFormatted renders the delta as a signed percentage with one decimal.
func (r Result) PctDeltaFormatted() string {
	return fmt.Sprintf("%+.1f%%", r.PctDelta*100)
}

// Analyze compares targetValue against the robust baseline of history.
// Points dated on a non-zero targetDate are left out of the baseline.
func Analyze(history []Point, targetDate time.Time, targetValue float64, cfg Config) Result {
	return evaluate(baseline(history, targetDate, nil), targetValue, cfg, false)
}

// AnalyzeByWeekday is Analyze restricted to history on the target's weekday.
// It reports insufficient data rather than widening to the full series.
func AnalyzeByWeekday(history []Point, targetDate time.Time, targetValue float64, cfg Config) Result {
	weekday := targetDate.Weekday()
	sameWeekday := func(p Point) bool { return p.Date.Weekday() == weekday }
	return evaluate(baseline(history, targetDate, sameWeekday), targetValue, cfg, true)
}

func baseline(history []Point, targetDate time.Time, keep func(Point) bool) []float64 {
	values := make([]float64, 0, len(history))
	for _, point := range history {
		if !targetDate.IsZero() && sameDay(point.Date, targetDate) {
			continue
		}
		if keep != nil && !keep(point) {
			continue
		}
		if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
			continue
		}
		values = append(values, point.Value)
	}
	return values
}

func evaluate(values []float64, actual float64, cfg Config, weekday bool) Result {
	result := Result{
		Severity:        SeverityNone,
		ActualValue:     actual,
		DataPoints:      len(values),
		WeekdayAdjusted: weekday,
	}
	if len(values) < cfg.MinDataPoints {
		result.InsufficientData = true
		scope := "history"
		if weekday {
			scope = "same-weekday history"
		}
		result.Message = fmt.Sprintf("insufficient data: %d points of %s, need %d", len(values), scope, cfg.MinDataPoints)
		return result
	}

	result.Median = Median(values)
	result.MAD = MAD(values, result.Median)
	result.ZScore = RobustZScore(actual, result.Median, result.MAD)
	result.PctDelta = PctDelta(actual, result.Median)
	result.Severity = classify(result.ZScore, result.PctDelta, cfg)
	result.IsOutlier = result.Severity != SeverityNone

	if !result.IsOutlier {
		result.Message = "within expected range"
		return result
	}
	result.Message = fmt.Sprintf("%s: value %s deviates %s from median %s (z=%+.2f)",
		strings.ToUpper(string(result.Severity)),
		formatNumber(actual),
		result.PctDeltaFormatted(),
		formatNumber(result.Median),
		result.ZScore,
	)
	return result
}

func classify(z, pct float64, cfg Config) Severity {
	absZ, absPct := math.Abs(z), math.Abs(pct)
	switch {
	case absZ >= cfg.CriticalZScore || absPct >= cfg.CriticalPctDelta:
		return SeverityCritical
	case absZ >= cfg.WarningZScore || absPct >= cfg.WarningPctDelta:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func formatNumber(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
