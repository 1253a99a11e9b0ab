package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-run jobs and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	measurements map[string]Measurement
	alerts       []Alert
	nextID       int64
	nextAlertID  int64

	// Now stamps ingested_at, updated_at, and created_at.
	Now func() time.Time
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		measurements: make(map[string]Measurement),
		Now:          time.Now,
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// UpsertMeasurements inserts or overwrites rows by identity.
func (s *MemoryStore) UpsertMeasurements(ctx context.Context, rows []Measurement) (UpsertResult, error) {
	result := UpsertResult{}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	normalized := make([]Measurement, 0, len(rows))
	for _, row := range rows {
		clean, err := normalizeMeasurement(row)
		if err != nil {
			return result, err
		}
		normalized = append(normalized, clean)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range normalized {
		key := row.identity()
		existing, exists := s.measurements[key]
		if exists {
			row.ID = existing.ID
			row.IngestedAt = existing.IngestedAt
			result.Updated++
		} else {
			s.nextID++
			row.ID = s.nextID
			row.IngestedAt = now
			result.Inserted++
		}
		row.UpdatedAt = now
		s.measurements[key] = row
	}
	return result, nil
}

// ResolvedSeries returns per-date totals across sites for dates in [from, to).
func (s *MemoryStore) ResolvedSeries(_ context.Context, subject Subject, from, to time.Time) ([]DailyTotal, error) {
	subject = subject.Normalize()
	from, to = dayOf(from), dayOf(to)

	s.mu.RLock()
	resolved := s.resolveLocked(func(m Measurement) bool {
		return m.Subject() == subject && !m.Date.Before(from) && m.Date.Before(to)
	})
	s.mu.RUnlock()

	sums := make(map[time.Time]int64)
	for key, value := range resolved {
		sums[key.date] += value
	}
	out := make([]DailyTotal, 0, len(sums))
	for date, value := range sums {
		out = append(out, DailyTotal{Date: date, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ResolvedTotals sums resolved values by brand, surface, and metric over [start, end].
func (s *MemoryStore) ResolvedTotals(_ context.Context, brands []string, start, end time.Time) ([]SurfaceTotal, error) {
	start, end = dayOf(start), dayOf(end)
	allowed := make(map[string]bool, len(brands))
	for _, brand := range lowerAll(brands) {
		allowed[brand] = true
	}

	s.mu.RLock()
	resolved := s.resolveLocked(func(m Measurement) bool {
		if len(allowed) > 0 && !allowed[m.Brand] {
			return false
		}
		return !m.Date.Before(start) && !m.Date.After(end)
	})
	s.mu.RUnlock()

	sums := make(map[Subject]int64)
	for key, value := range resolved {
		sums[key.subject] += value
	}
	out := make([]SurfaceTotal, 0, len(sums))
	for subject, total := range sums {
		out = append(out, SurfaceTotal{Brand: subject.Brand, Surface: subject.Surface, Metric: subject.Metric, Total: total})
	}
	sort.Slice(out, func(i, j int) bool {
		return surfaceSortKey(out[i]) < surfaceSortKey(out[j])
	})
	return out, nil
}

// LatestMeasurement returns the newest row for a subject.
func (s *MemoryStore) LatestMeasurement(_ context.Context, subject Subject) (Measurement, bool, error) {
	subject = subject.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest Measurement
	found := false
	for _, row := range s.measurements {
		if row.Subject() != subject {
			continue
		}
		if !found || newerMeasurement(row, latest) {
			latest = row
			found = true
		}
	}
	return latest, found, nil
}

// LatestSnapshot returns the newest row per site, metric, and preliminary flag.
func (s *MemoryStore) LatestSnapshot(context.Context) ([]Measurement, error) {
	s.mu.RLock()
	latest := make(map[string]Measurement)
	for _, row := range s.measurements {
		key := strings.Join([]string{row.Brand, row.Surface, row.Metric, row.SiteID, fmt.Sprint(row.Preliminary)}, "|")
		if current, ok := latest[key]; !ok || row.Date.After(current.Date) {
			latest[key] = row
		}
	}
	s.mu.RUnlock()

	out := make([]Measurement, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].identity() < out[j].identity() })
	return out, nil
}

// InsertAlert appends a new alert.
func (s *MemoryStore) InsertAlert(_ context.Context, alert Alert) (Alert, error) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	alert.Brand = strings.ToLower(alert.Brand)
	alert.Surface = strings.ToLower(alert.Surface)
	alert.Date = dayOf(alert.Date)
	alert.Acknowledged = false
	alert.AcknowledgedBy = ""
	alert.AcknowledgedAt = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAlertID++
	alert.ID = s.nextAlertID
	s.alerts = append(s.alerts, alert)
	return alert, nil
}

// AcknowledgeAlert marks an alert acknowledged. Repeat calls keep the first acknowledger.
func (s *MemoryStore) AcknowledgeAlert(_ context.Context, id int64, by string, at time.Time) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		if !s.alerts[i].Acknowledged {
			ackAt := at.UTC()
			s.alerts[i].Acknowledged = true
			s.alerts[i].AcknowledgedBy = by
			s.alerts[i].AcknowledgedAt = &ackAt
		}
		return s.alerts[i], nil
	}
	return Alert{}, fmt.Errorf("acknowledge alert %d: %w", id, ErrAlertNotFound)
}

// AlertsForDate returns the alerts for one date in creation order.
func (s *MemoryStore) AlertsForDate(_ context.Context, date time.Time) ([]Alert, error) {
	date = dayOf(date)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0)
	for _, alert := range s.alerts {
		if alert.Date.Equal(date) {
			out = append(out, alert)
		}
	}
	return out, nil
}

// AlertsSince returns alerts dated on or after since, newest first.
func (s *MemoryStore) AlertsSince(_ context.Context, since time.Time) ([]Alert, error) {
	since = dayOf(since)
	s.mu.RLock()
	out := make([]Alert, 0)
	for _, alert := range s.alerts {
		if !alert.Date.Before(since) {
			out = append(out, alert)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// OpenAlertCounts counts unacknowledged alerts per severity.
func (s *MemoryStore) OpenAlertCounts(context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, alert := range s.alerts {
		if !alert.Acknowledged {
			counts[alert.Severity]++
		}
	}
	return counts, nil
}

type resolvedKey struct {
	subject Subject
	date    time.Time
	siteID  string
}

// resolveLocked picks one value per subject, date, and site, preferring final rows.
func (s *MemoryStore) resolveLocked(match func(Measurement) bool) map[resolvedKey]int64 {
	type candidate struct {
		final    *int64
		fallback int64
	}
	candidates := make(map[resolvedKey]*candidate)
	for _, row := range s.measurements {
		if !match(row) {
			continue
		}
		key := resolvedKey{subject: row.Subject(), date: row.Date, siteID: row.SiteID}
		entry, ok := candidates[key]
		if !ok {
			entry = &candidate{fallback: row.ValueTotal}
			candidates[key] = entry
		}
		if row.ValueTotal > entry.fallback {
			entry.fallback = row.ValueTotal
		}
		if !row.Preliminary {
			value := row.ValueTotal
			entry.final = &value
		}
	}

	out := make(map[resolvedKey]int64, len(candidates))
	for key, entry := range candidates {
		if entry.final != nil {
			out[key] = *entry.final
			continue
		}
		out[key] = entry.fallback
	}
	return out
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func newerMeasurement(candidate, current Measurement) bool {
	if !candidate.Date.Equal(current.Date) {
		return candidate.Date.After(current.Date)
	}
	if !candidate.UpdatedAt.Equal(current.UpdatedAt) {
		return candidate.UpdatedAt.After(current.UpdatedAt)
	}
	return candidate.ID > current.ID
}

func surfaceSortKey(total SurfaceTotal) string {
	return total.Brand + "|" + total.Surface + "|" + total.Metric
}
