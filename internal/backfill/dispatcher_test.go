package backfill

import (
	"errors"
	"testing"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/cam3ron2/reach-monitor/internal/store"
	"github.com/google/uuid"
)

type fakeQueue struct {
	messages []Message
	err      error
}

func (q *fakeQueue) Publish(msg Message) error {
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, msg)
	return nil
}

type fakeDeduper struct {
	keys map[string]time.Time
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{
		keys: make(map[string]time.Time),
	}
}

func (d *fakeDeduper) Acquire(key string, ttl time.Duration, now time.Time) bool {
	expiry, ok := d.keys[key]
	if ok && now.Before(expiry) {
		return false
	}
	d.keys[key] = now.Add(ttl)
	return true
}

func TestDispatcherEnqueueFailure(t *testing.T) {
	t.Parallel()

	baseTime := time.Unix(1739836800, 0).UTC()
	day := time.Date(2025, time.February, 17, 0, 0, 0, 0, time.UTC)
	config := Config{
		DedupTTL:                    12 * time.Hour,
		MaxEnqueuesPerSitePerMinute: 2,
	}

	testCases := []struct {
		name               string
		inputs             []MessageInput
		wantPublished      int
		wantDedup          int
		wantDroppedByLimit int
	}{
		{
			name: "dedups_same_site_metric_date",
			inputs: []MessageInput{
				{Date: day, SiteID: "at_w_atorf", Metric: sourceapi.MetricVisits, Reason: "exhausted", Now: baseTime},
				{Date: day.Add(5 * time.Hour), SiteID: "at_w_atorf", Metric: sourceapi.MetricVisits, Reason: "exhausted", Now: baseTime.Add(time.Minute)},
			},
			wantPublished: 1,
			wantDedup:     1,
		},
		{
			name: "dedup_expires_after_ttl",
			inputs: []MessageInput{
				{Date: day, SiteID: "at_w_atorf", Metric: sourceapi.MetricVisits, Now: baseTime},
				{Date: day, SiteID: "at_w_atorf", Metric: sourceapi.MetricVisits, Now: baseTime.Add(13 * time.Hour)},
			},
			wantPublished: 2,
		},
		{
			name: "enforces_per_site_per_minute_limit",
			inputs: []MessageInput{
				{Date: day, SiteID: "at_w_atorf", Metric: sourceapi.MetricPageImpressions, Now: baseTime},
				{Date: day, SiteID: "at_w_atorf", Metric: sourceapi.MetricVisits, Now: baseTime.Add(10 * time.Second)},
				{Date: day, SiteID: "at_w_atorf", Metric: sourceapi.MetricClients, Now: baseTime.Add(20 * time.Second)},
				{Date: day, SiteID: "at_w_atorf", Metric: sourceapi.MetricDevices, Now: baseTime.Add(70 * time.Second)},
			},
			wantPublished:      3,
			wantDroppedByLimit: 1,
		},
		{
			name: "limit_isolated_per_site",
			inputs: []MessageInput{
				{Date: day, SiteID: "at_w_atorf", Metric: sourceapi.MetricPageImpressions, Now: baseTime},
				{Date: day, SiteID: "at_i_orfios", Metric: sourceapi.MetricPageImpressions, Now: baseTime},
				{Date: day, SiteID: "at_i_orfios", Metric: sourceapi.MetricVisits, Now: baseTime},
			},
			wantPublished: 3,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			queue := &fakeQueue{}
			dispatcher := NewDispatcher(config, queue, newFakeDeduper())

			dedup, droppedByLimit := 0, 0
			for _, input := range tc.inputs {
				result := dispatcher.EnqueueFailure(input)
				if result.DedupSuppressed {
					dedup++
				}
				if result.DroppedByRateLimit {
					droppedByLimit++
				}
			}

			if len(queue.messages) != tc.wantPublished {
				t.Fatalf("published = %d, want %d", len(queue.messages), tc.wantPublished)
			}
			if dedup != tc.wantDedup {
				t.Fatalf("dedup = %d, want %d", dedup, tc.wantDedup)
			}
			if droppedByLimit != tc.wantDroppedByLimit {
				t.Fatalf("droppedByLimit = %d, want %d", droppedByLimit, tc.wantDroppedByLimit)
			}
		})
	}
}

func TestDispatcherMessageShape(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	dispatcher := NewDispatcher(Config{DedupTTL: time.Hour}, queue, store.NewMemoryLocker())
	now := time.Unix(1739836800, 0).UTC()

	result := dispatcher.EnqueueFailure(MessageInput{
		Date:   time.Date(2025, time.February, 17, 15, 30, 0, 0, time.UTC),
		SiteID: "at_w_atorf",
		Metric: sourceapi.MetricPageImpressions,
		Reason: sourceapi.KindExhausted,
		Now:    now,
	})
	if !result.Published || result.Outcome() != "published" {
		t.Fatalf("EnqueueFailure() = %+v, want published", result)
	}

	msg := queue.messages[0]
	if _, err := uuid.Parse(msg.JobID); err != nil {
		t.Fatalf("JobID = %q, want uuid: %v", msg.JobID, err)
	}
	if msg.DedupKey != "at_w_atorf:pageimpressions:2025-02-17" {
		t.Fatalf("DedupKey = %q", msg.DedupKey)
	}
	if msg.Attempt != 1 || msg.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("Attempt/MaxAttempts = %d/%d, want 1/%d", msg.Attempt, msg.MaxAttempts, defaultMaxAttempts)
	}
	if !msg.Date.Equal(time.Date(2025, time.February, 17, 0, 0, 0, 0, time.UTC)) || !msg.CreatedAt.Equal(now) {
		t.Fatalf("Date/CreatedAt = %s/%s", msg.Date, msg.CreatedAt)
	}

	again := dispatcher.EnqueueFailure(MessageInput{
		Date:   msg.Date,
		SiteID: "at_w_atorf",
		Metric: sourceapi.MetricPageImpressions,
		Now:    now.Add(time.Minute),
	})
	if again.Outcome() != "deduplicated" {
		t.Fatalf("second EnqueueFailure() = %q, want deduplicated", again.Outcome())
	}
}

func TestDispatcherErrors(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0).UTC()
	dispatcher := NewDispatcher(Config{}, &fakeQueue{err: errors.New("queue buffer full")}, newFakeDeduper())

	invalid := dispatcher.EnqueueFailure(MessageInput{SiteID: "at_w_atorf", Now: now})
	if invalid.Err == nil || invalid.Published {
		t.Fatalf("EnqueueFailure() without metric/date = %+v, want error", invalid)
	}

	failed := dispatcher.EnqueueFailure(MessageInput{
		Date:   now,
		SiteID: "at_w_atorf",
		Metric: sourceapi.MetricVisits,
		Now:    now,
	})
	if failed.Err == nil || failed.Outcome() != "publish_failed" {
		t.Fatalf("EnqueueFailure() = %+v, want publish_failed", failed)
	}
}

func TestShouldDropMessageByAge(t *testing.T) {
	t.Parallel()

	baseTime := time.Unix(1739836800, 0)
	maxAge := 24 * time.Hour

	testCases := []struct {
		name   string
		msg    Message
		now    time.Time
		maxAge time.Duration
		want   bool
	}{
		{name: "within_age_limit", msg: Message{CreatedAt: baseTime}, now: baseTime.Add(23 * time.Hour), maxAge: maxAge},
		{name: "exactly_at_limit_is_not_dropped", msg: Message{CreatedAt: baseTime}, now: baseTime.Add(24 * time.Hour), maxAge: maxAge},
		{name: "older_than_limit_is_dropped", msg: Message{CreatedAt: baseTime}, now: baseTime.Add(24*time.Hour + time.Second), maxAge: maxAge, want: true},
		{name: "zero_max_age_keeps_everything", msg: Message{CreatedAt: baseTime}, now: baseTime.Add(1000 * time.Hour)},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ShouldDropMessageByAge(tc.msg, tc.now, tc.maxAge)
			if got != tc.want {
				t.Fatalf("ShouldDropMessageByAge() = %t, want %t", got, tc.want)
			}
		})
	}
}
