package backfill

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/google/uuid"
)

const defaultMaxAttempts = 4

// QueuePublisher publishes backfill jobs.
type QueuePublisher interface {
	Publish(msg Message) error
}

// Deduper acquires dedup locks for messages.
type Deduper interface {
	Acquire(key string, ttl time.Duration, now time.Time) bool
}

// Config controls dispatcher behavior.
type Config struct {
	DedupTTL                    time.Duration
	MaxEnqueuesPerSitePerMinute int
	// MaxAttempts is stamped on each message; the queue drops it once reached.
	MaxAttempts int
}

// Message is a backfill queue payload for one failed site, metric, and date.
type Message struct {
	JobID       string           `json:"job_id"`
	DedupKey    string           `json:"dedup_key"`
	Date        time.Time        `json:"date"`
	SiteID      string           `json:"site_id"`
	Metric      sourceapi.Metric `json:"metric"`
	Reason      string           `json:"reason"`
	Attempt     int              `json:"attempt"`
	MaxAttempts int              `json:"max_attempts"`
	CreatedAt   time.Time        `json:"created_at"`
}

// MessageInput is the enqueue input for a failed pair.
type MessageInput struct {
	Date   time.Time
	SiteID string
	Metric sourceapi.Metric
	Reason string
	Now    time.Time
}

// EnqueueResult contains enqueue outcomes for observability.
type EnqueueResult struct {
	Published          bool
	DedupSuppressed    bool
	DroppedByRateLimit bool
	Err                error
}

// Outcome names the result for metrics labels.
func (r EnqueueResult) Outcome() string {
	switch {
	case r.Published:
		return "published"
	case r.DedupSuppressed:
		return "deduplicated"
	case r.DroppedByRateLimit:
		return "rate_limited"
	default:
		return "publish_failed"
	}
}

// Dispatcher deduplicates and rate-limits backfill enqueueing.
type Dispatcher struct {
	mu            sync.Mutex
	config        Config
	queue         QueuePublisher
	deduper       Deduper
	perSiteMinute map[string]int
	lastMinute    int64

	newID func() string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config Config, queue QueuePublisher, deduper Deduper) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		config:        config,
		queue:         queue,
		deduper:       deduper,
		perSiteMinute: make(map[string]int),
		newID:         uuid.NewString,
	}
}

// DedupKey returns the site:metric:date key used to suppress duplicate jobs.
func DedupKey(siteID string, metric sourceapi.Metric, date time.Time) string {
	return fmt.Sprintf("%s:%s:%s", strings.TrimSpace(siteID), metric, calendar.Format(date))
}

// EnqueueFailure enqueues a retry for a failed pair unless it is deduplicated or rate-limited.
func (d *Dispatcher) EnqueueFailure(input MessageInput) EnqueueResult {
	if input.SiteID == "" || input.Metric == "" || input.Date.IsZero() {
		return EnqueueResult{Err: fmt.Errorf("site, metric, and date are required")}
	}
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}

	dedupKey := DedupKey(input.SiteID, input.Metric, input.Date)
	if d.deduper != nil && !d.deduper.Acquire(dedupKey, d.config.DedupTTL, now) {
		return EnqueueResult{DedupSuppressed: true}
	}

	minute := now.Unix() / 60
	minuteKey := fmt.Sprintf("%s:%d", input.SiteID, minute)
	d.mu.Lock()
	if minute != d.lastMinute {
		clear(d.perSiteMinute)
		d.lastMinute = minute
	}
	count := d.perSiteMinute[minuteKey]
	if d.config.MaxEnqueuesPerSitePerMinute > 0 && count >= d.config.MaxEnqueuesPerSitePerMinute {
		d.mu.Unlock()
		return EnqueueResult{DroppedByRateLimit: true}
	}
	d.perSiteMinute[minuteKey] = count + 1
	d.mu.Unlock()

	msg := Message{
		JobID:       d.newID(),
		DedupKey:    dedupKey,
		Date:        calendar.Day(input.Date),
		SiteID:      input.SiteID,
		Metric:      input.Metric,
		Reason:      input.Reason,
		Attempt:     1,
		MaxAttempts: d.config.MaxAttempts,
		CreatedAt:   now,
	}
	if err := d.queue.Publish(msg); err != nil {
		return EnqueueResult{Err: fmt.Errorf("publish backfill job: %w", err)}
	}
	return EnqueueResult{Published: true}
}

// ShouldDropMessageByAge returns true when a message exceeds max age.
func ShouldDropMessageByAge(msg Message, now time.Time, maxAge time.Duration) bool {
	if msg.CreatedAt.IsZero() || maxAge <= 0 {
		return false
	}
	return now.Sub(msg.CreatedAt) > maxAge
}
