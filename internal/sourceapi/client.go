package sourceapi

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy describes bounded exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the fractional spread applied to each delay, in [0, 1].
	Jitter float64
}

// DefaultRetryPolicy returns three attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the wait before the attempt following the given failed attempt.
// rnd must return values in [0, 1); nil disables jitter.
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	jitter := math.Max(0, math.Min(1, p.Jitter))
	if jitter > 0 && rnd != nil {
		delay *= 1 - jitter + 2*jitter*rnd()
	}
	return time.Duration(delay)
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts      int
	LastStatus    int
	RateLimitWait time.Duration
}

// Stats is a snapshot of client-wide request counters.
type Stats struct {
	TotalRequests int64
	Errors        int64
	ErrorRate     float64
	RateLimitWait time.Duration
}

// Client wraps upstream HTTP requests with rate limiting and retries.
type Client struct {
	doer    HTTPDoer
	retry   RetryPolicy
	limiter *Limiter

	totalRequests atomic.Int64
	failures      atomic.Int64
	waitNanos     atomic.Int64

	// Sleep is injected for testability.
	Sleep func(ctx context.Context, duration time.Duration) error
	// Rand feeds retry jitter.
	Rand func() float64
	// Now is used to interpret Retry-After dates.
	Now func() time.Time
}

// NewClient creates a request client. A nil limiter disables rate limiting.
func NewClient(doer HTTPDoer, retry RetryPolicy, limiter *Limiter) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		doer:    doer,
		retry:   retry,
		limiter: limiter,
		Sleep:   sleepContext,
		Rand:    rand.Float64,
		Now:     time.Now,
	}
}

// Do executes a request under the retry policy, consulting the limiter before every attempt.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("reach-monitor/internal/sourceapi").Start(
			ctx,
			"sourceapi.client.do",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("source.max_attempts", c.retry.MaxAttempts),
			),
		)
		defer span.End()
	}

	metadata := CallMetadata{}
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		metadata.Attempts = attempt

		if c.limiter != nil {
			waited, err := c.limiter.Wait(ctx)
			metadata.RateLimitWait += waited
			c.waitNanos.Add(int64(waited))
			if err != nil {
				if span != nil {
					span.SetStatus(codes.Error, "rate limiter wait aborted")
				}
				return nil, metadata, fmt.Errorf("wait for rate limit: %w", err)
			}
		}

		c.totalRequests.Add(1)
		resp, err := c.doer.Do(req.Clone(ctx))
		if err != nil {
			c.failures.Add(1)
			lastErr = err
			if span != nil {
				span.RecordError(err)
				span.AddEvent("attempt_failed", trace.WithAttributes(
					attribute.Int("source.attempt", attempt),
				))
			}
			if ctx.Err() != nil {
				return nil, metadata, fmt.Errorf("request aborted: %w", ctx.Err())
			}
			if attempt == c.retry.MaxAttempts {
				break
			}
			if err := c.Sleep(ctx, c.retry.Delay(attempt, c.Rand)); err != nil {
				return nil, metadata, fmt.Errorf("backoff aborted: %w", err)
			}
			continue
		}

		metadata.LastStatus = resp.StatusCode
		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("source.attempt", attempt),
				attribute.Int("http.status_code", resp.StatusCode),
			))
		}
		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
			c.failures.Add(1)
		}

		if !isTransientStatus(resp.StatusCode) {
			if span != nil {
				span.SetStatus(codes.Ok, "request completed")
			}
			return resp, metadata, nil
		}

		lastErr = fmt.Errorf("transient status %d", resp.StatusCode)
		delay := c.retry.Delay(attempt, c.Rand)
		if retryAfter := ParseRetryAfter(resp.Header, c.now()); retryAfter > delay {
			delay = retryAfter
			if c.retry.MaxDelay > 0 && delay > c.retry.MaxDelay {
				delay = c.retry.MaxDelay
			}
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if attempt == c.retry.MaxAttempts {
			break
		}
		if err := c.Sleep(ctx, delay); err != nil {
			return nil, metadata, fmt.Errorf("backoff aborted: %w", err)
		}
	}

	if span != nil {
		span.SetStatus(codes.Error, "request attempts exhausted")
	}
	return nil, metadata, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, metadata.Attempts, lastErr)
}

// Stats returns request counters accumulated since construction.
func (c *Client) Stats() Stats {
	total := c.totalRequests.Load()
	failures := c.failures.Load()
	stats := Stats{
		TotalRequests: total,
		Errors:        failures,
		RateLimitWait: time.Duration(c.waitNanos.Load()),
	}
	if total > 0 {
		stats.ErrorRate = float64(failures) / float64(total)
	}
	return stats
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func isTransientStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
