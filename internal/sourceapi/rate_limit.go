package sourceapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every caller of one client.
type Limiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewLimiter creates a token bucket refilling perSecond tokens up to burst.
// A non-positive rate disables limiting.
func NewLimiter(perSecond float64, burst int) *Limiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
}

// Wait blocks until a token is available or ctx ends, returning the time spent waiting.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	if l == nil || l.limiter == nil {
		return 0, nil
	}
	start := l.now()
	err := l.limiter.Wait(ctx)
	return l.now().Sub(start), err
}

// Limit reports the configured refill rate in tokens per second.
func (l *Limiter) Limit() float64 {
	if l == nil || l.limiter == nil {
		return 0
	}
	return float64(l.limiter.Limit())
}

// Burst reports the bucket size.
func (l *Limiter) Burst() int {
	if l == nil || l.limiter == nil {
		return 0
	}
	return l.limiter.Burst()
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(header http.Header, now time.Time) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(raw)
	if err != nil || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}
