package backfill

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// RetryPolicy controls consumer requeue behavior.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// NextDelay returns the requeue delay after a failed attempt, or false once attempts are exhausted.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if len(p.Delays) == 0 {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}

	idx := attempt - 1
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx], true
}

// Handler processes one backfill message.
type Handler func(ctx context.Context, msg Message) error

// QueueStats counts terminal message outcomes.
type QueueStats struct {
	Processed int64
	Requeued  int64
	Expired   int64
	Exhausted int64
}

// InMemoryQueue is an in-process queue with delayed requeue.
type InMemoryQueue struct {
	ch    chan Message
	retry RetryPolicy

	processed atomic.Int64
	requeued  atomic.Int64
	expired   atomic.Int64
	exhausted atomic.Int64

	// Sleep is injected for testability.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewInMemoryQueue creates an in-memory queue.
func NewInMemoryQueue(buffer int, retry RetryPolicy) *InMemoryQueue {
	if buffer <= 0 {
		buffer = 1
	}
	return &InMemoryQueue{
		ch:    make(chan Message, buffer),
		retry: retry,
		Sleep: sleepContext,
	}
}

// Publish enqueues a message without blocking.
func (q *InMemoryQueue) Publish(msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	default:
		return fmt.Errorf("queue buffer full")
	}
}

// Consume processes messages until ctx ends. A failed message is requeued with
// Attempt+1 after the policy delay, and dropped once its attempts run out.
func (q *InMemoryQueue) Consume(
	ctx context.Context,
	handler Handler,
	maxMessageAge time.Duration,
	nowFn func() time.Time,
) {
	if handler == nil {
		return
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			if ShouldDropMessageByAge(msg, nowFn(), maxMessageAge) {
				q.expired.Add(1)
				continue
			}
			if msg.Attempt <= 0 {
				msg.Attempt = 1
			}

			err := handler(ctx, msg)
			if err == nil {
				q.processed.Add(1)
				continue
			}

			policy := q.retry
			if msg.MaxAttempts > 0 {
				policy.MaxAttempts = msg.MaxAttempts
			}
			delay, retry := policy.NextDelay(msg.Attempt)
			if !retry {
				q.exhausted.Add(1)
				continue
			}
			if err := q.Sleep(ctx, delay); err != nil {
				return
			}
			msg.Attempt++
			if err := q.Publish(msg); err != nil {
				q.exhausted.Add(1)
				continue
			}
			q.requeued.Add(1)
		}
	}
}

// Depth returns the number of queued messages.
func (q *InMemoryQueue) Depth() int {
	return len(q.ch)
}

// Stats returns outcome counters.
func (q *InMemoryQueue) Stats() QueueStats {
	return QueueStats{
		Processed: q.processed.Load(),
		Requeued:  q.requeued.Load(),
		Expired:   q.expired.Load(),
		Exhausted: q.exhausted.Load(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
