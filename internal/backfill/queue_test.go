package backfill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 4, Delays: []time.Duration{time.Minute, 5 * time.Minute}}

	testCases := []struct {
		name      string
		policy    RetryPolicy
		attempt   int
		wantDelay time.Duration
		wantRetry bool
	}{
		{name: "first_attempt", policy: policy, attempt: 1, wantDelay: time.Minute, wantRetry: true},
		{name: "clamps_below_one", policy: policy, attempt: 0, wantDelay: time.Minute, wantRetry: true},
		{name: "reuses_last_delay", policy: policy, attempt: 3, wantDelay: 5 * time.Minute, wantRetry: true},
		{name: "max_attempts_reached", policy: policy, attempt: 4},
		{name: "no_delays_never_retries", policy: RetryPolicy{MaxAttempts: 4}, attempt: 1},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			delay, retry := tc.policy.NextDelay(tc.attempt)
			if delay != tc.wantDelay || retry != tc.wantRetry {
				t.Fatalf("NextDelay(%d) = %s, %t; want %s, %t", tc.attempt, delay, retry, tc.wantDelay, tc.wantRetry)
			}
		})
	}
}

func TestInMemoryQueuePublishConsume(t *testing.T) {
	t.Parallel()

	queue := NewInMemoryQueue(10, RetryPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int32
	done := make(chan struct{})

	go func() {
		queue.Consume(ctx, func(_ context.Context, msg Message) error {
			if msg.SiteID == "at_w_atorf" {
				atomic.AddInt32(&processed, 1)
				close(done)
			}
			return nil
		}, 24*time.Hour, time.Now)
	}()

	err := queue.Publish(Message{
		SiteID:    "at_w_atorf",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message processing")
	}

	if atomic.LoadInt32(&processed) != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}
}

func TestInMemoryQueueRequeuesUntilExhausted(t *testing.T) {
	t.Parallel()

	queue := NewInMemoryQueue(10, RetryPolicy{MaxAttempts: 5, Delays: []time.Duration{time.Minute, 5 * time.Minute}})
	var mu sync.Mutex
	var slept []time.Duration
	queue.Sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		queue.Consume(ctx, func(_ context.Context, msg Message) error {
			mu.Lock()
			attempts = append(attempts, msg.Attempt)
			n := len(attempts)
			mu.Unlock()
			if n == 3 {
				defer cancel()
			}
			return errors.New("upstream still failing")
		}, 0, time.Now)
	}()

	if err := queue.Publish(Message{SiteID: "at_w_atorf", Attempt: 1, MaxAttempts: 3}); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for retries")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("attempts = %v, want [1 2 3]", attempts)
	}
	if len(slept) != 2 || slept[0] != time.Minute || slept[1] != 5*time.Minute {
		t.Fatalf("slept = %v, want [1m 5m]", slept)
	}
	stats := queue.Stats()
	if stats.Requeued != 2 || stats.Exhausted != 1 || stats.Processed != 0 {
		t.Fatalf("Stats() = %+v, want 2 requeued and 1 exhausted", stats)
	}
	if queue.Depth() != 0 {
		t.Fatalf("Depth() = %d, want 0", queue.Depth())
	}
}

func TestInMemoryQueueDropsExpiredMessages(t *testing.T) {
	t.Parallel()

	queue := NewInMemoryQueue(10, RetryPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Unix(1739836800, 0)
	err := queue.Publish(Message{
		SiteID:    "at_w_atorf",
		CreatedAt: now.Add(-25 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	var processed int32
	done := make(chan struct{})
	go func() {
		queue.Consume(ctx, func(_ context.Context, _ Message) error {
			atomic.AddInt32(&processed, 1)
			return nil
		}, 24*time.Hour, func() time.Time { return now })
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if atomic.LoadInt32(&processed) != 0 {
		t.Fatalf("processed = %d, want 0", processed)
	}
	if queue.Stats().Expired != 1 {
		t.Fatalf("Stats().Expired = %d, want 1", queue.Stats().Expired)
	}
}

func TestInMemoryQueuePublishFull(t *testing.T) {
	t.Parallel()

	queue := NewInMemoryQueue(1, RetryPolicy{})
	if err := queue.Publish(Message{SiteID: "a"}); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}
	if err := queue.Publish(Message{SiteID: "b"}); err == nil {
		t.Fatalf("Publish() on full buffer expected error")
	}
}
