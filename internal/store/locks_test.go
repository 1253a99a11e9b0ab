package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLockers(t *testing.T) map[string]Locker {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	redisLocker := NewRedisLocker(client, RedisLockerConfig{Namespace: "test"})
	t.Cleanup(func() { _ = redisLocker.Close() })

	return map[string]Locker{
		"memory": NewMemoryLocker(),
		"redis":  redisLocker,
	}
}

func TestLockerAcquireJobLock(t *testing.T) {
	t.Parallel()

	for name, locker := range newLockers(t) {
		locker := locker
		t.Run(name, func(t *testing.T) {
			if !locker.AcquireJobLock("daily:2025-02-17", 10*time.Minute, fixedNow) {
				t.Fatalf("AcquireJobLock() first call = false, want true")
			}
			if locker.AcquireJobLock("daily:2025-02-17", 10*time.Minute, fixedNow.Add(time.Minute)) {
				t.Fatalf("AcquireJobLock() second call = true, want false")
			}
			locker.ReleaseJobLock("daily:2025-02-17")
			if !locker.AcquireJobLock("daily:2025-02-17", 10*time.Minute, fixedNow.Add(2*time.Minute)) {
				t.Fatalf("AcquireJobLock() after release = false, want true")
			}
			if !locker.Acquire("daily:2025-02-17", time.Minute, fixedNow) {
				t.Fatalf("Acquire() shares a namespace with job locks")
			}
			if locker.Acquire("daily:2025-02-17", time.Minute, fixedNow) {
				t.Fatalf("Acquire() second call = true, want false")
			}
			if err := locker.Healthy(context.Background()); err != nil {
				t.Fatalf("Healthy() unexpected error: %v", err)
			}
		})
	}
}

func TestMemoryLockerExpiryAndGC(t *testing.T) {
	t.Parallel()

	locker := NewMemoryLocker()
	if !locker.Acquire("site:visits:2025-02-17", time.Minute, fixedNow) {
		t.Fatalf("Acquire() = false, want true")
	}
	if !locker.Acquire("site:visits:2025-02-17", time.Minute, fixedNow.Add(time.Minute)) {
		t.Fatalf("Acquire() after expiry = false, want true")
	}
	locker.GC(fixedNow.Add(time.Hour))
	if len(locker.dedupLocks) != 0 {
		t.Fatalf("GC() left %d locks", len(locker.dedupLocks))
	}
}

func TestRedisLockerExpiresWithTTL(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	locker := NewRedisLocker(redis.NewClient(&redis.Options{Addr: server.Addr()}), RedisLockerConfig{})
	t.Cleanup(func() { _ = locker.Close() })

	if !locker.Acquire("k", time.Minute, fixedNow) {
		t.Fatalf("Acquire() = false, want true")
	}
	if !server.Exists("reach-monitor:lock:dedup:k") {
		t.Fatalf("lock key missing from redis")
	}
	server.FastForward(2 * time.Minute)
	if !locker.Acquire("k", time.Minute, fixedNow) {
		t.Fatalf("Acquire() after ttl = false, want true")
	}
	if !locker.Acquire("zero-ttl", 0, fixedNow) || !locker.Acquire("zero-ttl", 0, fixedNow) {
		t.Fatalf("Acquire() with zero ttl must always succeed")
	}
}

func TestRedisLockerUnavailable(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	locker := NewRedisLocker(redis.NewClient(&redis.Options{Addr: server.Addr()}), RedisLockerConfig{Timeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = locker.Close() })
	server.Close()

	if locker.Acquire("k", time.Minute, fixedNow) {
		t.Fatalf("Acquire() with redis down = true, want false")
	}
	if err := locker.Healthy(context.Background()); err == nil {
		t.Fatalf("Healthy() with redis down expected error")
	}

	var nilLocker *RedisLocker
	if nilLocker.Acquire("k", time.Minute, fixedNow) {
		t.Fatalf("nil locker Acquire() = true, want false")
	}
}
