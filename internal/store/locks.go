package store

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker keeps job and dedup locks in process memory.
type MemoryLocker struct {
	mu         sync.Mutex
	jobLocks   map[string]time.Time
	dedupLocks map[string]time.Time
}

// NewMemoryLocker creates an empty memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		jobLocks:   make(map[string]time.Time),
		dedupLocks: make(map[string]time.Time),
	}
}

// AcquireJobLock acquires an idempotency lock for a job id.
func (l *MemoryLocker) AcquireJobLock(jobID string, ttl time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return acquireLock(l.jobLocks, jobID, ttl, now)
}

// ReleaseJobLock drops a job lock before its TTL.
func (l *MemoryLocker) ReleaseJobLock(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobLocks, jobID)
}

// Acquire acquires a dedup lock for a key. It is an adapter for the backfill deduper interface.
func (l *MemoryLocker) Acquire(key string, ttl time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return acquireLock(l.dedupLocks, key, ttl, now)
}

// Healthy always succeeds.
func (l *MemoryLocker) Healthy(context.Context) error {
	return nil
}

// GC deletes expired locks.
func (l *MemoryLocker) GC(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	trimExpiredLocks(l.jobLocks, now)
	trimExpiredLocks(l.dedupLocks, now)
}

func acquireLock(lockMap map[string]time.Time, key string, ttl time.Duration, now time.Time) bool {
	expiry, exists := lockMap[key]
	if exists && now.Before(expiry) {
		return false
	}
	lockMap[key] = now.Add(ttl)
	return true
}

func trimExpiredLocks(lockMap map[string]time.Time, now time.Time) {
	for key, expiry := range lockMap {
		if !now.Before(expiry) {
			delete(lockMap, key)
		}
	}
}
