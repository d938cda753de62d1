package wiki

import (
	"sync"
	"time"
)

// DefaultLockTTL bounds how long a crashed holder can keep a content hash
// locked. Chunked uploads to Commons finish well inside this window.
const DefaultLockTTL = 5 * time.Minute

type hashLockEntry struct {
	holder    string
	expiresAt time.Time
}

// HashLock is a named try-lock keyed by content SHA-1. Unlike a plain
// keyed mutex, acquisition never blocks: a second worker attempting the
// same hash gets a HashLockError immediately and leaves the decision to
// the retry driver. Entries expire after a TTL so a crashed holder cannot
// wedge a hash forever.
type HashLock struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[string]hashLockEntry
	now   func() time.Time
}

// NewHashLock creates a HashLock with the given TTL; ttl <= 0 uses
// DefaultLockTTL.
func NewHashLock(ttl time.Duration) *HashLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &HashLock{
		ttl:   ttl,
		locks: make(map[string]hashLockEntry),
		now:   time.Now,
	}
}

// TryAcquire takes the lock for sha1 on behalf of holder. It returns a
// release function on success and a HashLockError when the lock is held
// and not yet expired.
func (l *HashLock) TryAcquire(sha1, holder string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.locks[sha1]; ok && l.now().Before(entry.expiresAt) {
		return nil, HashLockError{SHA1: sha1}
	}
	l.locks[sha1] = hashLockEntry{holder: holder, expiresAt: l.now().Add(l.ttl)}

	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		// Only drop the entry if it is still ours; a TTL takeover may
		// have replaced it.
		if entry, ok := l.locks[sha1]; ok && entry.holder == holder {
			delete(l.locks, sha1)
		}
	}, nil
}

// Holder returns the current holder of the lock for sha1, if any.
func (l *HashLock) Holder(sha1 string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[sha1]
	if !ok || !l.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.holder, true
}
