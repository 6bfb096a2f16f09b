package core

import (
	"sync"
)

// recordLocks hands out one mutex per record key. Entries are reference
// counted and dropped once no goroutine holds or waits on them.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[string]*recordLock)}
}

// acquire locks keys in the order given and returns a function releasing
// them in reverse. Callers must pass keys in a global order (pool before
// ledgers) to avoid deadlock.
func (l *recordLocks) acquire(keys ...string) func() {
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		l.mu.Lock()
		entry, ok := l.locks[key]
		if !ok {
			entry = &recordLock{}
			l.locks[key] = entry
		}
		entry.refs++
		l.mu.Unlock()

		entry.mu.Lock()
		held = append(held, key)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}
}

func (l *recordLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[key]
	if !ok {
		return
	}
	entry.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *recordLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
