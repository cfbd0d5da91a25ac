// Package syncutil provides in-process locking keyed by string.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes callers per key. Waiters can give up when their
// context is cancelled. Entries are reference counted and dropped once no
// caller holds or waits on them, so memory is bounded by concurrency.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	token chan struct{}
	refs  int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext blocks until key is free or ctx is done. On success the
// returned func releases the key; calling it more than once is harmless.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case <-l.token:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.token <- struct{}{}
				m.releaseRef(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{token: make(chan struct{}, 1)}
		l.token <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 && m.locks[key] == l {
		delete(m.locks, key)
	}
}
