package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		counter int
	)
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "ses_1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, n, counter)
	assert.Zero(t, m.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.LockContext(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := m.LockContext(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestKeyedMutexContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, m.Len())

	unlock2, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutexDoubleUnlock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	assert.Zero(t, m.Len())
}
