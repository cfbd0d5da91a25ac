package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = c.now
	return b, c
}

var errDown = errors.New("gateway down")

func TestTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("relay")
	b.RecordFailure("relay")
	assert.True(t, b.Allow("relay"))

	b.RecordFailure("relay")
	assert.False(t, b.Allow("relay"))
	assert.Equal(t, StateOpen, b.State("relay"))
	assert.Equal(t, StateClosed, b.State("email"), "keys are independent")
}

func TestSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("relay")
	b.RecordFailure("relay")
	b.RecordSuccess("relay")
	b.RecordFailure("relay")
	b.RecordFailure("relay")
	assert.Equal(t, StateClosed, b.State("relay"))
}

func TestHalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(2, time.Minute)
	b.RecordFailure("relay")
	b.RecordFailure("relay")
	require.False(t, b.Allow("relay"))

	c.advance(time.Minute)
	assert.True(t, b.Allow("relay"), "one probe after cool-down")
	assert.Equal(t, StateHalfOpen, b.State("relay"))
	assert.False(t, b.Allow("relay"), "second caller waits for the probe")

	b.RecordSuccess("relay")
	assert.Equal(t, StateClosed, b.State("relay"))
	assert.True(t, b.Allow("relay"))
}

func TestFailedProbeReopens(t *testing.T) {
	b, c := newTestBreaker(2, time.Minute)
	b.RecordFailure("relay")
	b.RecordFailure("relay")
	c.advance(time.Minute)
	require.True(t, b.Allow("relay"))

	b.RecordFailure("relay")
	assert.Equal(t, StateOpen, b.State("relay"))
	assert.False(t, b.Allow("relay"))
}

func TestDo(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	fail := func(context.Context) error { return errDown }

	assert.ErrorIs(t, b.Do(ctx, "relay", fail), errDown)
	assert.ErrorIs(t, b.Do(ctx, "relay", fail), errDown)

	calls := 0
	err := b.Do(ctx, "relay", func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls)
}

func TestDoIgnoresCancellation(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, "relay", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State("relay"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestConcurrentAccess(t *testing.T) {
	b, _ := newTestBreaker(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure("relay")
			} else {
				b.RecordSuccess("relay")
			}
			b.Allow("relay")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("relay"))
}
