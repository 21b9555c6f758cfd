package limiter

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docconvert/internal/apperr"
)

func TestAllowRespectsCapacity(t *testing.T) {
	a := New(2, 0)
	r1, ok := a.Allow()
	require.True(t, ok)
	r2, ok := a.Allow()
	require.True(t, ok)
	_, ok = a.Allow()
	assert.False(t, ok)
	assert.Equal(t, 2, a.InFlight())

	r1()
	r1()
	assert.Equal(t, 1, a.InFlight(), "double release frees one slot only")
	r2()
	assert.Equal(t, 0, a.InFlight())
}

func TestAcquireRejectsWhenFullWithoutWait(t *testing.T) {
	a := New(1, 0)
	release, err := a.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = a.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBusy))
	assert.Equal(t, http.StatusServiceUnavailable, apperr.HTTPStatus(err))
}

func TestAcquireWaitsForSlot(t *testing.T) {
	a := New(1, time.Second)
	release, err := a.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		release()
	}()
	r2, err := a.Acquire(context.Background())
	require.NoError(t, err)
	r2()
}

func TestAcquireWaitExpires(t *testing.T) {
	a := New(1, 30*time.Millisecond)
	release, err := a.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = a.Acquire(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindBusy))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAcquireHonoursContext(t *testing.T) {
	a := New(1, time.Minute)
	release, err := a.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrencyNeverExceedsCapacity(t *testing.T) {
	a := New(3, time.Second)
	var cur, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := a.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, 3, a.Capacity())
}
