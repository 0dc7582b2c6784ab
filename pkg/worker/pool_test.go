package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-guard/exportgate/errors"
)

// dispatchItem is the work unit the tests push through the pool, shaped
// like an alarm waiting for fan-out.
type dispatchItem struct {
	point string
	hold  time.Duration
	fail  bool
}

func deliver(_ context.Context, item dispatchItem) error {
	time.Sleep(item.hold)
	if item.fail {
		return errors.New("delivery refused")
	}
	return nil
}

func TestNewPoolDefaults(t *testing.T) {
	noop := func(context.Context, dispatchItem) error { return nil }

	pool := NewPool(5, 100, noop)
	assert.Equal(t, 5, pool.Stats().Workers)
	assert.Equal(t, 100, pool.Stats().QueueSize)

	// Zero or negative sizing falls back to the defaults.
	pool = NewPool(0, 0, noop)
	assert.Equal(t, 4, pool.Stats().Workers)
	assert.Equal(t, 1000, pool.Stats().QueueSize)
}

func TestNewPoolNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[dispatchItem](5, 100, nil)
	})
}

func TestPoolLifecycle(t *testing.T) {
	pool := NewPool(2, 10, deliver)

	require.ErrorIs(t, pool.Submit(dispatchItem{point: "early"}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	require.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(dispatchItem{point: "Sensor.Temp.01"}))
	}
	require.Eventually(t, func() bool {
		return pool.Stats().Processed == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Stop(5*time.Second))
	require.ErrorIs(t, pool.Submit(dispatchItem{point: "late"}), ErrPoolStopped)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	pool := NewPool(1, 2, deliver)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)

	// One worker held on a slow delivery, a two-slot queue: a burst larger
	// than the buffer has to shed the overflow instead of blocking.
	submitted, dropped := 0, 0
	for i := 0; i < 6; i++ {
		err := pool.Submit(dispatchItem{point: "Sensor.Temp.01", hold: 200 * time.Millisecond})
		if err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			dropped++
			continue
		}
		submitted++
	}

	assert.NotZero(t, submitted)
	assert.NotZero(t, dropped)
	assert.Equal(t, int64(dropped), pool.Stats().Dropped)
	assert.Equal(t, int64(submitted), pool.Stats().Submitted)
}

func TestPoolCountsProcessorFailures(t *testing.T) {
	pool := NewPool(2, 20, deliver)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(dispatchItem{point: "Sensor.Temp.01", fail: i%2 == 0}))
	}

	require.Eventually(t, func() bool {
		return pool.Stats().Processed == 10
	}, 2*time.Second, 10*time.Millisecond)

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed, "failures still count as processed")
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPoolContextCancelStopsWorkers(t *testing.T) {
	pool := NewPool(2, 10, deliver)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(dispatchItem{point: "Sensor.Temp.01", hold: 20 * time.Millisecond}))
	}
	cancel()

	// Cancellation is the hard-stop path: workers exit without draining,
	// so Stop comes back well inside the timeout.
	require.NoError(t, pool.Stop(2*time.Second))
	assert.LessOrEqual(t, pool.Stats().Processed, int64(5))
}

func TestPoolStopTimeout(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ dispatchItem) error {
		<-block
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(dispatchItem{point: "Sensor.Temp.01"}))

	require.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrStopTimeout)
	close(block)
}

func TestPoolConcurrentSubmit(t *testing.T) {
	pool := NewPool(5, 200, deliver)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)

	const submitters, perSubmitter = 10, 10
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				assert.NoError(t, pool.Submit(dispatchItem{point: "Sensor.Temp.01"}))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return pool.Stats().Processed == submitters*perSubmitter
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(submitters*perSubmitter), pool.Stats().Submitted)
}
