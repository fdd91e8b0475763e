package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ ms int64 }

func (c *testClock) NowMs() int64 { return c.ms }

type alwaysAdmit struct{ released int }

func (a *alwaysAdmit) AdmitInstance() (func(), bool) {
	return func() { a.released++ }, true
}

type neverAdmit struct{}

func (neverAdmit) AdmitInstance() (func(), bool) { return nil, false }

func TestAcquireCreatesSingleInstancePerWorker(t *testing.T) {
	p := New(DefaultConfig(), nil, &alwaysAdmit{})
	ctx := context.Background()

	g1, err := p.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	g1.Release()

	g2, err := p.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	g2.Release()

	assert.Equal(t, 1, p.InstanceCount())
	stats, ok := p.Stats("worker-1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), stats.OperationsCount)
}

func TestAcquireMultipleWorkersTrackedSeparately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 4
	p := New(cfg, nil, &alwaysAdmit{})
	ctx := context.Background()

	for _, w := range []string{"w1", "w2", "w3"} {
		g, err := p.Acquire(ctx, w)
		require.NoError(t, err)
		g.Release()
	}
	assert.Equal(t, 3, p.InstanceCount())
}

func TestAcquireRejectedWhenCircuitOpen(t *testing.T) {
	clk := &testClock{}
	b := circuit.New(circuit.Config{FailureThreshold: 1, OpenCooldown: time.Minute, HalfOpenMaxInFlight: 1}, clk)
	p := New(DefaultConfig(), b, &alwaysAdmit{})

	b.OnFailure() // trips open after threshold=1
	_, err := p.Acquire(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestAcquireSaturatesAtMaxPoolSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	p := New(cfg, nil, &alwaysAdmit{})

	g1, err := p.Acquire(context.Background(), "w1")
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "w2")
	assert.ErrorIs(t, err, ErrSaturated)

	g1.Release()
	g2, err := p.Acquire(context.Background(), "w2")
	require.NoError(t, err)
	g2.Release()
}

func TestAcquireDeniedByAdmission(t *testing.T) {
	p := New(DefaultConfig(), nil, neverAdmit{})
	_, err := p.Acquire(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrAdmission)
}

func TestGuardRunSuccessRecordsSuccess(t *testing.T) {
	p := New(DefaultConfig(), nil, &alwaysAdmit{})
	g, err := p.Acquire(context.Background(), "w1")
	require.NoError(t, err)
	defer g.Release()

	err = g.Run(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	stats, _ := p.Stats("w1")
	assert.True(t, stats.IsHealthy)
}

func TestGuardRunEpochTimeoutAdvancesEpochAndMarksUnhealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EpochDeadline = 10 * time.Millisecond
	p := New(cfg, nil, &alwaysAdmit{})
	g, err := p.Acquire(context.Background(), "w1")
	require.NoError(t, err)
	defer g.Release()

	before := p.Epoch()
	err = g.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrEpochTimeout)
	assert.Greater(t, p.Epoch(), before)

	stats, _ := p.Stats("w1")
	assert.False(t, stats.IsHealthy)
}

func TestGuardRunFailurePropagatesError(t *testing.T) {
	p := New(DefaultConfig(), nil, &alwaysAdmit{})
	g, err := p.Acquire(context.Background(), "w1")
	require.NoError(t, err)
	defer g.Release()

	wantErr := errors.New("boom")
	err = g.Run(context.Background(), func(ctx context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestNeedsCleanupAndCleanupStaleInstances(t *testing.T) {
	p := New(DefaultConfig(), nil, &alwaysAdmit{})
	g, err := p.Acquire(context.Background(), "w1")
	require.NoError(t, err)
	g.Release()

	assert.False(t, p.NeedsCleanup())

	cleaned := p.CleanupStaleInstances(0)
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 0, p.InstanceCount())
}

func TestCleanupKeepsInitialPoolSizeFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialPoolSize = 2
	cfg.MaxPoolSize = 4
	p := New(cfg, nil, &alwaysAdmit{})

	for _, w := range []string{"w1", "w2", "w3"} {
		g, err := p.Acquire(context.Background(), w)
		require.NoError(t, err)
		g.Release()
	}

	cleaned := p.CleanupStaleInstances(0)
	assert.Equal(t, 1, cleaned, "cleanup should stop at the retention floor")
	assert.Equal(t, 2, p.InstanceCount())
}

func TestComputeHealthDegradesWithFailures(t *testing.T) {
	p := New(DefaultConfig(), nil, &alwaysAdmit{})
	for i := 0; i < 10; i++ {
		g, err := p.Acquire(context.Background(), "w1")
		require.NoError(t, err)
		_ = g.Run(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
		g.Release()
	}
	h := p.computeHealth()
	assert.NotEqual(t, HealthHealthy, h)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(DefaultConfig(), nil, &alwaysAdmit{})
	g, err := p.Acquire(context.Background(), "w1")
	require.NoError(t, err)
	g.Release()
	assert.NotPanics(t, func() { g.Release() })
}

func TestSharedWorkerIDNeverRunsConcurrently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 8
	cfg.AcquireTimeout = 5 * time.Second
	p := New(cfg, nil, &alwaysAdmit{})

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := p.Acquire(context.Background(), "shared-worker")
			if err != nil {
				return
			}
			defer g.Release()
			_ = g.Run(context.Background(), func(ctx context.Context) error {
				cur := inFlight.Add(1)
				for {
					max := maxInFlight.Load()
					if cur <= max || maxInFlight.CompareAndSwap(max, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load(), "two guards for one workerID must never run concurrently")
	assert.Equal(t, 1, p.InstanceCount())
}

func TestConcurrentAcquireReleaseDoesNotRace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 4
	p := New(cfg, nil, &alwaysAdmit{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g, err := p.Acquire(context.Background(), "shared-worker")
			if err != nil {
				return
			}
			defer g.Release()
			_ = g.Run(context.Background(), func(ctx context.Context) error { return nil })
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, p.InstanceCount())
}
