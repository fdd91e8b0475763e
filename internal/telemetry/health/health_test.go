package health

import (
	"context"
	"testing"
	"time"

	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/riptide-run/riptide/internal/pool"
	"github.com/riptide-run/riptide/internal/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateRollsUpWorstStatus(t *testing.T) {
	e := NewEvaluator(time.Minute,
		ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("a") }),
		ProbeFunc(func(ctx context.Context) ProbeResult { return Degraded("b", "slow") }),
		ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("c") }),
	)
	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusDegraded, snap.Overall)
	assert.Len(t, snap.Probes, 3)
}

func TestEvaluateUnhealthyDominatesDegraded(t *testing.T) {
	e := NewEvaluator(time.Minute,
		ProbeFunc(func(ctx context.Context) ProbeResult { return Degraded("a", "slow") }),
		ProbeFunc(func(ctx context.Context) ProbeResult { return Unhealthy("b", "down") }),
	)
	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusUnhealthy, snap.Overall)
}

func TestEvaluateCachesWithinTTL(t *testing.T) {
	calls := 0
	e := NewEvaluator(time.Minute, ProbeFunc(func(ctx context.Context) ProbeResult {
		calls++
		return Healthy("a")
	}))
	e.Evaluate(context.Background())
	e.Evaluate(context.Background())
	assert.Equal(t, 1, calls, "second evaluation within TTL must be served from cache")

	e.ForceInvalidate()
	e.Evaluate(context.Background())
	assert.Equal(t, 2, calls)
}

func TestEvaluateNoProbesIsUnknown(t *testing.T) {
	e := NewEvaluator(time.Minute)
	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusUnknown, snap.Overall)
}

func TestBreakerProbeMapsStates(t *testing.T) {
	b := circuit.New(circuit.Config{FailureThreshold: 1, OpenCooldown: time.Minute, HalfOpenMaxInFlight: 1}, nil)
	probe := BreakerProbe(b)

	r := probe.Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)

	b.OnFailure()
	r = probe.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
}

func TestPoolProbeStartsHealthy(t *testing.T) {
	p := pool.New(pool.DefaultConfig(), nil, nil)
	r := PoolProbe(p).Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, "pool", r.Name)
}

func TestMemoryProbeReportsPressure(t *testing.T) {
	cfg := resources.DefaultResourceManagerConfig()
	cfg.MemoryLimitMB = 10
	cfg.PressureThreshold = 0.5
	rm := resources.NewResourceManager(cfg, nil, nil)

	r := MemoryProbe(rm).Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)

	rm.TrackAllocation(8)
	r = MemoryProbe(rm).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
}

func TestBrowserProbeReportsSaturation(t *testing.T) {
	cfg := resources.DefaultResourceManagerConfig()
	cfg.BrowserPoolMax = 1
	rm := resources.NewResourceManager(cfg, nil, nil)

	r := BrowserProbe(rm).Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)

	release, err := rm.Acquire(context.Background(), resources.ResourceBrowser, 0)
	require.NoError(t, err)
	defer release()

	r = BrowserProbe(rm).Check(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
}

func TestNilProbeTargetsAreUnknown(t *testing.T) {
	assert.Equal(t, StatusUnknown, PoolProbe(nil).Check(context.Background()).Status)
	assert.Equal(t, StatusUnknown, MemoryProbe(nil).Check(context.Background()).Status)
	assert.Equal(t, StatusUnknown, BrowserProbe(nil).Check(context.Background()).Status)
	assert.Equal(t, StatusUnknown, BreakerProbe(nil).Check(context.Background()).Status)
}
