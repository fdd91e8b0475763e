package health

// RipTide's concrete probes: the Instance Pool, the Resource Manager's
// memory ledger, the browser checkout pool, and the Circuit Breaker. These
// are the four components GET /healthz reports on.

import (
	"context"
	"fmt"

	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/riptide-run/riptide/internal/pool"
	"github.com/riptide-run/riptide/internal/resources"
	"github.com/riptide-run/riptide/models"
)

// PoolProbe reports the Instance Pool's 4-level status and trend.
func PoolProbe(p *pool.Pool) Probe {
	return ProbeFunc(func(ctx context.Context) ProbeResult {
		if p == nil {
			return Unknown("pool", "no instance pool configured")
		}
		status, trend := p.Status()
		detail := fmt.Sprintf("trend=%s instances=%d", trend, p.InstanceCount())
		switch status {
		case pool.HealthHealthy:
			r := Healthy("pool")
			r.Detail = detail
			return r
		case pool.HealthDegraded:
			return Degraded("pool", detail)
		default:
			return Unhealthy("pool", fmt.Sprintf("status=%s %s", status, detail))
		}
	})
}

// MemoryProbe reports the Resource Manager's memory pressure and overall
// degradation score.
func MemoryProbe(rm *resources.ResourceManager) Probe {
	return ProbeFunc(func(ctx context.Context) ProbeResult {
		if rm == nil {
			return Unknown("memory", "no resource manager configured")
		}
		st := rm.Status()
		detail := fmt.Sprintf("usage_bytes=%d degradation=%.2f", st.MemoryUsageBytes, st.DegradationScore)
		switch {
		case st.MemoryPressure:
			return Unhealthy("memory", detail)
		case st.DegradationScore >= 0.5:
			return Degraded("memory", detail)
		default:
			r := Healthy("memory")
			r.Detail = detail
			return r
		}
	})
}

// BrowserProbe reports saturation of the headless browser checkout pool.
func BrowserProbe(rm *resources.ResourceManager) Probe {
	return ProbeFunc(func(ctx context.Context) ProbeResult {
		if rm == nil {
			return Unknown("browser", "no resource manager configured")
		}
		inUse, capacity := rm.BrowserCheckouts()
		detail := fmt.Sprintf("checkouts=%d/%d", inUse, capacity)
		if capacity > 0 && inUse >= capacity {
			return Degraded("browser", detail)
		}
		r := Healthy("browser")
		r.Detail = detail
		return r
	})
}

// BreakerProbe reports the Circuit Breaker state: Open is unhealthy,
// HalfOpen (probing recovery) is degraded.
func BreakerProbe(b *circuit.Breaker) Probe {
	return ProbeFunc(func(ctx context.Context) ProbeResult {
		if b == nil {
			return Unknown("breaker", "no circuit breaker configured")
		}
		state := b.State()
		detail := fmt.Sprintf("state=%s failures=%d", state, b.FailureCount())
		switch state {
		case models.CircuitOpen:
			return Unhealthy("breaker", detail)
		case models.CircuitHalfOpen:
			return Degraded("breaker", detail)
		default:
			r := Healthy("breaker")
			r.Detail = detail
			return r
		}
	})
}
