package resources

// ResourceManager arbitrates the process's four scarce resources: headless
// browser checkouts, PDF decode concurrency, sandbox instance memory
// admission, and a global memory ledger fed by explicit
// TrackAllocation/TrackDeallocation calls from resource-heavy call sites.
// Browser and PDF limits are channel-backed semaphores; the ledger and
// per-resource counters are atomics and a small mutex-guarded map.

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	engmodels "github.com/riptide-run/riptide/models"
	events "github.com/riptide-run/riptide/internal/telemetry/events"
)

// ResourceType enumerates the admission-controlled resource kinds. Acquire
// rejects unknown kinds as a validation error.
type ResourceType string

const (
	ResourceBrowser  ResourceType = "browser"
	ResourcePDF      ResourceType = "pdf"
	ResourceInstance ResourceType = "instance"
)

// ResourceManagerConfig tunes admission thresholds.
type ResourceManagerConfig struct {
	BrowserPoolMax     int
	PDFConcurrency     int
	MemoryLimitMB      int64
	PressureThreshold  float64 // default 0.8
	GCTriggerThreshold float64 // fraction of MemoryLimitMB, default == PressureThreshold
}

func DefaultResourceManagerConfig() ResourceManagerConfig {
	return ResourceManagerConfig{
		BrowserPoolMax:     8,
		PDFConcurrency:     4,
		MemoryLimitMB:      2048,
		PressureThreshold:  0.8,
		GCTriggerThreshold: 0.8,
	}
}

func (c ResourceManagerConfig) withDefaults() ResourceManagerConfig {
	d := DefaultResourceManagerConfig()
	if c.BrowserPoolMax <= 0 {
		c.BrowserPoolMax = d.BrowserPoolMax
	}
	if c.PDFConcurrency <= 0 {
		c.PDFConcurrency = d.PDFConcurrency
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = d.MemoryLimitMB
	}
	if c.PressureThreshold <= 0 {
		c.PressureThreshold = d.PressureThreshold
	}
	if c.GCTriggerThreshold <= 0 {
		c.GCTriggerThreshold = c.PressureThreshold
	}
	return c
}

// Release is a drop-guard; calling it more than once is a no-op.
type Release func()

// memoryLimits is the subset of ResourceManagerConfig that can be swapped
// live without resizing the browser/PDF semaphores, driven by
// internal/config.ReloadWatcher.
type memoryLimits struct {
	MemoryLimitMB      int64
	PressureThreshold  float64
	GCTriggerThreshold float64
}

// ResourceManager is the process-wide resource arbiter.
type ResourceManager struct {
	cfg    ResourceManagerConfig
	limits atomic.Pointer[memoryLimits]
	bus    events.Bus

	browserSlots chan struct{}
	pdfSlots     chan struct{}

	memUsedMB     atomic.Int64
	timeoutCount  atomic.Int64
	requestCount  atomic.Int64
	circuitOpens  atomic.Int64
	circuitChecks atomic.Int64

	mu        sync.Mutex
	active    map[ResourceType]int64
	gcTrigger func()
}

// NewResourceManager constructs a ResourceManager. bus may be nil (events
// are then dropped); gcTrigger may be nil (cleanup then only records the
// event and skips the GC hint).
func NewResourceManager(cfg ResourceManagerConfig, bus events.Bus, gcTrigger func()) *ResourceManager {
	cfg = cfg.withDefaults()
	rm := &ResourceManager{
		cfg:          cfg,
		bus:          bus,
		browserSlots: make(chan struct{}, cfg.BrowserPoolMax),
		pdfSlots:     make(chan struct{}, cfg.PDFConcurrency),
		active:       make(map[ResourceType]int64),
		gcTrigger:    gcTrigger,
	}
	rm.limits.Store(&memoryLimits{
		MemoryLimitMB:      cfg.MemoryLimitMB,
		PressureThreshold:  cfg.PressureThreshold,
		GCTriggerThreshold: cfg.GCTriggerThreshold,
	})
	return rm
}

// SetMemoryLimits swaps the memory-pressure thresholds without restarting
// the manager or resizing the browser/PDF semaphores.
func (rm *ResourceManager) SetMemoryLimits(memoryLimitMB int64, pressureThreshold, gcTriggerThreshold float64) {
	rm.limits.Store(&memoryLimits{
		MemoryLimitMB:      memoryLimitMB,
		PressureThreshold:  pressureThreshold,
		GCTriggerThreshold: gcTriggerThreshold,
	})
}

// Acquire checks out one unit of rtype. amountMB is only meaningful for
// ResourceInstance (memory requested); browser/PDF acquisition is a single
// checkout regardless of amount.
func (rm *ResourceManager) Acquire(ctx context.Context, rtype ResourceType, amountMB int64) (Release, error) {
	if rtype != ResourceBrowser && rtype != ResourcePDF && rtype != ResourceInstance {
		return nil, engmodels.ErrUnknownResourceType
	}
	if rm.MemoryPressure() {
		return nil, fmt.Errorf("%w: pressure", engmodels.ErrResourceDenied)
	}

	switch rtype {
	case ResourceBrowser:
		select {
		case rm.browserSlots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("%w: browser pool exhausted", engmodels.ErrResourceDenied)
		}
		rm.bumpActive(ResourceBrowser, 1)
		var once sync.Once
		return func() {
			once.Do(func() {
				<-rm.browserSlots
				rm.bumpActive(ResourceBrowser, -1)
			})
		}, nil
	case ResourcePDF:
		select {
		case rm.pdfSlots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("%w: pdf semaphore exhausted", engmodels.ErrResourceDenied)
		}
		rm.bumpActive(ResourcePDF, 1)
		var once sync.Once
		return func() {
			once.Do(func() {
				<-rm.pdfSlots
				rm.bumpActive(ResourcePDF, -1)
			})
		}, nil
	default: // ResourceInstance
		if amountMB > 0 {
			rm.TrackAllocation(amountMB)
		}
		rm.bumpActive(ResourceInstance, 1)
		var once sync.Once
		return func() {
			once.Do(func() {
				if amountMB > 0 {
					rm.TrackDeallocation(amountMB)
				}
				rm.bumpActive(ResourceInstance, -1)
			})
		}, nil
	}
}

// AdmitInstance satisfies pool.Admitter, letting the Instance Pool gate new
// sandbox instance creation on resource-manager memory pressure.
func (rm *ResourceManager) AdmitInstance() (release func(), ok bool) {
	rel, err := rm.Acquire(context.Background(), ResourceInstance, 0)
	if err != nil {
		return nil, false
	}
	return func() { rel() }, true
}

func (rm *ResourceManager) bumpActive(rtype ResourceType, delta int64) {
	rm.mu.Lock()
	rm.active[rtype] += delta
	rm.mu.Unlock()
}

// TrackAllocation records amountMB of memory claimed by a resource-heavy
// call site.
func (rm *ResourceManager) TrackAllocation(amountMB int64) {
	rm.memUsedMB.Add(amountMB)
}

// TrackDeallocation records amountMB of memory released.
func (rm *ResourceManager) TrackDeallocation(amountMB int64) {
	for {
		cur := rm.memUsedMB.Load()
		next := cur - amountMB
		if next < 0 {
			next = 0
		}
		if rm.memUsedMB.CompareAndSwap(cur, next) {
			return
		}
	}
}

// MemoryPressure reports whether current usage over the limit has reached
// the pressure threshold.
func (rm *ResourceManager) MemoryPressure() bool {
	used := rm.memUsedMB.Load()
	limits := rm.limits.Load()
	if limits.MemoryLimitMB == 0 {
		return false
	}
	return float64(used)/float64(limits.MemoryLimitMB) >= limits.PressureThreshold
}

// BrowserCheckouts reports the number of browser checkouts currently held
// and the pool's capacity, consumed by the browser health probe.
func (rm *ResourceManager) BrowserCheckouts() (inUse, capacity int) {
	return len(rm.browserSlots), cap(rm.browserSlots)
}

// RecordTimeout feeds the degradation score's timeout-rate term.
func (rm *ResourceManager) RecordTimeout() {
	rm.timeoutCount.Add(1)
	rm.requestCount.Add(1)
}

// RecordSuccess feeds the degradation score's timeout-rate denominator.
func (rm *ResourceManager) RecordSuccess() {
	rm.requestCount.Add(1)
}

// RecordCircuitCheck feeds the degradation score's circuit-open-rate term;
// open should be true when the observed breaker state was Open.
func (rm *ResourceManager) RecordCircuitCheck(open bool) {
	rm.circuitChecks.Add(1)
	if open {
		rm.circuitOpens.Add(1)
	}
}

// CleanupOnTimeout records the timeout, optionally triggers GC when usage
// has crossed GCTriggerThreshold, and emits an event.
func (rm *ResourceManager) CleanupOnTimeout(ctx context.Context, scope string) {
	rm.RecordTimeout()

	used := rm.memUsedMB.Load()
	limits := rm.limits.Load()
	triggeredGC := false
	if limits.MemoryLimitMB > 0 && float64(used)/float64(limits.MemoryLimitMB) >= limits.GCTriggerThreshold {
		if rm.gcTrigger != nil {
			rm.gcTrigger()
		}
		triggeredGC = true
	}

	if rm.bus == nil {
		return
	}
	_ = rm.bus.PublishCtx(ctx, events.Event{
		Category: events.CategoryResources,
		Type:     "resource.cleanup_on_timeout",
		Severity: string(engmodels.SeverityWarn),
		Time:     time.Now(),
		Fields: map[string]interface{}{
			"scope":        scope,
			"triggered_gc": triggeredGC,
			"memory_mb":    used,
		},
	})
}

// DegradationScore blends timeout rate, memory pressure, and circuit-open
// rate into one process-health number clamped to [0,1].
func (rm *ResourceManager) DegradationScore() float64 {
	const (
		wTimeout = 0.4
		wMemory  = 0.3
		wCircuit = 0.3
	)

	timeoutRate := 0.0
	if reqs := rm.requestCount.Load(); reqs > 0 {
		timeoutRate = float64(rm.timeoutCount.Load()) / float64(reqs)
	}

	memoryTerm := 0.0
	if limitMB := rm.limits.Load().MemoryLimitMB; limitMB > 0 {
		memoryTerm = float64(rm.memUsedMB.Load()) / float64(limitMB)
		if memoryTerm > 1 {
			memoryTerm = 1
		}
	}

	circuitRate := 0.0
	if checks := rm.circuitChecks.Load(); checks > 0 {
		circuitRate = float64(rm.circuitOpens.Load()) / float64(checks)
	}

	score := wTimeout*timeoutRate + wMemory*memoryTerm + wCircuit*circuitRate
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Status returns a point-in-time ResourceStatus snapshot.
func (rm *ResourceManager) Status() engmodels.ResourceStatus {
	rm.mu.Lock()
	active := make(map[string]int64, len(rm.active))
	for k, v := range rm.active {
		active[string(k)] = v
	}
	rm.mu.Unlock()

	return engmodels.ResourceStatus{
		MemoryUsageBytes: rm.memUsedMB.Load() * 1024 * 1024,
		MemoryPressure:   rm.MemoryPressure(),
		DegradationScore: rm.DegradationScore(),
		ActiveResources:  active,
	}
}
