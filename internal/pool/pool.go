// Package pool implements the Instance Pool: bounded, sandboxed
// extractor instances with single-instance-per-worker semantics, semaphore
// admission, circuit-breaker-gated acquisition, epoch cancellation, and a
// background health monitor with a 4-level status and trend rollup.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/riptide-run/riptide/models"
)

// Errors returned by Acquire and Guard.Run.
var (
	ErrCircuitOpen  = errors.New("pool: circuit breaker open")
	ErrSaturated    = errors.New("pool: semaphore saturated")
	ErrEpochTimeout = errors.New("pool: epoch deadline exceeded")
	ErrAdmission    = errors.New("pool: denied by resource admission")
	ErrLoadShed     = errors.New("pool: load shedding at unhealthy status")
)

// Health is the 4-level pool health.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthUnhealthy
	HealthCritical
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Trend is the rolling health trend over the last N checks.
type Trend int

const (
	TrendStable Trend = iota
	TrendImproving
	TrendDegrading
)

func (t Trend) String() string {
	switch t {
	case TrendImproving:
		return "improving"
	case TrendDegrading:
		return "degrading"
	default:
		return "stable"
	}
}

// Admitter is the process-wide memory admission gate an instance creation
// must pass. Implemented by internal/resources.ResourceManager.
type Admitter interface {
	AdmitInstance() (release func(), ok bool)
}

// Config tunes the pool. InitialPoolSize, when positive, is a retention
// floor: stale-instance cleanup never shrinks the pool below it, so a
// warmed-up set of instances survives idle periods.
type Config struct {
	MaxPoolSize         int
	InitialPoolSize     int
	AcquireTimeout      time.Duration
	EpochDeadline       time.Duration
	IdleThreshold       time.Duration
	HealthCheckInterval time.Duration
	TrendWindow         int
}

func DefaultConfig() Config {
	return Config{
		MaxPoolSize:         8,
		AcquireTimeout:      2 * time.Second,
		EpochDeadline:       5 * time.Second,
		IdleThreshold:       10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		TrendWindow:         5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.EpochDeadline <= 0 {
		c.EpochDeadline = d.EpochDeadline
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = d.IdleThreshold
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.TrendWindow <= 0 {
		c.TrendWindow = d.TrendWindow
	}
	return c
}

type instance struct {
	workerID        string
	createdAt       time.Time
	lastOperation   atomic.Int64 // unix nanos
	operationsCount atomic.Uint64
	failureCount    atomic.Uint32
	fallbackCount   atomic.Uint64
	memoryPages     atomic.Uint32
	memoryPeakPages atomic.Uint32
	healthy         atomic.Bool
	admitRelease    func()

	// lease holds one token when the instance is idle. Acquire takes it and
	// Release returns it, so two Guards for the same workerID can never
	// execute concurrently even when callers reuse an ID.
	lease chan struct{}
}

// Pool is the bounded Instance Pool.
type Pool struct {
	cfg      Config
	breaker  *circuit.Breaker
	admitter Admitter

	mu        sync.RWMutex
	instances map[string]*instance
	sem       chan struct{}

	epoch atomic.Uint64

	statusMu sync.RWMutex
	status   Health
	history  []Health

	successCount  atomic.Uint64
	failureCount  atomic.Uint64
	fallbackCount atomic.Uint64
	epochTimeouts atomic.Uint64

	stopCh chan struct{}
	once   sync.Once
}

// New constructs a Pool backed by breaker for admission gating and admitter
// for process-wide memory admission on instance creation. Both may be nil in
// tests that don't exercise those paths (breaker nil ⇒ always admits;
// admitter nil ⇒ always admits).
func New(cfg Config, breaker *circuit.Breaker, admitter Admitter) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		breaker:   breaker,
		admitter:  admitter,
		instances: make(map[string]*instance),
		sem:       make(chan struct{}, cfg.MaxPoolSize),
		stopCh:    make(chan struct{}),
	}
	return p
}

// StartHealthMonitor launches the background health-check loop. Call
// Stop (or cancel ctx) to terminate it.
func (p *Pool) StartHealthMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runHealthCheck()
			}
		}
	}()
}

// Stop halts the health monitor goroutine.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
}

// Guard grants exclusive, time-bounded access to a worker's sandbox instance.
// Release must be called exactly once (RAII-style via defer).
type Guard struct {
	pool     *Pool
	inst     *instance
	permit   *circuit.Permit
	released atomic.Bool
}

// Acquire runs the acquisition protocol: breaker check, semaphore
// admission with timeout, then lookup-or-create under memory admission.
func (p *Pool) Acquire(ctx context.Context, workerID string) (*Guard, error) {
	var breakerPermit *circuit.Permit
	if p.breaker != nil {
		permit, rejection := p.breaker.TryAcquire()
		if rejection != "" {
			return nil, ErrCircuitOpen
		}
		breakerPermit = permit
	}

	if p.loadShedding() {
		return nil, ErrLoadShed
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	select {
	case p.sem <- struct{}{}:
	case <-acquireCtx.Done():
		if p.breaker != nil {
			p.breaker.OnFailure()
			breakerPermit.Release()
		}
		return nil, ErrSaturated
	}

	inst, err := p.lookupOrCreate(workerID)
	if err != nil {
		<-p.sem
		breakerPermit.Release()
		return nil, err
	}

	// Per-worker exclusivity: wait for the instance's lease so a reused
	// workerID serializes instead of sharing one sandbox concurrently.
	select {
	case <-inst.lease:
	case <-acquireCtx.Done():
		<-p.sem
		if p.breaker != nil {
			p.breaker.OnFailure()
			breakerPermit.Release()
		}
		return nil, ErrSaturated
	}

	inst.operationsCount.Add(1)
	inst.lastOperation.Store(time.Now().UnixNano())

	return &Guard{pool: p, inst: inst, permit: breakerPermit}, nil
}

func (p *Pool) lookupOrCreate(workerID string) (*instance, error) {
	p.mu.RLock()
	inst, ok := p.instances[workerID]
	p.mu.RUnlock()
	if ok {
		return inst, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok = p.instances[workerID]; ok {
		return inst, nil
	}

	var release func()
	if p.admitter != nil {
		var admitted bool
		release, admitted = p.admitter.AdmitInstance()
		if !admitted {
			return nil, ErrAdmission
		}
	}

	inst = &instance{workerID: workerID, createdAt: time.Now(), admitRelease: release, lease: make(chan struct{}, 1)}
	inst.lease <- struct{}{}
	inst.healthy.Store(true)
	inst.lastOperation.Store(time.Now().UnixNano())
	p.instances[workerID] = inst
	return inst, nil
}

// Run executes op under the pool's epoch deadline. On timeout, the global
// epoch advances, the instance is marked unhealthy, and the breaker (if
// any) records a failure.
func (g *Guard) Run(ctx context.Context, op func(ctx context.Context) error) error {
	deadline := g.pool.cfg.EpochDeadline
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(runCtx) }()

	select {
	case err := <-done:
		defer g.permit.Release()
		if err != nil {
			g.inst.failureCount.Add(1)
			g.pool.failureCount.Add(1)
			if g.pool.breaker != nil {
				g.pool.breaker.OnFailure()
			}
			return err
		}
		g.pool.successCount.Add(1)
		if g.pool.breaker != nil {
			g.pool.breaker.OnSuccess()
		}
		return nil
	case <-runCtx.Done():
		defer g.permit.Release()
		g.pool.epoch.Add(1)
		g.inst.healthy.Store(false)
		g.inst.failureCount.Add(1)
		g.pool.failureCount.Add(1)
		g.pool.epochTimeouts.Add(1)
		if g.pool.breaker != nil {
			g.pool.breaker.OnFailure()
		}
		return ErrEpochTimeout
	}
}

// RecordFallback marks this operation as having fallen back to a native
// extractor path.
func (g *Guard) RecordFallback() {
	g.inst.fallbackCount.Add(1)
	g.pool.fallbackCount.Add(1)
}

// Release returns the worker lease and semaphore slot and updates
// bookkeeping. Safe to call multiple times; only the first call has effect.
func (g *Guard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.inst.lastOperation.Store(time.Now().UnixNano())
	select {
	case g.inst.lease <- struct{}{}:
	default:
	}
	<-g.pool.sem
}

// Epoch returns the current global epoch counter, advanced on every
// operation timeout. Sandboxes observe it to abort in-flight work.
func (p *Pool) Epoch() uint64 { return p.epoch.Load() }

// InstanceCount returns the number of tracked worker instances.
func (p *Pool) InstanceCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// Stats returns a point-in-time snapshot for a specific worker, if tracked.
func (p *Pool) Stats(workerID string) (models.InstanceStats, bool) {
	p.mu.RLock()
	inst, ok := p.instances[workerID]
	p.mu.RUnlock()
	if !ok {
		return models.InstanceStats{}, false
	}
	return instanceStats(inst), true
}

// AllStats returns a snapshot of every tracked instance.
func (p *Pool) AllStats() []models.InstanceStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.InstanceStats, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, instanceStats(inst))
	}
	return out
}

func instanceStats(inst *instance) models.InstanceStats {
	return models.InstanceStats{
		WorkerID:        inst.workerID,
		CreatedAt:       inst.createdAt,
		LastOperation:   time.Unix(0, inst.lastOperation.Load()),
		OperationsCount: inst.operationsCount.Load(),
		FailureCount:    inst.failureCount.Load(),
		MemoryPages:     inst.memoryPages.Load(),
		MemoryPeakPages: inst.memoryPeakPages.Load(),
		IsHealthy:       inst.healthy.Load(),
	}
}

// NeedsCleanup reports whether any tracked instance has been idle longer
// than cfg.IdleThreshold.
func (p *Pool) NeedsCleanup() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	for _, inst := range p.instances {
		if now.Sub(time.Unix(0, inst.lastOperation.Load())) > p.cfg.IdleThreshold {
			return true
		}
	}
	return false
}

// CleanupStaleInstances evicts instances idle longer than idleThreshold and
// returns the count evicted. Checked-out instances are skipped (their lease
// is held), and the pool is never shrunk below cfg.InitialPoolSize.
func (p *Pool) CleanupStaleInstances(idleThreshold time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for id, inst := range p.instances {
		if len(p.instances) <= p.cfg.InitialPoolSize {
			break
		}
		if now.Sub(time.Unix(0, inst.lastOperation.Load())) < idleThreshold {
			continue
		}
		select {
		case <-inst.lease:
		default:
			continue
		}
		if inst.admitRelease != nil {
			inst.admitRelease()
		}
		delete(p.instances, id)
		cleaned++
	}
	return cleaned
}

// evictAllIdle is the Critical-status "emergency drain": evict every
// instance not currently checked out, however recently it was used.
// CleanupStaleInstances skips leased instances and keeps the
// InitialPoolSize floor.
func (p *Pool) evictAllIdle() int {
	return p.CleanupStaleInstances(0)
}

func (p *Pool) loadShedding() bool {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status == HealthUnhealthy || p.status == HealthCritical
}

// Status returns the current health status and trend.
func (p *Pool) Status() (Health, Trend) {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status, trendOf(p.history)
}

func (p *Pool) runHealthCheck() {
	h := p.computeHealth()

	p.statusMu.Lock()
	p.status = h
	p.history = append(p.history, h)
	if len(p.history) > p.cfg.TrendWindow {
		p.history = p.history[len(p.history)-p.cfg.TrendWindow:]
	}
	p.statusMu.Unlock()

	switch h {
	case HealthDegraded:
		p.CleanupStaleInstances(p.cfg.IdleThreshold)
	case HealthUnhealthy:
		p.CleanupStaleInstances(p.cfg.IdleThreshold / 2)
	case HealthCritical:
		p.evictAllIdle()
	}
}

// computeHealth derives the 4-level status from utilization, success rate,
// fallback rate, and epoch-timeout count.
func (p *Pool) computeHealth() Health {
	utilization := float64(len(p.sem)) / float64(cap(p.sem))

	successes := p.successCount.Load()
	failures := p.failureCount.Load()
	total := successes + failures
	var successRate float64 = 1
	if total > 0 {
		successRate = float64(successes) / float64(total)
	}

	var fallbackRate float64
	if total > 0 {
		fallbackRate = float64(p.fallbackCount.Load()) / float64(total)
	}

	epochTimeouts := p.epochTimeouts.Load()

	switch {
	case successRate < 0.5 || epochTimeouts > 20 || utilization >= 1.0:
		return HealthCritical
	case successRate < 0.75 || fallbackRate > 0.4 || utilization >= 0.9:
		return HealthUnhealthy
	case successRate < 0.9 || fallbackRate > 0.2 || utilization >= 0.7:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func trendOf(history []Health) Trend {
	if len(history) < 2 {
		return TrendStable
	}
	first, last := history[0], history[len(history)-1]
	switch {
	case last < first:
		return TrendImproving
	case last > first:
		return TrendDegrading
	default:
		return TrendStable
	}
}
