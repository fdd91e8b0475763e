// Package timeout implements the adaptive per-domain timeout learner.
// It keeps a persistent per-domain profile, widening the timeout on repeated
// failures and narrowing it back toward a measured p95 after a streak of
// successes. State lives in a sharded, FNV-hashed map guarded by per-shard
// mutexes, with an injected Clock for deterministic tests.
package timeout

import (
	"hash/fnv"
	"math"
	"net/url"
	"sort"
	"sync"
	"time"
)

// Config tunes the learner's bounds, streak length, and backoff factor.
type Config struct {
	MinTimeout        time.Duration
	MaxTimeout        time.Duration
	DefaultTimeout    time.Duration
	SuccessStreak     int     // consecutive successes required before decreasing
	BackoffFactor     float64 // multiplier applied to timeout on each recorded timeout
	P95Window         int     // number of recent samples kept for p95 estimation
	Shards            int
}

func DefaultConfig() Config {
	return Config{
		MinTimeout:     2 * time.Second,
		MaxTimeout:     60 * time.Second,
		DefaultTimeout: 10 * time.Second,
		SuccessStreak:  10,
		BackoffFactor:  1.5,
		P95Window:      64,
		Shards:         16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinTimeout <= 0 {
		c.MinTimeout = d.MinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.SuccessStreak <= 0 {
		c.SuccessStreak = d.SuccessStreak
	}
	if c.BackoffFactor <= 1.0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.P95Window <= 0 {
		c.P95Window = d.P95Window
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	return c
}

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type domainProfile struct {
	mu                  sync.Mutex
	timeout             time.Duration
	consecutiveSuccess  int
	consecutiveFailures int
	totalRequests       uint64
	successfulRequests  uint64
	samples             []float64 // recent response times in ms, ring-ish (append + trim)
}

// Learner is the adaptive per-domain timeout primitive.
type Learner struct {
	cfg    Config
	clock  Clock
	shards []*learnerShard
}

type learnerShard struct {
	mu       sync.RWMutex
	profiles map[string]*domainProfile
}

// New constructs a Learner. A nil clock uses the real wall clock.
func New(cfg Config, clock Clock) *Learner {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = realClock{}
	}
	l := &Learner{cfg: cfg, clock: clock, shards: make([]*learnerShard, cfg.Shards)}
	for i := range l.shards {
		l.shards[i] = &learnerShard{profiles: make(map[string]*domainProfile)}
	}
	return l
}

// TimeoutFor returns the current timeout for the URL's domain. Unknown
// domains and invalid URLs return DefaultTimeout.
func (l *Learner) TimeoutFor(rawURL string) time.Duration {
	domain := domainOf(rawURL)
	if domain == "" {
		return l.cfg.DefaultTimeout
	}
	shard := l.shardFor(domain)
	shard.mu.RLock()
	p, ok := shard.profiles[domain]
	shard.mu.RUnlock()
	if !ok {
		return l.cfg.DefaultTimeout
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// RecordSuccess records a successful request with its elapsed latency. After
// SuccessStreak consecutive successes the timeout decreases toward
// max(MIN, p95 * 1.5), never going below MIN.
func (l *Learner) RecordSuccess(rawURL string, elapsed time.Duration) {
	domain := domainOf(rawURL)
	if domain == "" {
		return
	}
	p := l.profileFor(domain)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalRequests++
	p.successfulRequests++
	p.consecutiveFailures = 0
	p.consecutiveSuccess++
	p.samples = append(p.samples, float64(elapsed.Milliseconds()))
	if len(p.samples) > l.cfg.P95Window {
		p.samples = p.samples[len(p.samples)-l.cfg.P95Window:]
	}
	if p.consecutiveSuccess >= l.cfg.SuccessStreak {
		targetMs := math.Max(float64(l.cfg.MinTimeout.Milliseconds()), p95(p.samples)*1.5)
		target := time.Duration(targetMs) * time.Millisecond
		if target < p.timeout {
			p.timeout = target
		}
		if p.timeout < l.cfg.MinTimeout {
			p.timeout = l.cfg.MinTimeout
		}
		p.consecutiveSuccess = 0
	}
}

// RecordTimeout records a timeout/failure: the domain's timeout is widened
// by BackoffFactor, capped at MaxTimeout, and the success streak resets.
func (l *Learner) RecordTimeout(rawURL string) {
	domain := domainOf(rawURL)
	if domain == "" {
		return
	}
	p := l.profileFor(domain)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalRequests++
	p.consecutiveFailures++
	p.consecutiveSuccess = 0
	widened := time.Duration(float64(p.timeout) * l.cfg.BackoffFactor)
	if widened > l.cfg.MaxTimeout {
		widened = l.cfg.MaxTimeout
	}
	p.timeout = widened
}

func (l *Learner) profileFor(domain string) *domainProfile {
	shard := l.shardFor(domain)
	shard.mu.RLock()
	p, ok := shard.profiles[domain]
	shard.mu.RUnlock()
	if ok {
		return p
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if p, ok = shard.profiles[domain]; ok {
		return p
	}
	p = &domainProfile{timeout: l.cfg.DefaultTimeout}
	shard.profiles[domain] = p
	return p
}

func (l *Learner) shardFor(domain string) *learnerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// domainOf returns the URL's host, or "" for anything that is not an
// absolute http(s) URL; non-http schemes are not trackable domains and fall
// back to the default timeout.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.Hostname()
}

// p95 computes the 95th percentile of a small sample slice. Callers hold the
// profile's lock; the slice is not mutated in place (sorted copy).
func p95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
