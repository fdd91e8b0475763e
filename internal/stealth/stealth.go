// Package stealth randomizes per-call and per-session request shape: user
// agent, headers, viewport, locale, hardware fingerprint, and inter-request
// delay, selectable by preset or explicit config. The controller is guarded
// by a single mutex; it is small per-session state with no hot-path
// contention worth lock-free atomics.
package stealth

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/riptide-run/riptide/models"
)

// RotationStrategy selects how NextUserAgent advances.
type RotationStrategy string

const (
	RotationRandom     RotationStrategy = "random"
	RotationSequential RotationStrategy = "sequential"
	RotationSticky     RotationStrategy = "sticky"
	RotationDomainBased RotationStrategy = "domain_based"
)

// Config is the explicit knob set a StealthPreset expands into.
type Config struct {
	Rotation       RotationStrategy
	UserAgents     []string
	Viewports      [][2]int
	Locales        []LocalePair
	DelayBase      time.Duration
	DelayJitter    time.Duration
	PerDomainDelay bool
}

// LocalePair pairs a locale with its timezone so the two never disagree.
type LocalePair struct {
	Locale   string
	Timezone string
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

var defaultViewports = [][2]int{{1920, 1080}, {1366, 768}, {1536, 864}, {1440, 900}, {375, 812}}

var defaultLocales = []LocalePair{
	{Locale: "en-US", Timezone: "America/New_York"},
	{Locale: "en-GB", Timezone: "Europe/London"},
	{Locale: "de-DE", Timezone: "Europe/Berlin"},
	{Locale: "ja-JP", Timezone: "Asia/Tokyo"},
	{Locale: "pt-BR", Timezone: "America/Sao_Paulo"},
}

// FromPreset expands a StealthPreset into a concrete Config.
func FromPreset(preset models.StealthPreset) Config {
	switch preset {
	case models.StealthPresetNone:
		return Config{Rotation: RotationSticky, UserAgents: defaultUserAgents[:1], Viewports: defaultViewports[:1], Locales: defaultLocales[:1]}
	case models.StealthPresetLow:
		return Config{Rotation: RotationSticky, UserAgents: defaultUserAgents, Viewports: defaultViewports, Locales: defaultLocales, DelayBase: 200 * time.Millisecond, DelayJitter: 100 * time.Millisecond}
	case models.StealthPresetMedium:
		return Config{Rotation: RotationDomainBased, UserAgents: defaultUserAgents, Viewports: defaultViewports, Locales: defaultLocales, DelayBase: 500 * time.Millisecond, DelayJitter: 400 * time.Millisecond, PerDomainDelay: true}
	case models.StealthPresetHigh:
		return Config{Rotation: RotationRandom, UserAgents: defaultUserAgents, Viewports: defaultViewports, Locales: defaultLocales, DelayBase: 1 * time.Second, DelayJitter: 1500 * time.Millisecond, PerDomainDelay: true}
	default:
		return FromPreset(models.StealthPresetLow)
	}
}

func (c Config) withDefaults() Config {
	if c.Rotation == "" {
		c.Rotation = RotationSticky
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
	if len(c.Viewports) == 0 {
		c.Viewports = defaultViewports
	}
	if len(c.Locales) == 0 {
		c.Locales = defaultLocales
	}
	return c
}

// HardwareFingerprint is reported via injected JS in headless mode.
type HardwareFingerprint struct {
	Cores        int
	MemoryGB     int
	WebGLVendor  string
	WebGLRenderer string
}

var webglProfiles = []HardwareFingerprint{
	{Cores: 8, MemoryGB: 8, WebGLVendor: "Google Inc. (NVIDIA)", WebGLRenderer: "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0)"},
	{Cores: 4, MemoryGB: 16, WebGLVendor: "Google Inc. (Intel)", WebGLRenderer: "ANGLE (Intel, Intel(R) Iris(R) Xe Graphics Direct3D11 vs_5_0 ps_5_0)"},
	{Cores: 10, MemoryGB: 32, WebGLVendor: "Apple Inc.", WebGLRenderer: "Apple M2"},
	{Cores: 6, MemoryGB: 8, WebGLVendor: "Google Inc. (AMD)", WebGLRenderer: "ANGLE (AMD, AMD Radeon RX 6600 Direct3D11 vs_5_0 ps_5_0)"},
}

// Controller is the per-call/per-session stealth state machine.
type Controller struct {
	cfg Config
	rnd *rand.Rand

	mu            sync.Mutex
	seqIndex      int
	stickyUA      string
	stickyView    [2]int
	stickyLocale  LocalePair
	stickyHW      HardwareFingerprint
	requestCount  int
	domainDelayed map[string]time.Time
}

// New constructs a Controller from an explicit Config. seed makes UA/delay
// selection reproducible in tests; pass 0 for a time-seeded default.
func New(cfg Config, seed int64) *Controller {
	cfg = cfg.withDefaults()
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c := &Controller{cfg: cfg, rnd: rand.New(rand.NewSource(seed)), domainDelayed: make(map[string]time.Time)}
	c.reselectSticky()
	return c
}

// FromPresetController is a convenience constructor combining FromPreset + New.
func FromPresetController(preset models.StealthPreset, seed int64) *Controller {
	return New(FromPreset(preset), seed)
}

func (c *Controller) reselectSticky() {
	c.stickyUA = c.cfg.UserAgents[c.rnd.Intn(len(c.cfg.UserAgents))]
	c.stickyView = c.cfg.Viewports[c.rnd.Intn(len(c.cfg.Viewports))]
	c.stickyLocale = c.cfg.Locales[c.rnd.Intn(len(c.cfg.Locales))]
	c.stickyHW = webglProfiles[c.rnd.Intn(len(webglProfiles))]
}

func domainHash(domain string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	return int(h.Sum32())
}

// NextUserAgent returns the next user agent per the configured rotation
// strategy. domain is only consulted for RotationDomainBased.
// Sticky/DomainBased are deterministic for identical inputs within a
// session; Random/Sequential advance internal state per call.
func (c *Controller) NextUserAgent(domain string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.cfg.Rotation {
	case RotationSequential:
		ua := c.cfg.UserAgents[c.seqIndex%len(c.cfg.UserAgents)]
		c.seqIndex++
		return ua
	case RotationDomainBased:
		idx := domainHash(domain) % len(c.cfg.UserAgents)
		if idx < 0 {
			idx += len(c.cfg.UserAgents)
		}
		return c.cfg.UserAgents[idx]
	case RotationSticky:
		return c.stickyUA
	default: // RotationRandom
		return c.cfg.UserAgents[c.rnd.Intn(len(c.cfg.UserAgents))]
	}
}

// GenerateHeaders produces a randomized-but-plausible header set.
// userAgent is the value chosen by NextUserAgent so Sec-CH-UA stays
// consistent with it.
func (c *Controller) GenerateHeaders(userAgent string) map[string]string {
	c.mu.Lock()
	locale := c.pickLocale()
	c.mu.Unlock()

	headers := map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": locale.Locale + ",en;q=0.5",
		"Accept-Encoding": "gzip, deflate, br",
	}
	if strings.Contains(userAgent, "Chrome") {
		headers["Sec-CH-UA"] = `"Chromium";v="124", "Not:A-Brand";v="99"`
		headers["Sec-CH-UA-Mobile"] = "?0"
	}
	return headers
}

func (c *Controller) pickLocale() LocalePair {
	switch c.cfg.Rotation {
	case RotationSticky, RotationDomainBased:
		return c.stickyLocale
	default:
		return c.cfg.Locales[c.rnd.Intn(len(c.cfg.Locales))]
	}
}

// RandomViewport returns a viewport size.
func (c *Controller) RandomViewport() (width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.cfg.Rotation {
	case RotationSticky, RotationDomainBased:
		return c.stickyView[0], c.stickyView[1]
	default:
		v := c.cfg.Viewports[c.rnd.Intn(len(c.cfg.Viewports))]
		return v[0], v[1]
	}
}

// RandomLocale returns a (locale, timezone) pair.
func (c *Controller) RandomLocale() (locale, timezone string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pickLocale()
	return p.Locale, p.Timezone
}

// RandomHardwareFingerprint returns the hardware fingerprint reported via
// injected JS in headless mode.
func (c *Controller) RandomHardwareFingerprint() HardwareFingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.cfg.Rotation {
	case RotationSticky, RotationDomainBased:
		return c.stickyHW
	default:
		return webglProfiles[c.rnd.Intn(len(webglProfiles))]
	}
}

// StealthJS renders the fingerprint-spoofing script to inject into the
// headless page before navigation.
func (c *Controller) StealthJS() string {
	hw := c.RandomHardwareFingerprint()
	return fmt.Sprintf(`(() => {
  Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => %d });
  Object.defineProperty(navigator, 'deviceMemory', { get: () => %d });
  const getParameter = WebGLRenderingContext.prototype.getParameter;
  WebGLRenderingContext.prototype.getParameter = function(p) {
    if (p === 37445) return %q;
    if (p === 37446) return %q;
    return getParameter.call(this, p);
  };
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
})();`, hw.Cores, hw.MemoryGB, hw.WebGLVendor, hw.WebGLRenderer)
}

// CalculateDelay returns the inter-request delay for domain: base + jitter,
// optionally tracked per-domain.
func (c *Controller) CalculateDelay(domain string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.DelayBase == 0 && c.cfg.DelayJitter == 0 {
		return 0
	}
	jitter := time.Duration(0)
	if c.cfg.DelayJitter > 0 {
		jitter = time.Duration(c.rnd.Int63n(int64(c.cfg.DelayJitter)))
	}
	delay := c.cfg.DelayBase + jitter
	if c.cfg.PerDomainDelay && domain != "" {
		c.domainDelayed[domain] = time.Now().Add(delay)
	}
	return delay
}

// MarkRequestSent increments the session's request counter.
func (c *Controller) MarkRequestSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount++
}

// RequestCount returns the number of requests marked sent this session.
func (c *Controller) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

// ResetSession zeros request counts and reselects sticky choices.
func (c *Controller) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount = 0
	c.seqIndex = 0
	c.domainDelayed = make(map[string]time.Time)
	c.reselectSticky()
}

// NavigateParams is a ports.NavigateParams-shaped bundle for a given URL's
// domain; internal/pipeline converts it field by field into
// ports.NavigateParams before calling the browser port.
type NavigateParams struct {
	UserAgent  string
	Headers    map[string]string
	ViewportW  int
	ViewportH  int
	Locale     string
	Timezone   string
	InjectedJS string
}

// BuildNavigateParams composes one call's worth of randomized request shape
// for a given domain.
func (c *Controller) BuildNavigateParams(domain string) NavigateParams {
	ua := c.NextUserAgent(domain)
	headers := c.GenerateHeaders(ua)
	w, h := c.RandomViewport()
	locale, tz := c.RandomLocale()
	return NavigateParams{
		UserAgent:  ua,
		Headers:    headers,
		ViewportW:  w,
		ViewportH:  h,
		Locale:     locale,
		Timezone:   tz,
		InjectedJS: c.StealthJS(),
	}
}
