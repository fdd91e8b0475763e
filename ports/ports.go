// Package ports declares the narrow hexagonal interfaces the RipTide core
// depends on. Real adapters (HTTP transport, the
// headless browser, the sandboxed extractor, Redis, Postgres) are wired in
// at construction time; tests inject fakes. Nothing in this package touches
// a concrete transport, browser, or database driver.
package ports

import (
	"context"
	"time"

	"github.com/riptide-run/riptide/models"
)

// FetchResult is what HttpFetcher returns for a single GET.
type FetchResult struct {
	Bytes       []byte
	Status      int
	Headers     map[string]string
	FinalURL    string
	ContentType string
}

// HttpFetcher is the external HTTP transport collaborator: one GET in,
// bytes + status + headers out.
type HttpFetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (FetchResult, error)
}

// NavigateResult is what BrowserPort returns for a headless render.
type NavigateResult struct {
	HTML       string
	FinalURL   string
	Screenshot []byte
	PDF        []byte
}

// NavigateParams carries stealth-controller output into the browser adapter
// (user agent, headers, viewport, locale, injected fingerprint JS).
type NavigateParams struct {
	UserAgent  string
	Headers    map[string]string
	ViewportW  int
	ViewportH  int
	Locale     string
	Timezone   string
	InjectedJS string
}

// BrowserPort is the external headless browser collaborator. Close must be
// safe to call multiple times and must not panic if Navigate was never
// called.
type BrowserPort interface {
	Navigate(ctx context.Context, url string, params NavigateParams) (NavigateResult, error)
	Close() error
}

// Extractor is the sandboxed extractor ABI.
// Implementations must honor ctx cancellation cooperatively; the Instance
// Pool's epoch deadline is the host-side enforcement, this is the guest-side
// cooperation point.
type Extractor interface {
	Extract(ctx context.Context, html []byte, url string, mode models.ExtractionMode) (models.ExtractedDoc, error)
}

// IdempotencyStore is the external key-value port (backed by Redis in
// production). Acquire is atomic set-if-absent with TTL; true means this
// caller now owns the token, false means a duplicate is in flight or done.
type IdempotencyStore interface {
	Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, token string) error
}

// EventBus is the minimal publish contract the pipeline depends on; the
// concrete in-process implementation lives in internal/telemetry/events,
// adapted here to keep the core decoupled from its package.
type EventBus interface {
	Publish(ctx context.Context, ev models.Event) error
}

// MetricsSink is the minimal counter/histogram/gauge contract the core
// depends on. internal/telemetry/metrics.Provider satisfies a richer
// version of this; adapters narrow it down at wiring time.
type MetricsSink interface {
	IncCounter(name string, delta float64, labels ...string)
	ObserveHistogram(name string, v float64, labels ...string)
	SetGauge(name string, v float64, labels ...string)
}

// Clock abstracts time for deterministic tests across every component that
// needs it. Components define their own narrower Clock where only one
// method is needed (e.g. internal/circuit.Clock); this is the composite used
// by orchestration-level code.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
