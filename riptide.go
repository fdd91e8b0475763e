// Package riptide wires the extraction core (internal/pipeline, its
// supporting subsystems, and the ports they depend on) into one
// constructible unit: callers get a ready ExtractionPipeline back instead
// of assembling circuit breakers, pools, caches and adapters by hand.
package riptide

import (
	"context"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/riptide-run/riptide/internal/adapters"
	"github.com/riptide-run/riptide/internal/cache"
	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/riptide-run/riptide/internal/config"
	"github.com/riptide-run/riptide/internal/crawler"
	"github.com/riptide-run/riptide/internal/gate"
	"github.com/riptide-run/riptide/internal/pipeline"
	"github.com/riptide-run/riptide/internal/pool"
	"github.com/riptide-run/riptide/internal/resources"
	"github.com/riptide-run/riptide/internal/stealth"
	"github.com/riptide-run/riptide/internal/telemetry/events"
	"github.com/riptide-run/riptide/internal/telemetry/health"
	"github.com/riptide-run/riptide/internal/telemetry/metrics"
	"github.com/riptide-run/riptide/internal/telemetry/tracing"
	"github.com/riptide-run/riptide/internal/timeout"
	"github.com/riptide-run/riptide/models"
	"github.com/riptide-run/riptide/ports"
)

// Config bundles every sub-component's config behind one plain struct; use
// DefaultConfig as the starting point and override fields as needed.
type Config struct {
	Extraction         pipeline.ExtractionConfig
	Circuit            circuit.Config
	Timeout            timeout.Config
	Pool               pool.Config
	Resources          resources.ResourceManagerConfig
	Cache              cache.Config
	ExtractorCacheSize int
	Fetch              crawler.FetchPolicy
	Stealth            models.StealthPreset
	StealthSeed        int64

	// MetricsEnabled swaps the noop metrics.Provider for a concrete one
	// chosen by MetricsBackend; Runtime.MetricsHandler is only non-nil when
	// this is true and the backend is "prometheus".
	MetricsEnabled bool
	// MetricsBackend selects the concrete metrics.Provider when
	// MetricsEnabled is true: "prometheus" (default) or "otel".
	MetricsBackend string

	// TracingEnabled swaps the noop tracing.Tracer for an OTel-SDK-backed
	// one (internal/telemetry/tracing.NewOTelTracer); spans are recorded but
	// not exported unless the caller registers a SpanProcessor on
	// Runtime.TracerProvider.
	TracingEnabled bool
	ServiceName    string
}

// DefaultConfig returns the zero-config shape every field above falls back
// to when left unset, matching each subsystem's own DefaultConfig.
func DefaultConfig() Config {
	return Config{
		Extraction:         pipeline.DefaultExtractionConfig(),
		Circuit:            circuit.DefaultConfig(),
		Timeout:            timeout.DefaultConfig(),
		Pool:               pool.DefaultConfig(),
		Resources:          resources.DefaultResourceManagerConfig(),
		Cache:              cache.DefaultConfig(),
		ExtractorCacheSize: 256,
		Fetch: crawler.FetchPolicy{
			UserAgent:       "riptide/1.0",
			Timeout:         15 * time.Second,
			MaxRetries:      1,
			FollowRedirects: true,
		},
		Stealth:        models.StealthPresetLow,
		StealthSeed:    1,
		MetricsBackend: "prometheus",
		ServiceName:    "riptide",
	}
}

// ConfigFromEnv returns DefaultConfig overlaid with the POOL_* and
// RELIABILITY_* environment variables (typed parsing; malformed values are
// returned as errors naming the variable).
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	err := config.ApplyEnv(nil, config.EnvTargets{
		Pool:       &cfg.Pool,
		Circuit:    &cfg.Circuit,
		Resources:  &cfg.Resources,
		Timeout:    &cfg.Timeout,
		Extraction: &cfg.Extraction,
		Fetch:      &cfg.Fetch,
	})
	return cfg, err
}

// Runtime is the fully wired pipeline plus the collaborators that need
// explicit lifecycle management (pool health monitor, resource manager GC).
type Runtime struct {
	Pipeline  *pipeline.ExtractionPipeline
	Pool      *pool.Pool
	Resources *resources.ResourceManager
	EventBus  events.Bus

	// Health rolls the pool, resource manager, browser pool and circuit
	// breaker probes into one TTL-cached snapshot for GET /healthz.
	Health *health.Evaluator

	// MetricsHandler serves /metrics when Config.MetricsEnabled is true and
	// MetricsBackend is "prometheus"; nil otherwise. Starting the listener
	// is left to the caller.
	MetricsHandler http.Handler

	// Tracer is a noop tracing.Tracer unless Config.TracingEnabled is set,
	// in which case it is backed by an OTel SDK TracerProvider (also
	// exposed as TracerProvider for callers that want to attach exporters).
	Tracer         tracing.Tracer
	TracerProvider *sdktrace.TracerProvider
}

// New constructs a Runtime: a CollyFetcher behind ports.HttpFetcher, the
// goquery/html-to-markdown content processor behind ports.Extractor, an
// in-memory idempotency store, a metrics provider (noop unless
// cfg.MetricsEnabled), and every core
// subsystem, bound together the way internal/pipeline.ExtractionDeps
// expects. Browser is left nil: headless rendering is an external port with
// no in-process implementation here. Callers that need headless fallback
// inject a BrowserPort of their own via Runtime.Pipeline's construction
// instead of through this convenience constructor.
func New(cfg Config) (*Runtime, error) {
	fetcher, err := crawler.NewCollyFetcher(cfg.Fetch)
	if err != nil {
		return nil, err
	}

	var metricsProvider metrics.Provider = metrics.NewNoopProvider()
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		switch cfg.MetricsBackend {
		case "otel":
			metricsProvider = metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: cfg.ServiceName})
		default:
			promProvider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
			metricsProvider = promProvider
			metricsHandler = promProvider.MetricsHandler()
		}
	}
	eventBus := events.NewBus(metricsProvider)

	var tracer tracing.Tracer = tracing.NewTracer(false)
	var tracerProvider *sdktrace.TracerProvider
	if cfg.TracingEnabled {
		tracer, tracerProvider = tracing.NewOTelTracer(cfg.ServiceName)
	}

	breaker := circuit.New(cfg.Circuit, nil)
	resourceManager := resources.NewResourceManager(cfg.Resources, eventBus, nil)
	instancePool := pool.New(cfg.Pool, breaker, resourceManager)
	learner := timeout.New(cfg.Timeout, nil)
	contentCache := cache.New(cfg.Cache)
	extractorCache := cache.NewExtractor(cfg.ExtractorCacheSize)
	stealthCtrl := stealth.FromPresetController(cfg.Stealth, cfg.StealthSeed)

	deps := pipeline.ExtractionDeps{
		Fetcher:     adapters.NewFetcherAdapter(fetcher),
		Browser:     nil,
		Extractor:   adapters.NewProcessorExtractor(),
		Idempotency: cache.NewInMemoryIdempotency(),
		EventBus:    adapters.NewEventBusAdapter(eventBus),
		Metrics:     adapters.NewMetricsAdapter(metricsProvider),
		Clock:       ports.SystemClock{},

		Breaker:         breaker,
		TimeoutLearner:  learner,
		InstancePool:    instancePool,
		ResourceManager: resourceManager,
		ContentCache:    contentCache,
		ExtractorCache:  extractorCache,
		Stealth:         stealthCtrl,
	}

	evaluator := health.NewEvaluator(2*time.Second,
		health.PoolProbe(instancePool),
		health.MemoryProbe(resourceManager),
		health.BrowserProbe(resourceManager),
		health.BreakerProbe(breaker),
	)

	return &Runtime{
		Pipeline:       pipeline.NewExtractionPipeline(cfg.Extraction, deps),
		Pool:           instancePool,
		Resources:      resourceManager,
		EventBus:       eventBus,
		Health:         evaluator,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		TracerProvider: tracerProvider,
	}, nil
}

// ApplyTunables pushes a hot-reloaded config.Tunables into the live
// pipeline and resource manager without restarting either, the consumer
// side of internal/config.ReloadWatcher's update channel.
func (r *Runtime) ApplyTunables(t config.Tunables) {
	if t.Gate != (gate.Thresholds{}) {
		r.Pipeline.SetGateThresholds(t.Gate)
	}
	if t.Resources.MemoryLimitMB > 0 {
		r.Resources.SetMemoryLimits(t.Resources.MemoryLimitMB, t.Resources.PressureThreshold, t.Resources.GCTriggerThreshold)
	}
}

// Close stops the pool's dispatcher and, when tracing is enabled, shuts
// down the TracerProvider. The pool's health monitor goroutine is only
// started by callers that invoke StartHealthMonitor, so there is nothing
// else here to stop.
func (r *Runtime) Close() error {
	r.Pool.Stop()
	if r.TracerProvider != nil {
		return r.TracerProvider.Shutdown(context.Background())
	}
	return nil
}
