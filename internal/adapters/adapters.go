// Package adapters bridges the concrete transport, event-bus and metrics
// infrastructure to the narrow ports package that the RipTide core depends
// on. Nothing here implements new behavior; each type is a thin translation
// layer so the pipeline can depend on ports.HttpFetcher/EventBus/MetricsSink
// while internal/crawler, internal/telemetry/events and
// internal/telemetry/metrics keep their own native shapes for the rest of
// the codebase.
package adapters

import (
	"context"
	"time"

	"github.com/riptide-run/riptide/internal/crawler"
	events "github.com/riptide-run/riptide/internal/telemetry/events"
	metrics "github.com/riptide-run/riptide/internal/telemetry/metrics"
	"github.com/riptide-run/riptide/models"
	"github.com/riptide-run/riptide/ports"
)

// FetcherAdapter adapts a crawler.Fetcher (e.g. *crawler.CollyFetcher) to
// ports.HttpFetcher. The pipeline only ever needs raw bytes + status +
// headers for a single URL; link discovery and policy configuration stay on
// the native crawler.Fetcher surface.
type FetcherAdapter struct {
	fetcher crawler.Fetcher
}

// NewFetcherAdapter wraps an existing crawler.Fetcher.
func NewFetcherAdapter(f crawler.Fetcher) *FetcherAdapter {
	return &FetcherAdapter{fetcher: f}
}

func (a *FetcherAdapter) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (ports.FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := a.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return ports.FetchResult{}, err
	}
	final := rawURL
	if res.URL != nil {
		final = res.URL.String()
	}
	return ports.FetchResult{
		Bytes:       res.Content,
		Status:      res.Status,
		Headers:     res.Headers,
		FinalURL:    final,
		ContentType: res.Headers["Content-Type"],
	}, nil
}

// EventBusAdapter adapts internal/telemetry/events.Bus (native Event shape)
// to ports.EventBus (models.Event shape), so pipeline and outbox code can
// publish without importing the events package's own Event type.
type EventBusAdapter struct {
	bus events.Bus
}

// NewEventBusAdapter wraps an existing events.Bus.
func NewEventBusAdapter(bus events.Bus) *EventBusAdapter {
	return &EventBusAdapter{bus: bus}
}

func (a *EventBusAdapter) Publish(ctx context.Context, ev models.Event) error {
	category := events.CategoryPipeline
	switch ev.Severity {
	case models.SeverityCritical, models.SeverityError:
		category = events.CategoryError
	}
	return a.bus.PublishCtx(ctx, events.Event{
		Time:     ev.Timestamp,
		Category: category,
		Type:     ev.EventType,
		Severity: string(ev.Severity),
		Labels:   map[string]string{"source": ev.Source, "event_id": ev.EventID},
		Fields:   ev.Metadata,
	})
}

// MetricsAdapter narrows internal/telemetry/metrics.Provider down to
// ports.MetricsSink, caching created instruments by name+kind so repeated
// calls with the same metric name reuse one instrument instead of
// re-registering it with the backend on every observation.
type MetricsAdapter struct {
	provider   metrics.Provider
	counters   map[string]metrics.Counter
	gauges     map[string]metrics.Gauge
	histograms map[string]metrics.Histogram
}

// NewMetricsAdapter wraps an existing metrics.Provider.
func NewMetricsAdapter(provider metrics.Provider) *MetricsAdapter {
	return &MetricsAdapter{
		provider:   provider,
		counters:   make(map[string]metrics.Counter),
		gauges:     make(map[string]metrics.Gauge),
		histograms: make(map[string]metrics.Histogram),
	}
}

func (a *MetricsAdapter) IncCounter(name string, delta float64, labels ...string) {
	c, ok := a.counters[name]
	if !ok {
		c = a.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "riptide", Name: name, Help: name}})
		a.counters[name] = c
	}
	c.Inc(delta, labels...)
}

func (a *MetricsAdapter) SetGauge(name string, v float64, labels ...string) {
	g, ok := a.gauges[name]
	if !ok {
		g = a.provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "riptide", Name: name, Help: name}})
		a.gauges[name] = g
	}
	g.Set(v, labels...)
}

func (a *MetricsAdapter) ObserveHistogram(name string, v float64, labels ...string) {
	h, ok := a.histograms[name]
	if !ok {
		h = a.provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: "riptide", Name: name, Help: name}})
		a.histograms[name] = h
	}
	h.Observe(v, labels...)
}
