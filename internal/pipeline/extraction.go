package pipeline

// ExtractionPipeline is the per-URL orchestration at the center of the
// system: cache lookup, idempotency check, adaptive fetch, content-type
// routing, gating, sandboxed extraction, headless fallback,
// post-processing, cache write, and event emission, in that order.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riptide-run/riptide/internal/cache"
	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/riptide-run/riptide/internal/gate"
	"github.com/riptide-run/riptide/internal/pool"
	"github.com/riptide-run/riptide/internal/resources"
	"github.com/riptide-run/riptide/internal/stealth"
	"github.com/riptide-run/riptide/internal/timeout"
	"github.com/riptide-run/riptide/models"
	"github.com/riptide-run/riptide/ports"
)

// ExtractionConfig tunes per-call thresholds.
// GracefulDegradation keeps a low-confidence fast-path doc when the headless
// escalation itself fails, instead of failing the whole call.
type ExtractionConfig struct {
	MaxConcurrency                 int
	FastExtractionQualityThreshold float64
	IdempotencyTTL                 time.Duration
	GateThresholds                 gate.Thresholds
	GracefulDegradation            bool
}

func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		MaxConcurrency:                 16,
		FastExtractionQualityThreshold: 0.6,
		IdempotencyTTL:                 5 * time.Minute,
		GateThresholds:                 gate.DefaultThresholds(),
		GracefulDegradation:            true,
	}
}

func (c ExtractionConfig) withDefaults() ExtractionConfig {
	d := DefaultExtractionConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.FastExtractionQualityThreshold <= 0 {
		c.FastExtractionQualityThreshold = d.FastExtractionQualityThreshold
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.GateThresholds == (gate.Thresholds{}) {
		c.GateThresholds = d.GateThresholds
	}
	return c
}

// ExtractionDeps wires every collaborator the pipeline orchestrates. Fetcher
// and Extractor are required. Stealth may be nil (no request randomization),
// as may Idempotency (no duplicate suppression); a nil ContentCache,
// ExtractorCache, TimeoutLearner, InstancePool, EventBus or Clock skips the
// step that uses it. The headless path fails when Browser or
// ResourceManager is nil. Breaker and Metrics are not read by the pipeline.
type ExtractionDeps struct {
	Fetcher     ports.HttpFetcher
	Browser     ports.BrowserPort
	Extractor   ports.Extractor
	Idempotency ports.IdempotencyStore
	EventBus    ports.EventBus
	Metrics     ports.MetricsSink
	Clock       ports.Clock

	Breaker         *circuit.Breaker
	TimeoutLearner  *timeout.Learner
	InstancePool    *pool.Pool
	ResourceManager *resources.ResourceManager
	ContentCache    *cache.Content
	ExtractorCache  *cache.Extractor
	Stealth         *stealth.Controller
}

// ExtractionPipeline is the per-URL orchestrator.
type ExtractionPipeline struct {
	cfg            ExtractionConfig
	deps           ExtractionDeps
	gateThresholds atomic.Pointer[gate.Thresholds]
}

// NewExtractionPipeline constructs the orchestrator bound to its collaborators.
func NewExtractionPipeline(cfg ExtractionConfig, deps ExtractionDeps) *ExtractionPipeline {
	cfg = cfg.withDefaults()
	p := &ExtractionPipeline{cfg: cfg, deps: deps}
	thresholds := cfg.GateThresholds
	p.gateThresholds.Store(&thresholds)
	return p
}

// SetGateThresholds swaps the Gate's score cutoffs without restarting the
// pipeline, the hook internal/config.ReloadWatcher drives on a config file
// change.
func (p *ExtractionPipeline) SetGateThresholds(t gate.Thresholds) {
	p.gateThresholds.Store(&t)
}

// BatchResult is one URL's outcome inside a CrawlBatch call.
type BatchResult struct {
	URL string
	Doc models.ExtractedDoc
	Err error
}

// BatchStats aggregates a batch run.
type BatchStats struct {
	Total         int
	Successful    int
	Failed        int
	CacheHitRate  float64
	P50LatencyMs  float64
	P95LatencyMs  float64
}

// Extract runs phases 1-10 for a single URL.
func (p *ExtractionPipeline) Extract(ctx context.Context, rawURL string, opts models.CrawlOptions) (models.ExtractedDoc, error) {
	start := p.now()
	u, err := models.ParseURL(rawURL)
	if err != nil {
		return models.ExtractedDoc{}, err
	}

	mode := opts.ExtractionMode
	if mode == "" {
		mode = models.ExtractionModeArticle
	}

	// Phase 1: cache lookup.
	cacheKey := cache.Key(u.Canonical, mode)
	if opts.CacheMode == models.CacheModeDefault || opts.CacheMode == models.CacheModeReadThrough {
		if p.deps.ContentCache != nil {
			if entry, ok := p.deps.ContentCache.Get(cacheKey); ok {
				var doc models.ExtractedDoc
				if err := json.Unmarshal(entry.Payload, &doc); err == nil {
					doc.FromCache = true
					p.emit(ctx, "extraction.completed", models.SeverityInfo, rawURL, map[string]interface{}{"from_cache": true})
					return doc, nil
				}
			}
		}
	}

	// Phase 2: idempotency check. The token is only released on failure so a
	// retry can go through; a successful extraction keeps it until TTL expiry,
	// which is what makes repeated submissions of the same token duplicates.
	keepToken := false
	if opts.IdempotencyKey != "" && p.deps.Idempotency != nil {
		acquired, err := p.deps.Idempotency.Acquire(ctx, opts.IdempotencyKey, p.cfg.IdempotencyTTL)
		if err != nil {
			return models.ExtractedDoc{}, fmt.Errorf("idempotency acquire: %w", err)
		}
		if !acquired {
			return models.ExtractedDoc{}, models.ErrDuplicateRequest
		}
		defer func() {
			if !keepToken {
				_ = p.deps.Idempotency.Release(ctx, opts.IdempotencyKey)
			}
		}()
	}

	// Phase 3: fetch, with adaptive timeout and one retry for transient errors.
	fetchTimeout := opts.Timeout
	if fetchTimeout <= 0 && p.deps.TimeoutLearner != nil {
		fetchTimeout = p.deps.TimeoutLearner.TimeoutFor(rawURL)
	}
	res, err := p.fetchWithRetry(ctx, rawURL, fetchTimeout)
	if err != nil {
		if p.deps.ResourceManager != nil {
			p.deps.ResourceManager.CleanupOnTimeout(ctx, "fetch")
		}
		p.emit(ctx, "extraction.failed", models.SeverityError, rawURL, map[string]interface{}{"phase": "fetch", "error": err.Error()})
		return models.ExtractedDoc{}, models.NewRiptideError(models.KindTransient, "fetch", rawURL, true, err)
	}
	if res.Status >= 400 && res.Status < 500 {
		return models.ExtractedDoc{}, models.NewRiptideError(models.KindPermanent, "fetch", rawURL, false, fmt.Errorf("origin returned status %d", res.Status))
	}
	if res.Status >= 500 {
		return models.ExtractedDoc{}, models.NewRiptideError(models.KindTransient, "fetch", rawURL, true, fmt.Errorf("origin returned status %d", res.Status))
	}
	if len(res.Bytes) == 0 {
		return models.ExtractedDoc{}, models.ErrEmptyHTML
	}
	if int64(len(res.Bytes)) > models.MaxHTMLBytes {
		return models.ExtractedDoc{}, models.ErrOversizedHTML
	}

	// Phase 4: content-type routing. PDF decoding is an external concern;
	// only the HTML path is handled in-process.
	if isPDF(res.ContentType, res.Bytes) {
		return models.ExtractedDoc{}, fmt.Errorf("%w: pdf content-type routing is out of scope", models.ErrExtractionFailed)
	}

	// Phase 5: gate.
	features, err := gate.ExtractFeatures(res.Bytes, 0.5)
	if err != nil {
		return models.ExtractedDoc{}, fmt.Errorf("gate feature extraction: %w", err)
	}
	decision := gate.Decide(features, *p.gateThresholds.Load())

	// Phase 6: WASM-path extraction under an instance pool guard.
	var doc models.ExtractedDoc
	var extractErr error
	if decision != models.DecisionHeadless && p.deps.InstancePool != nil {
		doc, extractErr = p.extractViaPool(ctx, rawURL, res.Bytes, mode)
	}

	// Phase 7: headless fallback.
	needsHeadless := decision == models.DecisionHeadless ||
		(decision == models.DecisionProbesFirst && (extractErr != nil || doc.ExtractionConfidence < p.cfg.FastExtractionQualityThreshold))
	if needsHeadless {
		headlessDoc, hErr := p.extractViaHeadless(ctx, rawURL)
		switch {
		case hErr == nil:
			doc = mergeDocs(doc, headlessDoc)
			doc.UsedHeadless = true
			extractErr = nil
		case extractErr != nil || doc.Text == "" || !p.cfg.GracefulDegradation:
			// No usable fast-path doc to fall back on (or degraded results
			// are disallowed): surface the headless failure with partial
			// fields, emit, and skip the cache write.
			p.emit(ctx, "extraction.failed", models.SeverityError, rawURL, map[string]interface{}{"phase": "headless", "error": hErr.Error()})
			partial := models.ExtractedDoc{URL: rawURL, FinalURL: res.FinalURL}
			return partial, models.NewRiptideError(models.KindTransient, "headless", rawURL, true, hErr)
		}
		// hErr != nil but the fast path produced a doc and graceful
		// degradation is on: keep the low-confidence fast-path result.
	}
	if extractErr != nil {
		p.emit(ctx, "extraction.failed", models.SeverityError, rawURL, map[string]interface{}{"phase": "extract", "error": extractErr.Error()})
		return models.ExtractedDoc{}, extractErr
	}

	// Phase 8: post-processing.
	doc.URL = rawURL
	if doc.FinalURL == "" {
		doc.FinalURL = res.FinalURL
	}
	doc.Decision = decision
	doc.ExtractedAt = p.now()
	postProcess(&doc, opts.OutputFormat)

	// Phase 9: cache write.
	if doc.QualityScore > 0 && opts.CacheMode != models.CacheModeBypass && p.deps.ContentCache != nil {
		payload, err := json.Marshal(doc)
		if err == nil {
			p.deps.ContentCache.Insert(cacheKey, models.CacheEntry{
				URL:         rawURL,
				ContentHash: cache.HashContent(res.Bytes),
				Payload:     payload,
				SizeBytes:   int64(len(payload)),
				Domain:      u.Domain,
			})
		}
	}

	// Phase 10: event emission.
	latencyMs := float64(p.now().Sub(start).Milliseconds())
	p.emit(ctx, "extraction.completed", models.SeverityInfo, rawURL, map[string]interface{}{
		"latency_ms":    latencyMs,
		"used_headless": doc.UsedHeadless,
		"decision":      string(decision),
	})
	if p.deps.ResourceManager != nil {
		p.deps.ResourceManager.RecordSuccess()
	}

	keepToken = true
	return doc, nil
}

func (p *ExtractionPipeline) fetchWithRetry(ctx context.Context, rawURL string, timeout time.Duration) (ports.FetchResult, error) {
	fetchStart := p.now()
	res, err := p.deps.Fetcher.Fetch(ctx, rawURL, timeout)
	if err == nil {
		if p.deps.TimeoutLearner != nil {
			p.deps.TimeoutLearner.RecordSuccess(rawURL, p.now().Sub(fetchStart))
		}
		return res, nil
	}
	if p.deps.TimeoutLearner != nil {
		p.deps.TimeoutLearner.RecordTimeout(rawURL)
	}
	// One retry with backoff for transient network errors; 4xx responses come
	// back as err == nil above and are never retried.
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return ports.FetchResult{}, ctx.Err()
	}
	retryStart := p.now()
	res, err = p.deps.Fetcher.Fetch(ctx, rawURL, timeout)
	if err == nil && p.deps.TimeoutLearner != nil {
		p.deps.TimeoutLearner.RecordSuccess(rawURL, p.now().Sub(retryStart))
	}
	return res, err
}

func (p *ExtractionPipeline) extractViaPool(ctx context.Context, rawURL string, html []byte, mode models.ExtractionMode) (models.ExtractedDoc, error) {
	if p.deps.ExtractorCache != nil {
		if doc, ok := p.deps.ExtractorCache.Get(cache.HashContent(html), mode); ok {
			return doc, nil
		}
	}

	guard, err := p.deps.InstancePool.Acquire(ctx, workerIDFromContext(ctx))
	if err != nil {
		return models.ExtractedDoc{}, err
	}
	defer guard.Release()

	var doc models.ExtractedDoc
	runErr := guard.Run(ctx, func(opCtx context.Context) error {
		d, err := p.deps.Extractor.Extract(opCtx, html, rawURL, mode)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	if runErr != nil {
		guard.RecordFallback()
		return models.ExtractedDoc{}, runErr
	}

	if p.deps.ExtractorCache != nil {
		p.deps.ExtractorCache.Put(cache.HashContent(html), mode, doc)
	}
	return doc, nil
}

func (p *ExtractionPipeline) extractViaHeadless(ctx context.Context, rawURL string) (models.ExtractedDoc, error) {
	if p.deps.Browser == nil || p.deps.ResourceManager == nil {
		return models.ExtractedDoc{}, fmt.Errorf("%w: no browser configured", models.ErrExtractionFailed)
	}
	release, err := p.deps.ResourceManager.Acquire(ctx, resources.ResourceBrowser, 0)
	if err != nil {
		return models.ExtractedDoc{}, err
	}
	defer release()

	domain := domainOfURL(rawURL)
	var navParams ports.NavigateParams
	if p.deps.Stealth != nil {
		sp := p.deps.Stealth.BuildNavigateParams(domain)
		navParams = ports.NavigateParams{
			UserAgent: sp.UserAgent, Headers: sp.Headers,
			ViewportW: sp.ViewportW, ViewportH: sp.ViewportH,
			Locale: sp.Locale, Timezone: sp.Timezone, InjectedJS: sp.InjectedJS,
		}
		time.Sleep(p.deps.Stealth.CalculateDelay(domain))
		p.deps.Stealth.MarkRequestSent()
	}

	nav, err := p.deps.Browser.Navigate(ctx, rawURL, navParams)
	if err != nil {
		return models.ExtractedDoc{}, err
	}
	if p.deps.Extractor == nil {
		return models.ExtractedDoc{}, fmt.Errorf("%w: no extractor configured", models.ErrExtractionFailed)
	}
	doc, err := p.deps.Extractor.Extract(ctx, []byte(nav.HTML), rawURL, models.ExtractionModeFull)
	if err != nil {
		return models.ExtractedDoc{}, err
	}
	doc.FinalURL = nav.FinalURL
	return doc, nil
}

// CrawlBatch runs Extract for every URL concurrently bounded by
// MaxConcurrency.
func (p *ExtractionPipeline) CrawlBatch(ctx context.Context, urls []string, opts models.CrawlOptions) ([]BatchResult, BatchStats) {
	// Each concurrency slot doubles as a worker identity: the goroutine
	// holding slot N is the only one extracting as "batch-N", so the
	// Instance Pool's one-instance-per-worker exclusivity holds across the
	// whole batch.
	slots := make(chan int, p.cfg.MaxConcurrency)
	for i := 0; i < p.cfg.MaxConcurrency; i++ {
		slots <- i
	}
	results := make([]BatchResult, len(urls))
	latencies := make([]float64, len(urls))
	var wg sync.WaitGroup
	var cacheHits int64
	var mu sync.Mutex

	for i, u := range urls {
		wg.Add(1)
		slot := <-slots
		go func(i int, u string, slot int) {
			defer wg.Done()
			defer func() { slots <- slot }()

			workerCtx := WithWorkerID(ctx, fmt.Sprintf("batch-%d", slot))
			start := p.now()
			doc, err := p.Extract(workerCtx, u, opts)
			elapsed := float64(p.now().Sub(start).Milliseconds())

			mu.Lock()
			latencies[i] = elapsed
			if doc.FromCache {
				cacheHits++
			}
			mu.Unlock()
			results[i] = BatchResult{URL: u, Doc: doc, Err: err}
		}(i, u, slot)
	}
	wg.Wait()

	stats := BatchStats{Total: len(urls)}
	for _, r := range results {
		if r.Err == nil {
			stats.Successful++
		} else {
			stats.Failed++
		}
	}
	if len(urls) > 0 {
		stats.CacheHitRate = float64(cacheHits) / float64(len(urls))
	}
	stats.P50LatencyMs, stats.P95LatencyMs = percentiles(latencies)

	return results, stats
}

func (p *ExtractionPipeline) now() time.Time {
	if p.deps.Clock != nil {
		return p.deps.Clock.Now()
	}
	return time.Now()
}

func (p *ExtractionPipeline) emit(ctx context.Context, eventType string, severity models.Severity, rawURL string, fields map[string]interface{}) {
	if p.deps.EventBus == nil {
		return
	}
	fields["url"] = rawURL
	_ = p.deps.EventBus.Publish(ctx, models.Event{
		EventID:   models.NewEventID(),
		EventType: eventType,
		Timestamp: p.now(),
		Source:    "extraction_pipeline",
		Severity:  severity,
		Metadata:  fields,
	})
}

func mergeDocs(fast, headless models.ExtractedDoc) models.ExtractedDoc {
	if fast.Text == "" {
		return headless
	}
	merged := headless
	if merged.Title == "" {
		merged.Title = fast.Title
	}
	if len(merged.Links) == 0 {
		merged.Links = fast.Links
	}
	return merged
}

func postProcess(doc *models.ExtractedDoc, format models.OutputFormat) {
	if doc.WordCount == 0 && doc.Text != "" {
		doc.WordCount = len(bytes.Fields([]byte(doc.Text)))
	}
	if doc.ReadingTimeSec == 0 && doc.WordCount > 0 {
		const wordsPerMinute = 230
		doc.ReadingTimeSec = (doc.WordCount * 60) / wordsPerMinute
	}
	if doc.QualityScore == 0 {
		doc.QualityScore = estimateQuality(*doc)
	}
	if doc.ExtractionConfidence == 0 {
		doc.ExtractionConfidence = doc.QualityScore
	}
}

func estimateQuality(doc models.ExtractedDoc) float64 {
	score := 0.0
	if doc.Title != "" {
		score += 0.2
	}
	if doc.WordCount > 100 {
		score += 0.5
	} else if doc.WordCount > 0 {
		score += 0.2
	}
	if len(doc.Media) > 0 {
		score += 0.1
	}
	if len(doc.Links) > 0 {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

func percentiles(samples []float64) (p50, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx50 := (len(sorted) * 50) / 100
	idx95 := (len(sorted) * 95) / 100
	if idx50 >= len(sorted) {
		idx50 = len(sorted) - 1
	}
	if idx95 >= len(sorted) {
		idx95 = len(sorted) - 1
	}
	return sorted[idx50], sorted[idx95]
}

func isPDF(contentType string, body []byte) bool {
	if len(contentType) >= 15 && contentType[:15] == "application/pdf" {
		return true
	}
	return len(body) >= 5 && string(body[:5]) == "%PDF-"
}

func domainOfURL(rawURL string) string {
	u, err := models.ParseURL(rawURL)
	if err != nil {
		return ""
	}
	return u.Domain
}

type workerIDKey struct{}

// WithWorkerID attaches the calling worker's identity to ctx, consumed by
// extractViaPool to satisfy the Instance Pool's one-instance-per-worker
// invariant.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

func workerIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(workerIDKey{}).(string); ok && id != "" {
		return id
	}
	return "default"
}
