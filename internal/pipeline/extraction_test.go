package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/riptide-run/riptide/internal/cache"
	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/riptide-run/riptide/internal/pool"
	"github.com/riptide-run/riptide/internal/resources"
	"github.com/riptide-run/riptide/models"
	"github.com/riptide-run/riptide/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	html   string
	status int
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (ports.FetchResult, error) {
	f.calls++
	if f.err != nil {
		return ports.FetchResult{}, f.err
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return ports.FetchResult{Bytes: []byte(f.html), Status: status, FinalURL: rawURL, ContentType: "text/html"}, nil
}

type fakeExtractor struct {
	doc models.ExtractedDoc
	err error
}

func (f *fakeExtractor) Extract(ctx context.Context, html []byte, url string, mode models.ExtractionMode) (models.ExtractedDoc, error) {
	if f.err != nil {
		return models.ExtractedDoc{}, f.err
	}
	return f.doc, nil
}

type noopEventBus struct{ published int }

func (b *noopEventBus) Publish(ctx context.Context, ev models.Event) error {
	b.published++
	return nil
}

func newTestPipeline(t *testing.T, fetcher ports.HttpFetcher, extractor ports.Extractor, bus ports.EventBus) *ExtractionPipeline {
	t.Helper()
	breaker := circuit.New(circuit.DefaultConfig(), circuit.RealClock{})
	p := pool.New(pool.DefaultConfig(), breaker, nil)

	return NewExtractionPipeline(DefaultExtractionConfig(), ExtractionDeps{
		Fetcher:      fetcher,
		Extractor:    extractor,
		EventBus:     bus,
		Breaker:      breaker,
		InstancePool: p,
		ContentCache: cache.New(cache.DefaultConfig()),
	})
}

const sampleArticleHTML = `<html><head><meta property="og:title" content="t"></head><body><article><p>` +
	`one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen ` +
	`sixteen seventeen eighteen nineteen twenty</p></article></body></html>`

func TestExtractReturnsDocOnHappyPath(t *testing.T) {
	fetcher := &fakeFetcher{html: sampleArticleHTML}
	extractor := &fakeExtractor{doc: models.ExtractedDoc{Text: "one two three", Title: "t", QualityScore: 0.9, ExtractionConfidence: 0.9}}
	bus := &noopEventBus{}
	p := newTestPipeline(t, fetcher, extractor, bus)

	doc, err := p.Extract(context.Background(), "https://example.com/a", models.DefaultCrawlOptions())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", doc.URL)
	assert.False(t, doc.FromCache)
	assert.Equal(t, 1, bus.published)
}

func TestExtractServesFromCacheOnSecondCall(t *testing.T) {
	fetcher := &fakeFetcher{html: sampleArticleHTML}
	extractor := &fakeExtractor{doc: models.ExtractedDoc{Text: "one two three", Title: "t", QualityScore: 0.9, ExtractionConfidence: 0.9}}
	bus := &noopEventBus{}
	p := newTestPipeline(t, fetcher, extractor, bus)

	_, err := p.Extract(context.Background(), "https://example.com/b", models.DefaultCrawlOptions())
	require.NoError(t, err)

	doc, err := p.Extract(context.Background(), "https://example.com/b", models.DefaultCrawlOptions())
	require.NoError(t, err)
	assert.True(t, doc.FromCache)
	assert.Equal(t, 1, fetcher.calls, "second call must be served from cache without refetching")
}

func TestExtractRejectsEmptyURL(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{}, &fakeExtractor{}, nil)
	_, err := p.Extract(context.Background(), "", models.DefaultCrawlOptions())
	assert.ErrorIs(t, err, models.ErrInvalidURL)
}

func TestExtractReturnsDuplicateErrorUnderIdempotencyToken(t *testing.T) {
	fetcher := &fakeFetcher{html: sampleArticleHTML}
	extractor := &fakeExtractor{doc: models.ExtractedDoc{Text: "x", QualityScore: 0.5}}
	breaker := circuit.New(circuit.DefaultConfig(), circuit.RealClock{})
	p := NewExtractionPipeline(DefaultExtractionConfig(), ExtractionDeps{
		Fetcher:      fetcher,
		Extractor:    extractor,
		Breaker:      breaker,
		InstancePool: pool.New(pool.DefaultConfig(), breaker, nil),
		ContentCache: cache.New(cache.DefaultConfig()),
		Idempotency:  cache.NewInMemoryIdempotency(),
	})

	opts := models.DefaultCrawlOptions()
	opts.IdempotencyKey = "tok-shared"
	opts.CacheMode = models.CacheModeBypass

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = p.Extract(context.Background(), "https://example.com/c", opts)
		}(i)
	}
	wg.Wait()

	dup := 0
	for _, e := range results {
		if e != nil {
			dup++
		}
	}
	assert.LessOrEqual(t, dup, 1, "at most one concurrent caller should be rejected as a duplicate")
}

func TestCrawlBatchAggregatesStats(t *testing.T) {
	fetcher := &fakeFetcher{html: sampleArticleHTML}
	extractor := &fakeExtractor{doc: models.ExtractedDoc{Text: "one two three", QualityScore: 0.7, ExtractionConfidence: 0.7}}
	p := newTestPipeline(t, fetcher, extractor, &noopEventBus{})

	urls := []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"}
	results, stats := p.CrawlBatch(context.Background(), urls, models.DefaultCrawlOptions())

	assert.Len(t, results, 3)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Successful)
	assert.Equal(t, 0, stats.Failed)
}

func TestCrawlBatchUsesOneWorkerIDPerSlot(t *testing.T) {
	fetcher := &fakeFetcher{html: sampleArticleHTML}
	extractor := &fakeExtractor{doc: models.ExtractedDoc{Text: "one two three", QualityScore: 0.7, ExtractionConfidence: 0.7}}
	instancePool := pool.New(pool.DefaultConfig(), nil, nil)

	cfg := DefaultExtractionConfig()
	cfg.MaxConcurrency = 2
	p := NewExtractionPipeline(cfg, ExtractionDeps{
		Fetcher:      fetcher,
		Extractor:    extractor,
		InstancePool: instancePool,
	})

	opts := models.DefaultCrawlOptions()
	opts.CacheMode = models.CacheModeBypass
	urls := []string{"https://example.com/1", "https://example.com/2", "https://example.com/3", "https://example.com/4"}
	results, _ := p.CrawlBatch(context.Background(), urls, opts)

	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, instancePool.InstanceCount(), 2, "instances must be bounded by the batch's worker slots")
	assert.GreaterOrEqual(t, instancePool.InstanceCount(), 1)
}

func TestAcquireBrowserDeniedWithoutBrowserConfigured(t *testing.T) {
	rm := resources.NewResourceManager(resources.DefaultResourceManagerConfig(), nil, nil)
	p := NewExtractionPipeline(DefaultExtractionConfig(), ExtractionDeps{
		ResourceManager: rm,
	})
	_, err := p.extractViaHeadless(context.Background(), "https://example.com/d")
	assert.Error(t, err)
}
