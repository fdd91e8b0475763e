package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Page represents a single scraped web page with its content and metadata,
// produced by the crawler/processor adapters ahead of Gate/Pipeline handling.
type Page struct {
	URL         *url.URL   `json:"url"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	CleanedText string     `json:"cleaned_text"`
	Markdown    string     `json:"markdown"`
	Links       []*url.URL `json:"links"`
	Images      []string   `json:"images"`
	Metadata    PageMeta   `json:"metadata"`
	CrawledAt   time.Time  `json:"crawled_at"`
	ProcessedAt time.Time  `json:"processed_at"`
}

type PageMeta struct {
	Author      string            `json:"author,omitempty"`
	Description string            `json:"description,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	PublishDate time.Time         `json:"publish_date,omitempty"`
	WordCount   int               `json:"word_count"`
	Headers     map[string]string `json:"headers,omitempty"`
	OpenGraph   OpenGraphMeta     `json:"open_graph,omitempty"`
}

type OpenGraphMeta struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	URL         string `json:"url,omitempty"`
	Type        string `json:"type,omitempty"`
}

// CrawlResult represents the result of processing a single URL through the pipeline
// (error remains an interface field; JSON marshalling will omit detailed error stack).
type CrawlResult struct {
	URL     string `json:"url"`
	Page    *Page  `json:"page"`
	Error   error  `json:"error,omitempty"`
	Stage   string `json:"stage"`
	Success bool   `json:"success"`
	Retry   bool   `json:"retry"`
}

type CrawlStats struct {
	TotalPages     int           `json:"total_pages"`
	ProcessedPages int           `json:"processed_pages"`
	FailedPages    int           `json:"failed_pages"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	PagesPerSec    float64       `json:"pages_per_sec,omitempty"`
}

// Domain-specific errors (copied for locality; keep values identical)
var (
	ErrMissingStartURL       = errors.New("start URL is required")
	ErrMissingAllowedDomains = errors.New("at least one allowed domain is required")
	ErrInvalidMaxDepth       = errors.New("max depth must be greater than 0")
	ErrURLNotAllowed         = errors.New("URL is not in allowed domains")
	ErrMaxDepthExceeded      = errors.New("maximum crawl depth exceeded")
	ErrMaxPagesExceeded      = errors.New("maximum pages limit reached")
	ErrContentNotFound       = errors.New("main content not found on page")
	ErrHTTPError             = errors.New("HTTP request failed")
	ErrHTMLParsingFailed     = errors.New("failed to parse HTML content")
	ErrMarkdownConversion    = errors.New("failed to convert HTML to markdown")
	ErrAssetDownloadFailed   = errors.New("failed to download asset")
	ErrOutputDirCreation     = errors.New("failed to create output directory")
	ErrFileWriteFailed       = errors.New("failed to write output file")
	ErrTemplateExecution     = errors.New("failed to execute template")
)

type CrawlError struct {
	URL   string
	Stage string
	Err   error
}

func (e *CrawlError) Error() string { return e.Err.Error() }
func (e *CrawlError) Unwrap() error { return e.Err }
func NewCrawlError(url, stage string, err error) *CrawlError { return &CrawlError{URL: url, Stage: stage, Err: err} }

// --- RipTide core data model ---
//
// The types above this line are produced by internal/crawler and
// internal/processor, the fetch/DOM-cleaning stack exercised
// through internal/adapters.ProcessorExtractor. Everything below is the data
// model the Gate, Instance Pool, Resource Manager, Reliability Primitives,
// and Stealth Controller are built on.

// MaxURLLength is the maximum accepted length of an absolute URL.
const MaxURLLength = 2048

// MaxHTMLBytes is the body-size cap enforced during fetch.
const MaxHTMLBytes = 20 * 1024 * 1024

// RURL wraps a validated, normalized absolute URL. Construct via ParseURL;
// the zero value is not meaningful. Named RURL (not Url) to avoid colliding
// with net/url.URL in call sites that import both.
type RURL struct {
	Raw       string
	Parsed    *url.URL
	Domain    string
	Canonical string // canonical form used for cache/idempotency keys
}

// ParseURL validates an absolute http(s) URL: scheme in {http, https},
// length <= MaxURLLength. It normalizes the URL (lowercase host, stripped
// default port, stripped fragment) before returning.
func ParseURL(raw string) (RURL, error) {
	if len(raw) == 0 || len(raw) > MaxURLLength {
		return RURL{}, fmt.Errorf("%w: length %d exceeds %d", ErrInvalidURL, len(raw), MaxURLLength)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return RURL{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return RURL{}, fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return RURL{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	normalized := *parsed
	normalized.Host = strings.ToLower(stripDefaultPort(normalized))
	normalized.Fragment = ""
	return RURL{
		Raw:       raw,
		Parsed:    &normalized,
		Domain:    normalized.Hostname(),
		Canonical: normalized.String(),
	}, nil
}

func stripDefaultPort(u url.URL) string {
	host := u.Host
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}

// CacheMode controls how the Pipeline consults the content cache.
type CacheMode string

const (
	CacheModeDefault     CacheMode = "default"
	CacheModeReadThrough CacheMode = "read_through"
	CacheModeBypass      CacheMode = "bypass"
	CacheModeRefresh     CacheMode = "refresh"
)

// ExtractionMode selects what the extractor produces.
type ExtractionMode string

const (
	ExtractionModeArticle  ExtractionMode = "article"
	ExtractionModeFull     ExtractionMode = "full"
	ExtractionModeMetadata ExtractionMode = "metadata"
)

// CustomExtractionMode builds a "custom:<sel>,<sel>" mode string.
func CustomExtractionMode(selectors ...string) ExtractionMode {
	return ExtractionMode("custom:" + strings.Join(selectors, ","))
}

// OutputFormat is the requested rendering of an ExtractedDoc.
type OutputFormat string

const (
	OutputFormatJSON     OutputFormat = "json"
	OutputFormatMarkdown OutputFormat = "markdown"
	OutputFormatNDJSON   OutputFormat = "ndjson"
	OutputFormatChunked  OutputFormat = "chunked"
)

// CrawlOptions is the caller-provided per-call configuration.
type CrawlOptions struct {
	CacheMode      CacheMode
	ExtractionMode ExtractionMode
	OutputFormat   OutputFormat
	Timeout        time.Duration // zero means "use adaptive timeout"
	IdempotencyKey string
	StealthPreset  StealthPreset
}

// DefaultCrawlOptions mirrors the zero-config request shape.
func DefaultCrawlOptions() CrawlOptions {
	return CrawlOptions{
		CacheMode:      CacheModeDefault,
		ExtractionMode: ExtractionModeArticle,
		OutputFormat:   OutputFormatJSON,
	}
}

// GateFeatures is the cheap static analysis performed on fetched HTML.
type GateFeatures struct {
	HTMLBytes        int
	VisibleTextChars int
	PCount           int
	ArticleCount     int
	H1H2Count        int
	ScriptBytes      int
	HasOG            bool
	HasJSONLDArticle bool
	SPAMarkers       uint8
	DomainPrior      float32 // [0,1], historical success rate for the domain
}

// Decision is the Gate's routing verdict.
type Decision string

const (
	DecisionRaw         Decision = "raw"
	DecisionProbesFirst Decision = "probes_first"
	DecisionHeadless    Decision = "headless"
)

// EngineHint is the pre-fetch engine hint head.
type EngineHint string

const (
	EngineHintAuto     EngineHint = "auto"
	EngineHintWasm     EngineHint = "wasm"
	EngineHintHeadless EngineHint = "headless"
)

// StealthPreset selects a bundle of Stealth Controller knobs.
type StealthPreset string

const (
	StealthPresetNone   StealthPreset = "none"
	StealthPresetLow    StealthPreset = "low"
	StealthPresetMedium StealthPreset = "medium"
	StealthPresetHigh   StealthPreset = "high"
)

// MediaRef is a link to an image/video/asset discovered during extraction.
type MediaRef struct {
	URL  string `json:"url"`
	Kind string `json:"kind"` // image|video|audio|other
	Alt  string `json:"alt,omitempty"`
}

// ExtractedDoc is the normalized output of the pipeline. Immutable after
// creation; owned by the Pipeline until returned to the caller.
type ExtractedDoc struct {
	URL                  string            `json:"url"`
	FinalURL             string            `json:"final_url"`
	Title                string            `json:"title,omitempty"`
	Text                 string            `json:"text"`
	Markdown             string            `json:"markdown,omitempty"`
	Links                []string          `json:"links,omitempty"`
	Media                []MediaRef        `json:"media,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	WordCount            int               `json:"word_count,omitempty"`
	ReadingTimeSec       int               `json:"reading_time_sec,omitempty"`
	QualityScore         float64           `json:"quality_score"`
	ExtractionConfidence float64           `json:"extraction_confidence"`
	Decision             Decision          `json:"decision"`
	FromCache            bool              `json:"from_cache"`
	UsedHeadless         bool              `json:"used_headless"`
	ExtractedAt          time.Time         `json:"extracted_at"`
}

// InstanceStats is a point-in-time snapshot of a pooled sandbox instance.
type InstanceStats struct {
	WorkerID        string    `json:"worker_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastOperation   time.Time `json:"last_operation"`
	OperationsCount uint64    `json:"operations_count"`
	FailureCount    uint32    `json:"failure_count"`
	MemoryPages     uint32    `json:"memory_pages"`
	MemoryPeakPages uint32    `json:"memory_peak_pages"`
	IsHealthy       bool      `json:"is_healthy"`
}

// ResourceStatus is a derived, never-stored snapshot of process-wide resource
// pressure.
type ResourceStatus struct {
	MemoryUsageBytes int64            `json:"memory_usage_bytes"`
	MemoryPressure   bool             `json:"memory_pressure"`
	DegradationScore float64          `json:"degradation_score"`
	ActiveResources  map[string]int64 `json:"active_resources"`
}

// CircuitState enumerates the three-state atomic circuit breaker.
type CircuitState uint8

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// EvictionReason records why a CacheEntry left the content cache.
type EvictionReason string

const (
	EvictionLRUCapacity    EvictionReason = "lru_capacity"
	EvictionTTLExpired     EvictionReason = "ttl_expired"
	EvictionMemoryPressure EvictionReason = "memory_pressure"
	EvictionManual         EvictionReason = "manual"
)

// CacheEntry is one stored content-cache record.
type CacheEntry struct {
	URL          string
	ContentHash  string
	Payload      []byte
	SizeBytes    int64
	TTL          time.Duration
	InsertedAt   time.Time
	LastAccessed time.Time
	Domain       string
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (c CacheEntry) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return c.InsertedAt.Add(c.TTL).Before(now)
}

// Severity levels for Event.
type Severity string

const (
	SeverityTrace    Severity = "trace"
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the immutable envelope used by both the in-process bus and the
// outbox.
type Event struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Severity  Severity               `json:"severity"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEventID mints a unique event_id. Outbox publish call sites that don't
// already carry a caller-supplied idempotent ID should stamp one with this
// before insert.
func NewEventID() string {
	return uuid.NewString()
}

// OutboxRow is one row of the transactional outbox table.
type OutboxRow struct {
	ID          string
	EventID     string
	EventType   string
	AggregateID string
	Payload     []byte // JSON
	Metadata    []byte // JSON
	CreatedAt   time.Time
	PublishedAt *time.Time
	RetryCount  int
	LastError   string
}

// ErrorKind classifies errors for HTTP status mapping and retry policy. It
// does not replace Go error values.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindPermanent  ErrorKind = "permanent"
	KindCapacity   ErrorKind = "capacity"
	KindInternal   ErrorKind = "internal"
)

// RiptideError wraps an underlying error with a classification, the pipeline
// phase it occurred in, and whether the caller should retry. Mirrors the
// CrawlError/NewCrawlError shape above.
type RiptideError struct {
	Kind         ErrorKind
	Phase        string
	URL          string
	Retryable    bool
	RetryAfterMs int64
	Err          error
}

func (e *RiptideError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s[%s] %s: %v", e.Kind, e.Phase, e.URL, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Phase, e.Err)
}

func (e *RiptideError) Unwrap() error { return e.Err }

// NewRiptideError constructs a classified error, following the NewCrawlError
// convention above.
func NewRiptideError(kind ErrorKind, phase, url string, retryable bool, err error) *RiptideError {
	return &RiptideError{Kind: kind, Phase: phase, URL: url, Retryable: retryable, Err: err}
}

// Sentinel errors for the core model (kept in their own var block, mirroring
// the legacy block above).
var (
	ErrInvalidURL          = errors.New("url is invalid or exceeds max length")
	ErrOversizedHTML       = errors.New("html body exceeds max size")
	ErrEmptyHTML           = errors.New("html body is empty")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrHalfOpenSaturated   = errors.New("circuit breaker half-open trial slots saturated")
	ErrPoolSaturated       = errors.New("instance pool saturated")
	ErrEpochTimeout        = errors.New("instance operation exceeded epoch deadline")
	ErrResourceDenied      = errors.New("resource manager denied admission")
	ErrUnknownResourceType = errors.New("unknown resource type")
	ErrDuplicateRequest    = errors.New("duplicate request under idempotency token")
	ErrExtractionFailed    = errors.New("extraction failed")
)
