package outbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Transport forwards a published event downstream (message broker, webhook,
// etc.). The Publisher only needs something that can fail.
type Transport interface {
	Send(ctx context.Context, row PendingRow) error
}

// PublisherConfig tunes the background poll loop.
type PublisherConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffFactor float64
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval:  500 * time.Millisecond,
		BatchSize:     64,
		MaxRetries:    8,
		BackoffBase:   time.Second,
		BackoffFactor: 2.0,
	}
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	d := DefaultPublisherConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	return c
}

// PublisherStats is a point-in-time counter snapshot.
type PublisherStats struct {
	Published uint64
	Failed    uint64
	Permanent uint64 // send failures that brought a row to MaxRetries; the row stays unpublished and is polled again after its backoff
}

// Publisher is the background poll loop: ordered by created_at per
// publisher instance (cross-publisher order is not guaranteed), row-locked
// via Store.poll's FOR UPDATE SKIP LOCKED, forwarding to Transport, with
// exponential backoff and a last_error trail on failure. Shutdown is
// cooperative via context cancellation.
type Publisher struct {
	store     *Store
	pool      *pgxpool.Pool
	transport Transport
	cfg       PublisherConfig

	published uint64
	failed    uint64
	permanent uint64
}

// NewPublisher constructs a Publisher bound to one outbox table and one
// downstream transport.
func NewPublisher(store *Store, pool *pgxpool.Pool, transport Transport, cfg PublisherConfig) *Publisher {
	return &Publisher{store: store, pool: pool, transport: transport, cfg: cfg.withDefaults()}
}

// Run polls until ctx is cancelled. It is safe to run multiple Publisher
// instances against the same table concurrently: row locking prevents
// double-claiming a row within one poll cycle, and duplicate delivery
// across restarts or instances is expected to be handled by idempotent
// consumers.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce runs exactly one poll-publish cycle; exported indirectly via Run,
// but kept as its own method so tests can drive single cycles deterministically.
func (p *Publisher) pollOnce(ctx context.Context) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := p.store.poll(ctx, tx, p.cfg.BatchSize)
	if err != nil || len(rows) == 0 {
		return
	}

	for _, row := range rows {
		sendErr := p.transport.Send(ctx, row)
		if sendErr == nil {
			if err := p.store.markPublished(ctx, tx, row.ID); err == nil {
				p.published++
			}
			continue
		}
		backoff := p.cfg.BackoffFor(row.RetryCount + 1)
		if row.RetryCount+1 >= p.cfg.MaxRetries {
			p.permanent++
			_ = p.store.markFailed(ctx, tx, row.ID, fmt.Errorf("permanent failure after %d retries: %w", row.RetryCount, sendErr), backoff)
			continue
		}
		p.failed++
		_ = p.store.markFailed(ctx, tx, row.ID, sendErr, backoff)
	}

	if err := tx.Commit(ctx); err == nil {
		committed = true
	}
}

// BackoffFor returns the exponential backoff delay for the given retry
// count; markFailed stamps it into next_attempt_at so poll skips the row
// until the window elapses.
func (c PublisherConfig) BackoffFor(retryCount int) time.Duration {
	mult := math.Pow(c.BackoffFactor, float64(retryCount))
	return time.Duration(float64(c.BackoffBase) * mult)
}

// Stats returns a snapshot of publish/failure counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{Published: p.published, Failed: p.failed, Permanent: p.permanent}
}
