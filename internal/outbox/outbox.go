// Package outbox implements the transactional outbox pattern: events are
// written to the `event_outbox` table inside the caller's business
// transaction, and a background Publisher polls unpublished rows ordered by
// created_at, forwards them to a downstream transport, and marks them
// published. Rows are claimed with `SELECT ... FOR UPDATE SKIP LOCKED` so
// multiple publisher processes can run concurrently without contending for
// the same row; duplicate delivery across restarts remains possible and
// consumers are expected to be idempotent. Failures leave a last_error
// trail and retry with exponential backoff; shutdown is cooperative via
// context cancellation.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riptide-run/riptide/models"
)

// Schema is the `event_outbox` DDL, including the partial index that keeps
// polling unpublished rows cheap.
const Schema = `
CREATE TABLE IF NOT EXISTS event_outbox (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	metadata JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	published_at TIMESTAMPTZ,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON event_outbox (created_at) WHERE published_at IS NULL;
`

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx, letting Store.Insert
// participate in the caller's existing transaction (business write and
// outbox write commit atomically) or run standalone.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Store writes events into the outbox table, inside the caller's
// transaction when one is supplied.
type Store struct {
	tableName string
}

// NewStore constructs a Store targeting the default (or custom) table name.
func NewStore(tableName string) *Store {
	if tableName == "" {
		tableName = "event_outbox"
	}
	return &Store{tableName: tableName}
}

// Insert writes one event into the outbox. exec may be a *pgxpool.Pool
// (autocommit) or a pgx.Tx obtained from the caller's business transaction;
// passing a Tx is what makes the write atomic with the business row.
func (s *Store) Insert(ctx context.Context, exec Execer, ev models.Event, aggregateID string) error {
	payload, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	metadata, err := json.Marshal(map[string]string{"source": ev.Source, "severity": string(ev.Severity)})
	if err != nil {
		return fmt.Errorf("outbox: marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_type, aggregate_id, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, s.tableName)
	if _, err := exec.Exec(ctx, query, ev.EventID, ev.EventType, aggregateID, payload, metadata, ev.Timestamp); err != nil {
		return fmt.Errorf("outbox: insert event: %w", err)
	}
	return nil
}

// InsertBatch writes multiple events inside one transaction.
func (s *Store) InsertBatch(ctx context.Context, pool *pgxpool.Pool, events []models.Event, aggregateID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, ev := range events {
		if err := s.Insert(ctx, tx, ev, aggregateID); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit batch tx: %w", err)
	}
	return nil
}

// PendingRow is an unpublished outbox row fetched by a Publisher poll cycle.
type PendingRow struct {
	ID          string
	EventID     string
	EventType   string
	AggregateID string
	Payload     []byte
	Metadata    []byte
	CreatedAt   time.Time
	RetryCount  int
}

// poll fetches up to limit unpublished rows whose backoff window has
// elapsed, ordered by created_at, taking a row-level lock via FOR UPDATE
// SKIP LOCKED so concurrent publisher processes never contend for (or
// double-claim) the same row.
func (s *Store) pollQuery() string {
	return fmt.Sprintf(`SELECT id, event_id, event_type, aggregate_id, payload, metadata, created_at, retry_count
		FROM %s WHERE published_at IS NULL AND next_attempt_at <= NOW()
		ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED`, s.tableName)
}

func (s *Store) poll(ctx context.Context, tx pgx.Tx, limit int) ([]PendingRow, error) {
	rows, err := tx.Query(ctx, s.pollQuery(), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: poll unpublished: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var r PendingRow
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.AggregateID, &r.Payload, &r.Metadata, &r.CreatedAt, &r.RetryCount); err != nil {
			return nil, fmt.Errorf("outbox: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) markPublished(ctx context.Context, tx pgx.Tx, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET published_at = NOW() WHERE id = $1`, s.tableName)
	_, err := tx.Exec(ctx, query, id)
	return err
}

// markFailed records the failure and defers the row's next attempt by
// backoff, so the poll loop's constant tick does not translate into
// constant-interval retries.
func (s *Store) markFailedQuery() string {
	return fmt.Sprintf(`UPDATE %s SET retry_count = retry_count + 1, last_error = $2,
		next_attempt_at = NOW() + make_interval(secs => $3) WHERE id = $1`, s.tableName)
}

func (s *Store) markFailed(ctx context.Context, tx pgx.Tx, id string, cause error, backoff time.Duration) error {
	_, err := tx.Exec(ctx, s.markFailedQuery(), id, cause.Error(), backoff.Seconds())
	return err
}
