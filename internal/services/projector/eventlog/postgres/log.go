// Package postgres reads and appends the event log in a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	global_position BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	stream_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (stream_id, version)
)`

const listAfterSQL = `
	SELECT global_position, event_id, stream_id, version, event_type, metadata, payload
	FROM events
	WHERE global_position > $1
	ORDER BY global_position
	LIMIT $2
`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Log is the Postgres event log.
type Log struct {
	pool *pgxpool.Pool
	q    querier
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Log, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Log{pool: pool, q: pool}, nil
}

// Close releases the pool.
func (l *Log) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}

// EnsureReady creates the events table.
func (l *Log) EnsureReady(ctx context.Context) error {
	if l.pool == nil {
		return nil
	}
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	return nil
}

// Append writes events to stream in one transaction. A transaction-scoped
// advisory lock on the stream serializes concurrent appenders.
func (l *Log) Append(ctx context.Context, stream string, events ...event.Event) (headers []event.Header, err error) {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	for _, evt := range events {
		if err := evt.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, stream); err != nil {
		return nil, fmt.Errorf("lock stream %s: %w", stream, err)
	}
	var next int64
	if err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), -1) + 1 FROM events WHERE stream_id = $1`, stream,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("read stream head %s: %w", stream, err)
	}

	for i, evt := range events {
		var meta []byte
		meta, err = json.Marshal(evt.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		h := event.Header{StreamID: stream, EventType: evt.Type, Version: next + int64(i), EventID: evt.ID}
		if err = tx.QueryRow(ctx,
			`INSERT INTO events (event_id, stream_id, version, event_type, metadata, payload)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING global_position`,
			evt.ID, stream, h.Version, string(evt.Type), meta, payloadOrEmpty(evt.PayloadJSON),
		).Scan(&h.GlobalPosition); err != nil {
			return nil, fmt.Errorf("append event %s to %s: %w", evt.ID, stream, err)
		}
		headers = append(headers, h)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return headers, nil
}

// ListEventsAfter returns up to limit events past global position after.
func (l *Log) ListEventsAfter(ctx context.Context, after int64, limit int) ([]projection.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.q.Query(ctx, listAfterSQL, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []projection.Delivery
	for rows.Next() {
		var (
			d       projection.Delivery
			evtType string
			meta    []byte
		)
		if err := rows.Scan(&d.Header.GlobalPosition, &d.Event.ID, &d.Header.StreamID, &d.Header.Version,
			&evtType, &meta, &d.Event.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(meta, &d.Event.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", d.Event.ID, err)
		}
		d.Event.Type = event.Type(evtType)
		d.Header.EventType = d.Event.Type
		d.Header.EventID = d.Event.ID
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func payloadOrEmpty(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}
	return payload
}

// Source returns a polling subscription source over the log.
func (l *Log) Source(pollInterval time.Duration) *Source {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Source{log: l, pollInterval: pollInterval, batchSize: 256}
}

// Source polls the events table by global position.
type Source struct {
	log          *Log
	pollInterval time.Duration
	batchSize    int
}

// Subscribe implements projection.Source.
func (src *Source) Subscribe(ctx context.Context, filter projection.Filter, from int64) (projection.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &subscription{src: src, filter: filter, after: from, done: make(chan struct{})}, nil
}

type subscription struct {
	src    *Source
	filter projection.Filter
	after  int64
	buf    []projection.Delivery
	done   chan struct{}
}

func (s *subscription) Next(ctx context.Context) (projection.Delivery, error) {
	for {
		select {
		case <-s.done:
			return projection.Delivery{}, projection.ErrSubscriptionClosed
		default:
		}
		if len(s.buf) > 0 {
			d := s.buf[0]
			s.buf = s.buf[1:]
			return d, nil
		}
		batch, err := s.src.log.ListEventsAfter(ctx, s.after, s.src.batchSize)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return projection.Delivery{}, ctxErr
			}
			return projection.Delivery{}, err
		}
		for _, d := range batch {
			s.after = d.Header.GlobalPosition
			if s.filter.Match(d.Header.StreamID) {
				s.buf = append(s.buf, d)
			}
		}
		if len(batch) > 0 {
			continue
		}
		timer := time.NewTimer(s.src.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return projection.Delivery{}, ctx.Err()
		case <-s.done:
			timer.Stop()
			return projection.Delivery{}, projection.ErrSubscriptionClosed
		case <-timer.C:
		}
	}
}

// Ack is a no-op: the projection cursor is the durable read position.
func (s *subscription) Ack(context.Context, projection.Delivery) error {
	return nil
}

func (s *subscription) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}
