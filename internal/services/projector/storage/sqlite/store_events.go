package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

// AppendEvents appends events to stream in one transaction and returns their
// headers. Versions continue from the current stream head.
func (s *Store) AppendEvents(ctx context.Context, stream string, events ...event.Event) ([]event.Header, error) {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	for _, evt := range events {
		if err := evt.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE stream_id = ?`, stream,
	).Scan(&head); err != nil {
		return nil, fmt.Errorf("read stream head %s: %w", stream, err)
	}
	next := int64(0)
	if head.Valid {
		next = head.Int64 + 1
	}

	headers := make([]event.Header, 0, len(events))
	for i, evt := range events {
		meta, err := json.Marshal(evt.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		version := next + int64(i)
		result, err := tx.ExecContext(ctx,
			`INSERT INTO events (event_id, stream_id, version, event_type, metadata_json, payload_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			evt.ID, stream, version, string(evt.Type), string(meta), evt.PayloadJSON, toMillis(time.Now()),
		)
		if err != nil {
			return nil, fmt.Errorf("append event %s to %s: %w", evt.ID, stream, err)
		}
		position, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read global position: %w", err)
		}
		headers = append(headers, event.Header{
			StreamID:       stream,
			EventType:      evt.Type,
			Version:        version,
			EventID:        evt.ID,
			GlobalPosition: position,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return headers, nil
}

// ListEventsAfter returns up to limit events with a global position greater
// than after, in log order.
func (s *Store) ListEventsAfter(ctx context.Context, after int64, limit int) ([]projection.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT global_position, event_id, stream_id, version, event_type, metadata_json, payload_json
		 FROM events WHERE global_position > ? ORDER BY global_position LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []projection.Delivery
	for rows.Next() {
		var (
			d        projection.Delivery
			evtType  string
			metaJSON string
		)
		if err := rows.Scan(&d.Header.GlobalPosition, &d.Event.ID, &d.Header.StreamID, &d.Header.Version,
			&evtType, &metaJSON, &d.Event.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &d.Event.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", d.Event.ID, err)
		}
		d.Event.Type = event.Type(evtType)
		d.Header.EventType = d.Event.Type
		d.Header.EventID = d.Event.ID
		out = append(out, d)
	}
	return out, rows.Err()
}

// Source returns a polling event source over this log.
func (s *Store) Source(pollInterval time.Duration) *Source {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Source{store: s, pollInterval: pollInterval, batchSize: 256}
}

// Source polls the events table by global position.
type Source struct {
	store        *Store
	pollInterval time.Duration
	batchSize    int
}

// Subscribe implements projection.Source.
func (src *Source) Subscribe(ctx context.Context, filter projection.Filter, from int64) (projection.Subscription, error) {
	if err := src.store.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return &subscription{src: src, filter: filter, after: from}, nil
}

type subscription struct {
	src    *Source
	filter projection.Filter
	after  int64
	buf    []projection.Delivery
	closed bool
}

func (s *subscription) Next(ctx context.Context) (projection.Delivery, error) {
	for {
		if s.closed {
			return projection.Delivery{}, projection.ErrSubscriptionClosed
		}
		if len(s.buf) > 0 {
			d := s.buf[0]
			s.buf = s.buf[1:]
			return d, nil
		}
		batch, err := s.src.store.ListEventsAfter(ctx, s.after, s.src.batchSize)
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
		case <-timer.C:
		}
	}
}

// Ack is a no-op: the projection cursor is the durable read position.
func (s *subscription) Ack(context.Context, projection.Delivery) error {
	return nil
}

func (s *subscription) Close() error {
	s.closed = true
	s.buf = nil
	return nil
}
