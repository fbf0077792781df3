// Package memory provides an in-process event log for development and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/louisbranch/identity.space/internal/platform/id"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

// Log is an append-only event log. Global positions start at 1.
type Log struct {
	mu      sync.Mutex
	entries []projection.Delivery
	heads   map[string]int64
	ids     map[string]struct{}
	// wake is closed and replaced on every append.
	wake chan struct{}
}

// New returns an empty log.
func New() *Log {
	return &Log{
		heads: make(map[string]int64),
		ids:   make(map[string]struct{}),
		wake:  make(chan struct{}),
	}
}

// Append adds events to stream and returns their headers. Events without an
// id get a random one.
func (l *Log) Append(ctx context.Context, stream string, events ...event.Event) ([]event.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return nil, fmt.Errorf("stream id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	staged := make([]event.Event, len(events))
	seen := make(map[string]struct{}, len(events))
	for i, evt := range events {
		if strings.TrimSpace(evt.ID) == "" {
			generated, err := id.NewID()
			if err != nil {
				return nil, err
			}
			evt.ID = generated
		}
		if err := evt.Validate(); err != nil {
			return nil, err
		}
		if _, dup := l.ids[evt.ID]; dup {
			return nil, fmt.Errorf("event %s already appended", evt.ID)
		}
		if _, dup := seen[evt.ID]; dup {
			return nil, fmt.Errorf("event %s repeated in batch", evt.ID)
		}
		seen[evt.ID] = struct{}{}
		staged[i] = evt
	}

	next, ok := l.heads[stream]
	if ok {
		next++
	}
	headers := make([]event.Header, 0, len(staged))
	for i, evt := range staged {
		h := event.Header{
			StreamID:       stream,
			EventType:      evt.Type,
			Version:        next + int64(i),
			EventID:        evt.ID,
			GlobalPosition: int64(len(l.entries)) + 1,
		}
		l.entries = append(l.entries, projection.Delivery{Header: h, Event: evt})
		l.ids[evt.ID] = struct{}{}
		l.heads[stream] = h.Version
		headers = append(headers, h)
	}
	if len(headers) > 0 {
		close(l.wake)
		l.wake = make(chan struct{})
	}
	return headers, nil
}

// Len returns the number of events in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe implements projection.Source.
func (l *Log) Subscribe(ctx context.Context, filter projection.Filter, from int64) (projection.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from < projection.FromStart {
		from = projection.FromStart
	}
	return &subscription{log: l, filter: filter, after: from, done: make(chan struct{})}, nil
}

// Drain returns a source whose subscriptions close once they reach the end
// of the log instead of waiting for appends. Replays and tests use it to run
// an engine to completion.
func (l *Log) Drain() projection.Source {
	return drainSource{log: l}
}

type drainSource struct {
	log *Log
}

func (d drainSource) Subscribe(ctx context.Context, filter projection.Filter, from int64) (projection.Subscription, error) {
	sub, err := d.log.Subscribe(ctx, filter, from)
	if err != nil {
		return nil, err
	}
	s := sub.(*subscription)
	s.drain = true
	return s, nil
}

type subscription struct {
	log    *Log
	filter projection.Filter
	after  int64
	drain  bool

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscription) Next(ctx context.Context) (projection.Delivery, error) {
	for {
		d, wake, ok := s.scan()
		if ok {
			return d, nil
		}
		if s.drain {
			return projection.Delivery{}, projection.ErrSubscriptionClosed
		}
		select {
		case <-s.done:
			return projection.Delivery{}, projection.ErrSubscriptionClosed
		case <-ctx.Done():
			return projection.Delivery{}, ctx.Err()
		case <-wake:
		}
	}
}

// scan returns the next matching entry, or the channel to wait on.
func (s *subscription) scan() (projection.Delivery, <-chan struct{}, bool) {
	select {
	case <-s.done:
		return projection.Delivery{}, s.done, false
	default:
	}

	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	start := max(s.after, 0)
	for i := start; i < int64(len(s.log.entries)); i++ {
		d := s.log.entries[i]
		s.after = d.Header.GlobalPosition
		if s.filter.Match(d.Header.StreamID) {
			return d, nil, true
		}
	}
	return projection.Delivery{}, s.log.wake, false
}

// Ack is a no-op: the projection cursor is the durable read position.
func (s *subscription) Ack(context.Context, projection.Delivery) error {
	return nil
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
