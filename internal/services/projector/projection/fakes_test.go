package projection

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"testing"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
)

// fakeScope stages writes until the unit commits.
type fakeScope struct {
	writes  map[string]string
	deletes map[string]bool
}

func (s *fakeScope) Put(key, value string) {
	delete(s.deletes, key)
	s.writes[key] = value
}

func (s *fakeScope) Delete(key string) {
	delete(s.writes, key)
	s.deletes[key] = true
}

type fakeStore struct {
	mu        sync.Mutex
	data      map[string]string
	streams   map[string]int64
	global    int64
	commits   int
	rollbacks int
	commitErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data:    make(map[string]string),
		streams: make(map[string]int64),
		global:  FromStart,
	}
}

func (s *fakeStore) LoadStreamPositions(ctx context.Context, _ string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.streams), nil
}

func (s *fakeStore) LoadGlobalPosition(ctx context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global, nil
}

func (s *fakeStore) Begin(ctx context.Context) (Unit[*fakeScope], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeUnit{
		store:   s,
		scope:   &fakeScope{writes: make(map[string]string), deletes: make(map[string]bool)},
		streams: make(map[string]int64),
		global:  FromStart,
	}, nil
}

func (s *fakeStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *fakeStore) stream(stream string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.streams[stream]
	return v, ok
}

type fakeUnit struct {
	store   *fakeStore
	scope   *fakeScope
	streams map[string]int64
	global  int64
	done    bool
}

func (u *fakeUnit) Scope() *fakeScope { return u.scope }

func (u *fakeUnit) RecordPosition(_ context.Context, mode Mode, h event.Header) error {
	if mode == ModeGlobal {
		u.global = h.GlobalPosition
		return nil
	}
	u.streams[h.StreamID] = h.Version
	return nil
}

func (u *fakeUnit) Commit(context.Context) error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	if u.store.commitErr != nil {
		return u.store.commitErr
	}
	for k, v := range u.scope.writes {
		u.store.data[k] = v
	}
	for k := range u.scope.deletes {
		delete(u.store.data, k)
	}
	maps.Copy(u.store.streams, u.streams)
	u.store.global = max(u.store.global, u.global)
	u.store.commits++
	u.done = true
	return nil
}

func (u *fakeUnit) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	u.store.mu.Lock()
	u.store.rollbacks++
	u.store.mu.Unlock()
	return nil
}

// sliceSource delivers a fixed list. When closeWhenDrained is false Next
// blocks on ctx after the list is exhausted.
type sliceSource struct {
	deliveries       []Delivery
	closeWhenDrained bool
	// ackGate, when set, holds every Ack until it is closed.
	ackGate chan struct{}

	mu    sync.Mutex
	from  []int64
	acked []Delivery
}

func (s *sliceSource) Subscribe(_ context.Context, filter Filter, from int64) (Subscription, error) {
	s.mu.Lock()
	s.from = append(s.from, from)
	s.mu.Unlock()
	var matched []Delivery
	for _, d := range s.deliveries {
		if !filter.Match(d.Header.StreamID) {
			continue
		}
		if from >= 0 && d.Header.HasGlobalPosition() && d.Header.GlobalPosition <= from {
			continue
		}
		matched = append(matched, d)
	}
	return &sliceSub{src: s, items: matched}, nil
}

func (s *sliceSource) ackedEventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.acked))
	for i, d := range s.acked {
		ids[i] = d.Event.ID
	}
	return ids
}

type sliceSub struct {
	src   *sliceSource
	items []Delivery
	next  int
}

func (s *sliceSub) Next(ctx context.Context) (Delivery, error) {
	if s.next < len(s.items) {
		d := s.items[s.next]
		s.next++
		return d, nil
	}
	if s.src.closeWhenDrained {
		return Delivery{}, ErrSubscriptionClosed
	}
	<-ctx.Done()
	return Delivery{}, ctx.Err()
}

func (s *sliceSub) Ack(_ context.Context, d Delivery) error {
	if s.src.ackGate != nil {
		<-s.src.ackGate
	}
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	s.src.acked = append(s.src.acked, d)
	return nil
}

func (s *sliceSub) Close() error { return nil }

type outcome struct {
	correlationID string
	success       bool
	message       string
}

type recordingResponder struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (r *recordingResponder) OnSuccess(_ context.Context, evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome{correlationID: evt.Metadata.CorrelationID, success: true})
	return nil
}

func (r *recordingResponder) OnFailure(_ context.Context, evt event.Event, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome{correlationID: evt.Metadata.CorrelationID, message: cause.Error()})
	return nil
}

type recordingHealth struct {
	mu       sync.Mutex
	statuses []Status
	faults   []error
}

func (h *recordingHealth) SetStatus(_ string, status Status, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *recordingHealth) OnFault(_ string, status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
	h.faults = append(h.faults, err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(w *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var errBoom = errors.New("boom")

func delivery(t *testing.T, id, stream string, version int64, typ event.Type, payload any) Delivery {
	t.Helper()
	evt, err := identity.Catalog().New(id, typ, payload, event.Metadata{})
	if err != nil {
		t.Fatalf("build event %s: %v", id, err)
	}
	return Delivery{
		Header: event.Header{
			StreamID:       stream,
			EventType:      typ,
			Version:        version,
			EventID:        id,
			GlobalPosition: event.NoGlobalPosition,
		},
		Event: evt,
	}
}

func withCorrelation(d Delivery, id string) Delivery {
	d.Event.Metadata.CorrelationID = id
	return d
}

func withGlobal(d Delivery, pos int64) Delivery {
	d.Header.GlobalPosition = pos
	return d
}
