package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
)

type userHandlers struct {
	mu        sync.Mutex
	created   int
	changed   int
	changeErr error
	onCreated func(ctx context.Context)
}

func (h *userHandlers) registry(t *testing.T, policy Policy) *Registry[*fakeScope] {
	t.Helper()
	b := NewBuilder[*fakeScope]("test", policy)
	if err := Handle(b, identity.EventTypeUserCreated, func(ctx context.Context, in Apply[identity.UserCreated, *fakeScope]) error {
		h.mu.Lock()
		h.created++
		hook := h.onCreated
		h.mu.Unlock()
		if hook != nil {
			hook(ctx)
		}
		key := "user:" + in.Payload.UserID
		if in.Inverted() {
			in.Scope.Delete(key)
			return nil
		}
		in.Scope.Put(key, "created")
		return nil
	}); err != nil {
		t.Fatalf("register created: %v", err)
	}
	if err := Handle(b, identity.EventTypeUserPropertiesChanged, func(ctx context.Context, in Apply[identity.UserPropertiesChanged, *fakeScope]) error {
		h.mu.Lock()
		h.changed++
		err := h.changeErr
		h.mu.Unlock()
		for _, c := range in.Payload.Changes {
			if c.New != nil {
				in.Scope.Put("prop:"+in.Payload.UserID+":"+c.Key, *c.New)
			}
		}
		return err
	}); err != nil {
		t.Fatalf("register changed: %v", err)
	}
	r, err := b.Build(identity.Catalog())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return r
}

func (h *userHandlers) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created, h.changed
}

func newTestEngine(t *testing.T, cfg Config[*fakeScope]) *Engine[*fakeScope] {
	t.Helper()
	if cfg.Tier == "" {
		cfg.Tier = "test"
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func strPtr(s string) *string { return &s }

func userStream(t *testing.T) []Delivery {
	t.Helper()
	return []Delivery{
		delivery(t, "e-0", "User#1", 0, identity.EventTypeUserCreated, identity.UserCreated{UserID: "1"}),
		delivery(t, "e-1", "User#1", 1, identity.EventTypeUserPropertiesChanged, identity.UserPropertiesChanged{
			UserID:  "1",
			Changes: []identity.PropertyChange{{Key: "name", New: strPtr("Ada")}},
		}),
	}
}

func TestEngineAppliesStreamAndAdvancesCursor(t *testing.T) {
	store := newFakeStore()
	source := &sliceSource{deliveries: userStream(t), closeWhenDrained: true}
	handlers := &userHandlers{}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    source,
	})

	if got := engine.Cursor().Streams["User#1"]; got != 0 {
		t.Fatalf("fresh cursor should be empty, got %d", got)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := engine.Cursor().Streams["User#1"]; got != 1 {
		t.Fatalf("cursor = %d, want 1", got)
	}
	if v, ok := store.stream("User#1"); !ok || v != 1 {
		t.Fatalf("durable cursor = %d (%v), want 1", v, ok)
	}
	created, changed := handlers.counts()
	if created != 1 || changed != 1 {
		t.Fatalf("handler calls = (%d, %d), want (1, 1)", created, changed)
	}
	if v, _ := store.get("prop:1:name"); v != "Ada" {
		t.Fatalf("property = %q, want Ada", v)
	}
	if got := source.ackedEventIDs(); len(got) != 2 {
		t.Fatalf("acked = %v, want 2 deliveries", got)
	}
	if engine.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", engine.State())
	}
}

func TestEngineResumesFromPersistedCursor(t *testing.T) {
	store := newFakeStore()
	store.streams["User#1"] = 0
	handlers := &userHandlers{}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: userStream(t), closeWhenDrained: true},
	})

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	created, changed := handlers.counts()
	if created != 0 || changed != 1 {
		t.Fatalf("handler calls = (%d, %d), want (0, 1)", created, changed)
	}
	if got := engine.Cursor().Streams["User#1"]; got != 1 {
		t.Fatalf("cursor = %d, want 1", got)
	}
}

func TestEngineReplayOfAppliedEventsChangesNothing(t *testing.T) {
	store := newFakeStore()
	store.streams["User#1"] = 1
	handlers := &userHandlers{}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: userStream(t), closeWhenDrained: true},
	})

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	created, changed := handlers.counts()
	if created != 0 || changed != 0 {
		t.Fatalf("handler calls = (%d, %d), want none", created, changed)
	}
	if store.commits != 0 || store.rollbacks != 0 {
		t.Fatalf("expected no units, got %d commits %d rollbacks", store.commits, store.rollbacks)
	}
}

func TestEngineStrictTierRejectsUnknownType(t *testing.T) {
	store := newFakeStore()
	health := &recordingHealth{}
	deliveries := []Delivery{
		delivery(t, "g-0", "Group#1", 0, identity.EventTypeGroupCreated, identity.GroupCreated{GroupID: "1"}),
		delivery(t, "e-0", "User#1", 0, identity.EventTypeUserCreated, identity.UserCreated{UserID: "1"}),
	}
	handlers := &userHandlers{}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: deliveries, closeWhenDrained: true},
		Health:    health,
	})

	err := engine.Run(context.Background())
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if engine.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", engine.State())
	}
	if _, ok := store.stream("Group#1"); ok {
		t.Fatal("cursor must not advance past an unsupported event")
	}
	if created, _ := handlers.counts(); created != 0 {
		t.Fatal("processing must halt after the fault")
	}
	if len(health.faults) != 1 {
		t.Fatalf("faults = %v, want 1", health.faults)
	}
}

func TestEngineLenientTierSkipsUnknownTypeAndAdvances(t *testing.T) {
	store := newFakeStore()
	responder := &recordingResponder{}
	logs := &syncBuffer{}
	deliveries := []Delivery{
		withCorrelation(delivery(t, "g-0", "Group#1", 0, identity.EventTypeGroupCreated, identity.GroupCreated{GroupID: "1"}), "abc"),
	}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  (&userHandlers{}).registry(t, PolicyLenient),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: deliveries, closeWhenDrained: true},
		Responder: responder,
		Logger:    testLogger(logs),
	})

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if v, ok := store.stream("Group#1"); !ok || v != 0 {
		t.Fatalf("durable cursor = %d (%v), want 0", v, ok)
	}
	if len(responder.outcomes) != 0 {
		t.Fatalf("skipped events must not publish outcomes, got %v", responder.outcomes)
	}
	if !strings.Contains(logs.String(), "level=INFO msg=\"no handler for event type, skipping\"") {
		t.Fatalf("expected info log for skip, got:\n%s", logs.String())
	}
}

func TestEngineInvalidEventIsFatal(t *testing.T) {
	store := newFakeStore()
	bad := delivery(t, "e-0", "User#1", 0, identity.EventTypeUserCreated, identity.UserCreated{UserID: "1"})
	bad.Event.ID = ""
	handlers := &userHandlers{}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyLenient),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: append([]Delivery{bad}, userStream(t)[1:]...), closeWhenDrained: true},
	})

	err := engine.Run(context.Background())
	if !errors.Is(err, event.ErrInvalidDomainEvent) {
		t.Fatalf("expected ErrInvalidDomainEvent, got %v", err)
	}
	if !platformerrors.IsFatal(err) {
		t.Fatal("invalid events must not be retried")
	}
	if created, changed := handlers.counts(); created != 0 || changed != 0 {
		t.Fatalf("handler calls = (%d, %d), want none", created, changed)
	}
}

func TestEngineHandlerFailureLeavesNoPartialEffect(t *testing.T) {
	store := newFakeStore()
	handlers := &userHandlers{changeErr: errBoom}
	deliveries := []Delivery{
		delivery(t, "e-1", "User#1", 0, identity.EventTypeUserPropertiesChanged, identity.UserPropertiesChanged{
			UserID: "1",
			Changes: []identity.PropertyChange{
				{Key: "name", New: strPtr("Ada")},
				{Key: "mail", New: strPtr("ada@example.com")},
			},
		}),
		delivery(t, "e-2", "User#2", 0, identity.EventTypeUserCreated, identity.UserCreated{UserID: "2"}),
	}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: deliveries, closeWhenDrained: true},
	})

	err := engine.Run(context.Background())
	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("expected HandlerError, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected handler cause in chain, got %v", err)
	}
	if handlerErr.StreamID != "User#1" || handlerErr.Version != 0 {
		t.Fatalf("handler error coordinates = %s@%d", handlerErr.StreamID, handlerErr.Version)
	}
	if platformerrors.CodeOf(err) != platformerrors.CodeHandlerFailure {
		t.Fatalf("code = %s, want %s", platformerrors.CodeOf(err), platformerrors.CodeHandlerFailure)
	}
	for _, key := range []string{"prop:1:name", "prop:1:mail"} {
		if _, ok := store.get(key); ok {
			t.Fatalf("write %s must not be visible", key)
		}
	}
	if _, ok := store.stream("User#1"); ok {
		t.Fatal("cursor must not advance after a failed handler")
	}
	if store.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", store.rollbacks)
	}
	if created, _ := handlers.counts(); created != 0 {
		t.Fatal("processing must halt after the failed event")
	}
}

func TestEngineCorrelatedOutcomes(t *testing.T) {
	store := newFakeStore()
	responder := &recordingResponder{}
	handlers := &userHandlers{changeErr: errBoom}
	deliveries := []Delivery{
		withCorrelation(delivery(t, "e-1", "User#1", 0, identity.EventTypeUserCreated, identity.UserCreated{UserID: "1"}), "abc"),
		withCorrelation(delivery(t, "e-2", "User#1", 1, identity.EventTypeUserPropertiesChanged, identity.UserPropertiesChanged{UserID: "1"}), "xyz"),
	}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: deliveries, closeWhenDrained: true},
		Responder: responder,
	})

	if err := engine.Run(context.Background()); err == nil {
		t.Fatal("expected handler failure")
	}
	if len(responder.outcomes) != 2 {
		t.Fatalf("outcomes = %v, want 2", responder.outcomes)
	}
	if got := responder.outcomes[0]; got.correlationID != "abc" || !got.success {
		t.Fatalf("first outcome = %+v, want success for abc", got)
	}
	if got := responder.outcomes[1]; got.correlationID != "xyz" || got.success || !strings.Contains(got.message, "boom") {
		t.Fatalf("second outcome = %+v, want failure for xyz carrying boom", got)
	}
}

func TestEngineCancellationStopsWithoutError(t *testing.T) {
	store := newFakeStore()
	logs := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handlers := &userHandlers{onCreated: func(context.Context) { cancel() }}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: userStream(t)},
		Logger:    testLogger(logs),
	})

	if err := engine.Run(ctx); err != nil {
		t.Fatalf("cancelled run should return nil, got %v", err)
	}
	if engine.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", engine.State())
	}
	if _, ok := store.stream("User#1"); ok {
		t.Fatal("cursor must not advance once cancellation was observed")
	}
	if store.commits != 0 {
		t.Fatalf("commits = %d, want 0", store.commits)
	}
	if _, changed := handlers.counts(); changed != 0 {
		t.Fatal("processing must stop after cancellation")
	}
	if strings.Contains(logs.String(), "level=ERROR") {
		t.Fatalf("cancellation must not log errors:\n%s", logs.String())
	}
}

func TestEngineLanesPreserveStreamOrder(t *testing.T) {
	const streams, versions = 8, 10
	var deliveries []Delivery
	for v := range versions {
		for s := range streams {
			stream := fmt.Sprintf("User#%d", s)
			deliveries = append(deliveries, delivery(t, fmt.Sprintf("e-%d-%d", s, v), stream, int64(v),
				identity.EventTypeUserPropertiesChanged, identity.UserPropertiesChanged{UserID: stream}))
		}
	}

	var mu sync.Mutex
	last := make(map[string]int64)
	var violations []string
	b := NewBuilder[*fakeScope]("lanes", PolicyStrict)
	if err := Handle(b, identity.EventTypeUserPropertiesChanged, func(ctx context.Context, in Apply[identity.UserPropertiesChanged, *fakeScope]) error {
		mu.Lock()
		defer mu.Unlock()
		prev, ok := last[in.Header.StreamID]
		if !ok {
			prev = -1
		}
		if in.Header.Version != prev+1 {
			violations = append(violations, fmt.Sprintf("%s: %d after %d", in.Header.StreamID, in.Header.Version, prev))
		}
		last[in.Header.StreamID] = in.Header.Version
		time.Sleep(time.Millisecond)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	registry, err := b.Build(identity.Catalog())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	store := newFakeStore()
	source := &sliceSource{deliveries: deliveries, closeWhenDrained: true}
	engine := newTestEngine(t, Config[*fakeScope]{
		Tier:      "lanes",
		Registry:  registry,
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    source,
		Workers:   4,
	})

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(violations) > 0 {
		t.Fatalf("ordering violations: %v", violations)
	}
	for s := range streams {
		stream := fmt.Sprintf("User#%d", s)
		if got := engine.Cursor().Streams[stream]; got != versions-1 {
			t.Fatalf("cursor[%s] = %d, want %d", stream, got, versions-1)
		}
	}
	acked := source.ackedEventIDs()
	if len(acked) != len(deliveries) {
		t.Fatalf("acked %d, want %d", len(acked), len(deliveries))
	}
	for i, d := range deliveries {
		if acked[i] != d.Event.ID {
			t.Fatalf("ack[%d] = %s, want %s", i, acked[i], d.Event.ID)
		}
	}
}

func TestEngineLanesKeepProcessingWhileAckBlocks(t *testing.T) {
	const streams = 4
	var deliveries []Delivery
	for i := range streams {
		id := fmt.Sprintf("%d", i)
		stream := "User#" + id
		deliveries = append(deliveries,
			delivery(t, "c-"+id, stream, 0, identity.EventTypeUserCreated, identity.UserCreated{UserID: id}),
			delivery(t, "p-"+id, stream, 1, identity.EventTypeUserPropertiesChanged, identity.UserPropertiesChanged{UserID: id}))
	}
	store := newFakeStore()
	source := &sliceSource{deliveries: deliveries, closeWhenDrained: true, ackGate: make(chan struct{})}
	handlers := &userHandlers{}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    source,
		Workers:   streams,
	})

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		created, changed := handlers.counts()
		if created == streams && changed == streams {
			break
		}
		if time.Now().After(deadline) {
			close(source.ackGate)
			t.Fatalf("handled %d created, %d changed while ack was blocked; want %d each", created, changed, streams)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(source.ackGate)

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	acked := source.ackedEventIDs()
	if len(acked) != len(deliveries) {
		t.Fatalf("acked %d, want %d", len(acked), len(deliveries))
	}
	for i, d := range deliveries {
		if acked[i] != d.Event.ID {
			t.Fatalf("ack[%d] = %s, want %s", i, acked[i], d.Event.ID)
		}
	}
}

func TestEngineGlobalModeResumesFromGlobalCursor(t *testing.T) {
	store := newFakeStore()
	store.global = 0
	source := &sliceSource{
		deliveries: []Delivery{
			withGlobal(userStream(t)[0], 0),
			withGlobal(userStream(t)[1], 1),
		},
		closeWhenDrained: true,
	}
	handlers := &userHandlers{}
	engine := newTestEngine(t, Config[*fakeScope]{
		Mode:      ModeGlobal,
		Filter:    Filter{AllStreams: true},
		Registry:  handlers.registry(t, PolicyLenient),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    source,
	})

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(source.from) != 1 || source.from[0] != 0 {
		t.Fatalf("subscribed from %v, want [0]", source.from)
	}
	if created, changed := handlers.counts(); created != 0 || changed != 1 {
		t.Fatalf("handler calls = (%d, %d), want (0, 1)", created, changed)
	}
	if store.global != 1 {
		t.Fatalf("durable global = %d, want 1", store.global)
	}
}

func TestEngineGlobalModeRequiresGlobalPosition(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(t, Config[*fakeScope]{
		Mode:      ModeGlobal,
		Registry:  (&userHandlers{}).registry(t, PolicyLenient),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: userStream(t), closeWhenDrained: true},
	})

	if err := engine.Run(context.Background()); !errors.Is(err, ErrGlobalPositionMissing) {
		t.Fatalf("expected ErrGlobalPositionMissing, got %v", err)
	}
}

func TestEngineInvertedEventUndoesEffect(t *testing.T) {
	store := newFakeStore()
	store.data["user:1"] = "created"
	store.streams["User#1"] = 0
	undo := delivery(t, "e-undo", "User#1", 1, identity.EventTypeUserCreated, identity.UserCreated{UserID: "1"})
	undo.Event.Metadata.HasToBeInverted = true
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  (&userHandlers{}).registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: []Delivery{undo}, closeWhenDrained: true},
	})

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := store.get("user:1"); ok {
		t.Fatal("inverted create must remove the user")
	}
}

func TestEngineCommitFailureFaultsWithoutAdvancing(t *testing.T) {
	store := newFakeStore()
	store.commitErr = errors.New("disk full")
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  (&userHandlers{}).registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{deliveries: userStream(t), closeWhenDrained: true},
	})

	if err := engine.Run(context.Background()); err == nil {
		t.Fatal("expected commit failure")
	}
	if got := engine.Cursor().Streams["User#1"]; got != 0 {
		t.Fatalf("in-memory cursor advanced to %d", got)
	}
	if _, ok := engine.Cursor().Streams["User#1"]; ok {
		t.Fatal("cursor entry must stay absent")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	store := newFakeStore()
	registry := (&userHandlers{}).registry(t, PolicyStrict)
	base := Config[*fakeScope]{
		Tier:      "test",
		Registry:  registry,
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source:    &sliceSource{},
	}

	tests := []struct {
		name   string
		mutate func(*Config[*fakeScope])
	}{
		{name: "tier", mutate: func(c *Config[*fakeScope]) { c.Tier = " " }},
		{name: "registry", mutate: func(c *Config[*fakeScope]) { c.Registry = nil }},
		{name: "units", mutate: func(c *Config[*fakeScope]) { c.Units = nil }},
		{name: "positions", mutate: func(c *Config[*fakeScope]) { c.Positions = nil }},
		{name: "source", mutate: func(c *Config[*fakeScope]) { c.Source = nil }},
		{name: "global workers", mutate: func(c *Config[*fakeScope]) { c.Mode = ModeGlobal; c.Workers = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEngineHaltsOnStreamGap(t *testing.T) {
	store := newFakeStore()
	handlers := &userHandlers{}
	engine := newTestEngine(t, Config[*fakeScope]{
		Registry:  handlers.registry(t, PolicyStrict),
		Units:     UnitOfWorkFunc[*fakeScope](store.Begin),
		Positions: store,
		Source: &sliceSource{deliveries: []Delivery{
			delivery(t, "e-0", "User#1", 0, identity.EventTypeUserCreated, identity.UserCreated{UserID: "1"}),
			delivery(t, "e-2", "User#1", 2, identity.EventTypeUserPropertiesChanged, identity.UserPropertiesChanged{UserID: "1"}),
		}, closeWhenDrained: true},
	})

	err := engine.Run(context.Background())
	if !errors.Is(err, ErrStreamGap) {
		t.Fatalf("run = %v, want ErrStreamGap", err)
	}
	if !platformerrors.IsFatal(err) {
		t.Fatal("stream gap must be fatal")
	}
	if created, changed := handlers.counts(); created != 1 || changed != 0 {
		t.Fatalf("handler calls = %d created, %d changed; want 1, 0", created, changed)
	}
	if got := engine.Cursor().Streams["User#1"]; got != 0 {
		t.Fatalf("cursor = %d, want 0", got)
	}
	if v, ok := store.stream("User#1"); !ok || v != 0 {
		t.Fatalf("durable cursor = %d (%v), want 0", v, ok)
	}
}
