// Package tiertest runs tier registries against real stores in tests.
package tiertest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
	"github.com/louisbranch/identity.space/internal/services/projector/eventlog/memory"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage/sqlite"
)

// Epoch is the timestamp of the first event built by Event.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Log is an in-memory event log with test helpers.
type Log struct {
	*memory.Log
	t    testing.TB
	tick int
}

// NewLog returns an empty log bound to t.
func NewLog(t testing.TB) *Log {
	return &Log{Log: memory.New(), t: t}
}

// Append encodes payload through the identity catalog and appends it.
func (l *Log) Append(stream string, typ event.Type, payload any) event.Header {
	l.t.Helper()
	return l.AppendWith(stream, typ, payload, event.Metadata{})
}

// AppendInverted appends an event that asks handlers to undo their effect.
func (l *Log) AppendInverted(stream string, typ event.Type, payload any) event.Header {
	l.t.Helper()
	return l.AppendWith(stream, typ, payload, event.Metadata{HasToBeInverted: true})
}

// AppendWith appends with explicit metadata. A zero timestamp advances one
// second per event from Epoch.
func (l *Log) AppendWith(stream string, typ event.Type, payload any, meta event.Metadata) event.Header {
	l.t.Helper()
	if meta.Timestamp.IsZero() {
		meta.Timestamp = Epoch.Add(time.Duration(l.tick) * time.Second)
		l.tick++
	}
	evt, err := identity.Catalog().New("", typ, payload, meta)
	if err != nil {
		l.t.Fatalf("build %s event: %v", typ, err)
	}
	headers, err := l.Log.Append(context.Background(), stream, evt)
	if err != nil {
		l.t.Fatalf("append %s to %s: %v", typ, stream, err)
	}
	return headers[0]
}

// OpenProjections opens a migrated projections database under t.TempDir.
func OpenProjections(t testing.TB) *sqlite.Store {
	t.Helper()
	store, err := sqlite.OpenProjections(filepath.Join(t.TempDir(), "projections.sqlite"))
	if err != nil {
		t.Fatalf("open projections store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.EnsureReady(context.Background()); err != nil {
		t.Fatalf("ensure projections ready: %v", err)
	}
	return store
}

// Drain runs an engine for cfg until it has consumed the whole log and
// returns the engine's error. Logger and Source default to silence and the
// draining log.
func Drain[S any](t testing.TB, log *Log, cfg projection.Config[S]) (*projection.Engine[S], error) {
	t.Helper()
	if cfg.Source == nil {
		cfg.Source = log.Drain()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Filter.Pattern == nil && !cfg.Filter.AllStreams {
		cfg.Filter = projection.Filter{Pattern: identity.Streams().Pattern()}
	}
	engine, err := projection.New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return engine, engine.Run(ctx)
}

// MustDrain is Drain that fails the test on an engine error.
func MustDrain[S any](t testing.TB, log *Log, cfg projection.Config[S]) *projection.Engine[S] {
	t.Helper()
	engine, err := Drain(t, log, cfg)
	if err != nil {
		t.Fatalf("run engine: %v", err)
	}
	return engine
}
