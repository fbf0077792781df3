package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	if err := store.EnsureReady(context.Background()); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	return store, path
}

func testUnits(t *testing.T, store *Store) projection.UnitOfWork[*Scope] {
	t.Helper()
	units, err := NewUnitOfWork(store, "settings", func(s *Scope) *Scope { return s })
	if err != nil {
		t.Fatalf("new unit of work: %v", err)
	}
	return units
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCloseNilStore(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestNewUnitOfWorkRequiresTier(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := NewUnitOfWork(store, " ", func(s *Scope) *Scope { return s }); err == nil {
		t.Fatal("expected error for empty tier")
	}
}

func TestPositionsDefaultToStart(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	global, err := store.LoadGlobalPosition(ctx, "settings")
	if err != nil {
		t.Fatalf("load global position: %v", err)
	}
	if global != projection.FromStart {
		t.Fatalf("global = %d, want FromStart", global)
	}
	streams, err := store.LoadStreamPositions(ctx, "settings")
	if err != nil {
		t.Fatalf("load stream positions: %v", err)
	}
	if len(streams) != 0 {
		t.Fatalf("streams = %v, want empty", streams)
	}
}

func TestUnitCommitsSettingWithPosition(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	u, err := testUnits(t, store).Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec := storage.SettingRecord{EntityID: "1", Key: "theme", Value: "dark", UpdatedAt: time.Unix(10, 0)}
	if err := u.Scope().PutSetting(ctx, rec); err != nil {
		t.Fatalf("put setting: %v", err)
	}
	h := event.Header{StreamID: "Settings#1", EventType: "setting.volatile_set", Version: 0, EventID: "e-1", GlobalPosition: 7}
	if err := u.RecordPosition(ctx, projection.ModeGlobal, h); err != nil {
		t.Fatalf("record position: %v", err)
	}
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := u.Rollback(); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}

	global, err := store.LoadGlobalPosition(ctx, "settings")
	if err != nil {
		t.Fatalf("load global position: %v", err)
	}
	if global != 7 {
		t.Fatalf("global = %d, want 7", global)
	}

	err = store.View(ctx, func(s *Scope) error {
		got, err := s.GetSetting(ctx, "1", "theme")
		if err != nil {
			return err
		}
		if got.Value != "dark" || !got.UpdatedAt.Equal(rec.UpdatedAt) {
			t.Fatalf("setting = %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestUnitRollbackDiscardsBoth(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	u, err := testUnits(t, store).Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := u.Scope().PutSetting(ctx, storage.SettingRecord{EntityID: "1", Key: "k", Value: "v"}); err != nil {
		t.Fatalf("put setting: %v", err)
	}
	if err := u.RecordPosition(ctx, projection.ModeGlobal, event.Header{StreamID: "Settings#1", GlobalPosition: 3}); err != nil {
		t.Fatalf("record position: %v", err)
	}
	if err := u.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	global, err := store.LoadGlobalPosition(ctx, "settings")
	if err != nil {
		t.Fatalf("load global position: %v", err)
	}
	if global != projection.FromStart {
		t.Fatalf("global = %d, want FromStart", global)
	}
	err = store.View(ctx, func(s *Scope) error {
		_, err := s.GetSetting(ctx, "1", "k")
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get after rollback = %v, want ErrNotFound", err)
	}
}

func TestPositionsAreMonotonic(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	units := testUnits(t, store)

	record := func(mode projection.Mode, h event.Header) {
		t.Helper()
		u, err := units.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := u.RecordPosition(ctx, mode, h); err != nil {
			t.Fatalf("record position: %v", err)
		}
		if err := u.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	record(projection.ModeGlobal, event.Header{StreamID: "Settings#1", GlobalPosition: 9})
	record(projection.ModeGlobal, event.Header{StreamID: "Settings#1", GlobalPosition: 4})
	record(projection.ModeStreams, event.Header{StreamID: "User#1", Version: 2})
	record(projection.ModeStreams, event.Header{StreamID: "User#1", Version: 1})

	global, err := store.LoadGlobalPosition(ctx, "settings")
	if err != nil {
		t.Fatalf("load global position: %v", err)
	}
	if global != 9 {
		t.Fatalf("global = %d, want 9", global)
	}
	streams, err := store.LoadStreamPositions(ctx, "settings")
	if err != nil {
		t.Fatalf("load stream positions: %v", err)
	}
	if streams["User#1"] != 2 {
		t.Fatalf("User#1 = %d, want 2", streams["User#1"])
	}
}

func TestSettingsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.EnsureReady(ctx); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	u, err := testUnits(t, store).Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := u.Scope().PutSetting(ctx, storage.SettingRecord{EntityID: "1", Key: "a", Value: "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := u.RecordPosition(ctx, projection.ModeGlobal, event.Header{StreamID: "Settings#1", GlobalPosition: 1}); err != nil {
		t.Fatalf("record position: %v", err)
	}
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	global, err := reopened.LoadGlobalPosition(ctx, "settings")
	if err != nil {
		t.Fatalf("load global position: %v", err)
	}
	if global != 1 {
		t.Fatalf("global = %d, want 1", global)
	}
}

func TestDeleteSettingDropsEmptyEntity(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	u, err := testUnits(t, store).Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer u.Rollback()
	scope := u.Scope()
	for _, key := range []string{"b", "a"} {
		if err := scope.PutSetting(ctx, storage.SettingRecord{EntityID: "1", Key: key, Value: key}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := scope.ListSettings(ctx, "1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "a" || list[1].Key != "b" {
		t.Fatalf("list = %+v, want [a b]", list)
	}

	for _, key := range []string{"a", "b"} {
		if err := scope.DeleteSetting(ctx, "1", key); err != nil {
			t.Fatalf("delete %s: %v", key, err)
		}
	}
	if scope.entity("1") != nil {
		t.Fatal("entity bucket should be removed once empty")
	}
	if err := scope.DeleteSetting(ctx, "1", "a"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	list, err = scope.ListSettings(ctx, "1")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("list after delete = %+v", list)
	}
}
