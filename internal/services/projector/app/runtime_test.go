package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	platformgrpc "github.com/louisbranch/identity.space/internal/platform/grpc"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage"
	"github.com/louisbranch/identity.space/internal/services/projector/tickets"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/apiview"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/graph"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/settings"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/tiertest"
)

func testConfig(t *testing.T, log *tiertest.Log) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		ProjectionsDBPath: filepath.Join(dir, "projections.sqlite"),
		SettingsDBPath:    filepath.Join(dir, "settings.bolt"),
		GRPCAddr:          "127.0.0.1:0",
		AdminAddr:         "127.0.0.1:0",
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sources: func(string) (projection.Source, error) {
			return log.Log, nil
		},
	}
}

func startRuntime(t *testing.T, cfg Config) (*Runtime, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := New(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("new runtime: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- rt.Serve(ctx)
	}()
	stopped := false
	var serveErr error
	stop := func() error {
		if stopped {
			return serveErr
		}
		stopped = true
		cancel()
		select {
		case serveErr = <-done:
		case <-time.After(10 * time.Second):
			t.Error("timed out waiting for runtime to stop")
		}
		return serveErr
	}
	t.Cleanup(func() { _ = stop() })
	return rt, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRuntimeProjectsEveryTier(t *testing.T) {
	log := tiertest.NewLog(t)
	log.Append(identity.UserStream("u1"), identity.EventTypeUserCreated, identity.UserCreated{UserID: "u1"})
	log.Append(identity.GroupStream("g1"), identity.EventTypeGroupCreated, identity.GroupCreated{GroupID: "g1", Name: "admins"})
	log.AppendWith(identity.GroupStream("g1"), identity.EventTypeMemberAssigned,
		identity.MemberAssigned{GroupID: "g1", UserID: "u1", Role: "owner"},
		event.Metadata{CorrelationID: "abc"})
	log.Append(identity.SettingsStream("u1"), identity.EventTypeVolatileSettingSet,
		identity.VolatileSettingSet{EntityID: "u1", Key: "theme", Value: "dark"})

	rt, stop := startRuntime(t, testConfig(t, log))
	base := "http://" + rt.AdminAddr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := platformgrpc.DialHealthy(ctx, rt.GRPCAddr(), "")
	if err != nil {
		t.Fatalf("dial health: %v", err)
	}
	_ = conn.Close()

	var report HealthReport
	waitFor(t, "every tier to catch up", func() bool {
		report = HealthReport{}
		if getJSON(t, base+"/healthz", &report) != http.StatusOK {
			return false
		}
		for _, row := range report.Tiers {
			switch {
			case row.Mode == projection.ModeGlobal.String():
				if row.Global == nil || *row.Global < 4 {
					return false
				}
			case row.Streams[identity.GroupStream("g1")] < 1:
				return false
			}
		}
		return true
	})
	if !report.Healthy {
		t.Fatal("expected a healthy report")
	}
	if len(report.Tiers) != len(AllTiers) {
		t.Fatalf("report has %d tiers, want %d", len(report.Tiers), len(AllTiers))
	}
	for i, row := range report.Tiers {
		if row.Tier != AllTiers[i] {
			t.Errorf("tier[%d] = %s, want %s", i, row.Tier, AllTiers[i])
		}
		if row.Status != projection.StatusServing {
			t.Errorf("tier %s status = %s, want serving", row.Tier, row.Status)
		}
	}

	var outcome tickets.Outcome
	waitFor(t, "the correlated ticket", func() bool {
		return getJSON(t, base+"/tickets/abc", &outcome) == http.StatusOK
	})
	if outcome.Status != tickets.StatusSucceeded || outcome.Tier != apiview.Name {
		t.Fatalf("outcome = %+v, want succeeded from %s", outcome, apiview.Name)
	}
	if code := getJSON(t, base+"/tickets/missing", nil); code != http.StatusNotFound {
		t.Fatalf("missing ticket status = %d, want 404", code)
	}

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "events_applied_total") {
		t.Fatal("metrics output is missing the applied counter")
	}

	if err := stop(); err != nil {
		t.Fatalf("serve returned %v, want nil", err)
	}
}

func TestRuntimeResumesFromStoredCursor(t *testing.T) {
	log := tiertest.NewLog(t)
	log.Append(identity.UserStream("u1"), identity.EventTypeUserCreated, identity.UserCreated{UserID: "u1"})
	cfg := testConfig(t, log)
	cfg.Tiers = []string{graph.Name}
	cfg.GRPCAddr = ""

	rt, stop := startRuntime(t, cfg)
	waitFor(t, "first run", func() bool {
		version, ok := rt.Report().Tiers[0].Streams[identity.UserStream("u1")]
		return ok && version == 0
	})
	if err := stop(); err != nil {
		t.Fatalf("first serve: %v", err)
	}

	log.Append(identity.UserStream("u1"), identity.EventTypeUserDeleted, identity.UserDeleted{UserID: "u1"})
	rt, _ = startRuntime(t, cfg)
	waitFor(t, "second run", func() bool {
		return rt.Report().Tiers[0].Streams[identity.UserStream("u1")] == 1
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	log := tiertest.NewLog(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown tier", func(c *Config) { c.Tiers = []string{"bogus"} }},
		{"repeated tier", func(c *Config) { c.Tiers = []string{graph.Name, graph.Name} }},
		{"missing projections path", func(c *Config) { c.ProjectionsDBPath = "" }},
		{"missing settings path", func(c *Config) { c.SettingsDBPath = "" }},
		{"unknown source", func(c *Config) { c.Sources = nil; c.Source = "ftp" }},
		{"sqlite without path", func(c *Config) { c.Sources = nil; c.Source = SourceSQLite }},
		{"kafka without brokers", func(c *Config) { c.Sources = nil; c.Source = SourceKafka }},
		{"postgres without dsn", func(c *Config) { c.Sources = nil; c.Source = SourcePostgres }},
		{"kafka settings without total order", func(c *Config) {
			c.Sources = nil
			c.Source = SourceKafka
			c.KafkaBrokers = []string{"localhost:9092"}
			c.KafkaTopic = "identity"
			c.KafkaGroup = "projector"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, log)
			tt.mutate(&cfg)
			if rt, err := New(context.Background(), cfg); err == nil {
				rt.Close()
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewEngineRequiresInitializer(t *testing.T) {
	_, err := newEngine(&Runtime{}, projection.Config[storage.GraphStore]{Tier: graph.Name})
	if err == nil || !strings.Contains(err.Error(), "initializer") {
		t.Fatalf("newEngine = %v, want initializer error", err)
	}
}

func TestSelectTiersKeepsStartOrder(t *testing.T) {
	got, err := selectTiers([]string{settings.Name, " ", graph.Name})
	if err != nil {
		t.Fatalf("select tiers: %v", err)
	}
	if len(got) != 2 || got[0] != graph.Name || got[1] != settings.Name {
		t.Fatalf("tiers = %v, want [%s %s]", got, graph.Name, settings.Name)
	}
	all, err := selectTiers(nil)
	if err != nil || len(all) != len(AllTiers) {
		t.Fatalf("default tiers = %v, %v", all, err)
	}
}

func TestSQLiteSourceEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		EventsDBPath:      filepath.Join(dir, "events.sqlite"),
		ProjectionsDBPath: filepath.Join(dir, "projections.sqlite"),
		Tiers:             []string{apiview.Name},
		PollInterval:      10 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	rt, _ := startRuntime(t, cfg)

	evt, err := identity.Catalog().New("evt-1", identity.EventTypeUserCreated,
		identity.UserCreated{UserID: "u1"}, event.Metadata{Timestamp: tiertest.Epoch, CorrelationID: "sql"})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if _, err := rt.events.AppendEvents(context.Background(), identity.UserStream("u1"), evt); err != nil {
		t.Fatalf("append: %v", err)
	}

	waitFor(t, "the sqlite-sourced ticket", func() bool {
		outcome, err := rt.Tickets().Get(context.Background(), "sql")
		return err == nil && outcome.Status == tickets.StatusSucceeded
	})
}
