package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"

	platformgrpc "github.com/louisbranch/identity.space/internal/platform/grpc"
	"github.com/louisbranch/identity.space/internal/platform/telemetry/metrics"
	"github.com/louisbranch/identity.space/internal/platform/timeouts"
	"github.com/louisbranch/identity.space/internal/services/projector/eventlog/kafka"
	"github.com/louisbranch/identity.space/internal/services/projector/eventlog/postgres"
	"github.com/louisbranch/identity.space/internal/services/projector/observability"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage/bbolt"
	"github.com/louisbranch/identity.space/internal/services/projector/storage/sqlite"
	"github.com/louisbranch/identity.space/internal/services/projector/tickets"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/settings"
)

// tierEngine is the type-erased view of a projection.Engine.
type tierEngine interface {
	Tier() string
	Run(ctx context.Context) error
	State() projection.State
	Cursor() projection.Cursor
}

// TicketStore publishes outcomes and serves them to the admin API.
type TicketStore interface {
	tickets.Publisher
	Get(ctx context.Context, correlationID string) (tickets.Outcome, error)
}

// Runtime owns the stores, tier engines and servers of one process.
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	events      *sqlite.Store
	projections *sqlite.Store
	settings    *bbolt.Store
	postgres    *postgres.Log
	redis       *tickets.Redis
	tickets     TicketStore

	registry *prometheus.Registry
	metrics  *observability.Metrics
	board    *observability.Board

	grpcServer    *gogrpc.Server
	health        *health.Server
	grpcListener  net.Listener
	admin         *http.Server
	adminListener net.Listener

	engines []tierEngine

	closeOnce sync.Once
}

// New opens every configured store and builds the selected tiers. Nothing
// runs until Serve.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if cfg.Sources == nil && cfg.Source == SourceKafka && !cfg.KafkaOffsetIsGlobal &&
		slices.Contains(cfg.Tiers, settings.Name) {
		return nil, fmt.Errorf("tier %s reads in global order and needs a single-partition kafka topic", settings.Name)
	}

	r := &Runtime{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: metrics.NewRegistry(),
	}
	r.metrics = observability.NewMetrics(r.registry)
	r.grpcServer, r.health = platformgrpc.NewServer()
	r.board = observability.NewBoard(r.health, r.metrics)

	if err := r.open(ctx); err != nil {
		r.Close()
		return nil, err
	}
	for _, name := range cfg.Tiers {
		engine, err := r.buildTier(name)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.engines = append(r.engines, engine)
	}
	if err := r.listen(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) open(ctx context.Context) error {
	cfg := r.cfg
	var err error
	if cfg.Sources == nil {
		switch cfg.Source {
		case SourceSQLite:
			if r.events, err = openSQLite(ctx, cfg.EventsDBPath, sqlite.OpenEvents); err != nil {
				return fmt.Errorf("open events store: %w", err)
			}
		case SourcePostgres:
			openCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOpen)
			defer cancel()
			if r.postgres, err = postgres.Open(openCtx, cfg.PostgresDSN); err != nil {
				return err
			}
			if err := r.postgres.EnsureReady(openCtx); err != nil {
				return err
			}
		}
	}
	if strings.TrimSpace(cfg.ProjectionsDBPath) != "" {
		if r.projections, err = openSQLite(ctx, cfg.ProjectionsDBPath, sqlite.OpenProjections); err != nil {
			return fmt.Errorf("open projections store: %w", err)
		}
	}
	if strings.TrimSpace(cfg.SettingsDBPath) != "" {
		if err := ensureDir(cfg.SettingsDBPath); err != nil {
			return err
		}
		if r.settings, err = bbolt.Open(cfg.SettingsDBPath); err != nil {
			return fmt.Errorf("open settings store: %w", err)
		}
	}
	return r.openTickets(ctx)
}

func (r *Runtime) openTickets(ctx context.Context) error {
	if strings.TrimSpace(r.cfg.Redis.Addr) == "" {
		r.tickets = tickets.NewMemory()
		return nil
	}
	openCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOpen)
	defer cancel()
	client, err := tickets.NewRedisClient(openCtx, r.cfg.Redis)
	if err != nil {
		return fmt.Errorf("open ticket store: %w", err)
	}
	store, err := tickets.NewRedis(client, r.cfg.Redis.TTL)
	if err != nil {
		_ = client.Close()
		return err
	}
	r.redis = store
	r.tickets = store
	return nil
}

func (r *Runtime) listen() error {
	var err error
	if addr := strings.TrimSpace(r.cfg.GRPCAddr); addr != "" {
		if r.grpcListener, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	}
	if addr := strings.TrimSpace(r.cfg.AdminAddr); addr != "" {
		if r.adminListener, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		r.admin = &http.Server{
			Handler:           r.adminRouter(),
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
	}
	return nil
}

// source returns the event source of tier.
func (r *Runtime) source(tier string) (projection.Source, error) {
	if r.cfg.Sources != nil {
		return r.cfg.Sources(tier)
	}
	switch r.cfg.Source {
	case SourceSQLite:
		return r.events.Source(r.cfg.PollInterval), nil
	case SourcePostgres:
		return r.postgres.Source(r.cfg.PollInterval), nil
	case SourceKafka:
		return kafka.NewSource(kafka.Config{
			Brokers:        r.cfg.KafkaBrokers,
			Topic:          r.cfg.KafkaTopic,
			GroupID:        r.cfg.KafkaGroup + "-" + tier,
			OffsetIsGlobal: r.cfg.KafkaOffsetIsGlobal,
		})
	default:
		return nil, fmt.Errorf("unknown event source %q", r.cfg.Source)
	}
}

// GRPCAddr returns the health server address, or "" when disabled.
func (r *Runtime) GRPCAddr() string {
	if r == nil || r.grpcListener == nil {
		return ""
	}
	return r.grpcListener.Addr().String()
}

// AdminAddr returns the admin HTTP address, or "" when disabled.
func (r *Runtime) AdminAddr() string {
	if r == nil || r.adminListener == nil {
		return ""
	}
	return r.adminListener.Addr().String()
}

// Tickets returns the store that correlated outcomes are published to.
func (r *Runtime) Tickets() TicketStore {
	return r.tickets
}

// Serve runs every tier and the servers until ctx ends. A faulted tier does
// not stop the others; a failing server stops everything.
func (r *Runtime) Serve(ctx context.Context) error {
	if r == nil {
		return errors.New("runtime is nil")
	}
	defer r.Close()

	tierCtx, stopTiers := context.WithCancel(ctx)
	defer stopTiers()

	var tiers errgroup.Group
	for _, engine := range r.engines {
		tiers.Go(func() error {
			r.runTier(tierCtx, engine)
			return nil
		})
	}

	servers, serverCtx := errgroup.WithContext(ctx)
	servers.Go(func() error {
		<-serverCtx.Done()
		return nil
	})
	if r.grpcListener != nil {
		r.logger.Info("projector health listening", "addr", r.GRPCAddr())
		servers.Go(func() error {
			return platformgrpc.Serve(serverCtx, r.grpcServer, r.health, r.grpcListener)
		})
	}
	if r.admin != nil {
		r.logger.Info("projector admin listening", "addr", r.AdminAddr())
		servers.Go(func() error {
			return r.serveAdmin(serverCtx)
		})
	}

	err := servers.Wait()
	stopTiers()
	_ = tiers.Wait()
	return err
}

func (r *Runtime) runTier(ctx context.Context, engine tierEngine) {
	var err error
	if r.cfg.RestartOnFault {
		err = projection.Supervise(ctx, engine.Tier(), engine.Run, projection.SuperviseOptions{Logger: r.logger})
	} else {
		err = engine.Run(ctx)
	}
	if err != nil {
		r.logger.Warn("projection tier stopped", "tier", engine.Tier(), "error", err)
	}
}

func (r *Runtime) serveAdmin(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- r.admin.Serve(r.adminListener)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
		defer cancel()
		if err := r.admin.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin server: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve admin: %w", err)
	}
}

// Close releases every resource. It is safe to call more than once.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		if r.health != nil {
			r.health.Shutdown()
		}
		if r.grpcServer != nil {
			r.grpcServer.Stop()
		}
		if r.grpcListener != nil {
			_ = r.grpcListener.Close()
		}
		if r.admin != nil {
			_ = r.admin.Close()
		}
		if r.adminListener != nil {
			_ = r.adminListener.Close()
		}
		closers := []struct {
			name  string
			close func() error
		}{
			{"events", r.events.Close},
			{"projections", r.projections.Close},
			{"settings", r.settings.Close},
		}
		for _, c := range closers {
			if err := c.close(); err != nil {
				r.logger.Warn("close store", "store", c.name, "error", err)
			}
		}
		if r.postgres != nil {
			r.postgres.Close()
		}
		if r.redis != nil {
			if err := r.redis.Close(); err != nil {
				r.logger.Warn("close ticket store", "error", err)
			}
		}
	})
}

func openSQLite(ctx context.Context, path string, open func(string) (*sqlite.Store, error)) (*sqlite.Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	store, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureReady(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}
