// Package projector parses projector flags and launches the projection
// runtime.
package projector

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/identity.space/internal/platform/cmd"
	"github.com/louisbranch/identity.space/internal/services/projector/app"
	"github.com/louisbranch/identity.space/internal/services/projector/tickets"
)

// Config holds projector command configuration.
type Config struct {
	EventsDBPath      string        `env:"IDENTITY_SPACE_PROJECTOR_EVENTS_DB_PATH" envDefault:"data/events.db"`
	ProjectionsDBPath string        `env:"IDENTITY_SPACE_PROJECTOR_PROJECTIONS_DB_PATH" envDefault:"data/projections.db"`
	SettingsDBPath    string        `env:"IDENTITY_SPACE_PROJECTOR_SETTINGS_DB_PATH" envDefault:"data/settings.bolt"`
	Source            string        `env:"IDENTITY_SPACE_PROJECTOR_SOURCE" envDefault:"sqlite"`
	KafkaBrokers      []string      `env:"IDENTITY_SPACE_PROJECTOR_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic        string        `env:"IDENTITY_SPACE_PROJECTOR_KAFKA_TOPIC" envDefault:"identity-events"`
	KafkaGroup        string        `env:"IDENTITY_SPACE_PROJECTOR_KAFKA_GROUP" envDefault:"projector"`
	KafkaSinglePart   bool          `env:"IDENTITY_SPACE_PROJECTOR_KAFKA_SINGLE_PARTITION"`
	PostgresDSN       string        `env:"IDENTITY_SPACE_PROJECTOR_POSTGRES_DSN"`
	PollInterval      time.Duration `env:"IDENTITY_SPACE_PROJECTOR_POLL_INTERVAL" envDefault:"250ms"`
	Tiers             []string      `env:"IDENTITY_SPACE_PROJECTOR_TIERS" envSeparator:","`
	Workers           int           `env:"IDENTITY_SPACE_PROJECTOR_WORKERS" envDefault:"1"`
	RestartOnFault    bool          `env:"IDENTITY_SPACE_PROJECTOR_RESTART_ON_FAULT"`
	Port              int           `env:"IDENTITY_SPACE_PROJECTOR_PORT" envDefault:"8095"`
	AdminAddr         string        `env:"IDENTITY_SPACE_PROJECTOR_ADMIN_ADDR" envDefault:":9095"`
	LogLevel          string        `env:"IDENTITY_SPACE_PROJECTOR_LOG_LEVEL" envDefault:"info"`
	Redis             RedisConfig   `envPrefix:"IDENTITY_SPACE_PROJECTOR_REDIS_"`
}

// RedisConfig addresses the ticket store. An empty address keeps tickets in
// process.
type RedisConfig struct {
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB"`
	TTL      time.Duration `env:"TTL" envDefault:"10m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	var tiers, brokers string
	bind := func(cfg *Config) {
		tiers = strings.Join(cfg.Tiers, ",")
		brokers = strings.Join(cfg.KafkaBrokers, ",")
		fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "The SQLite event log path")
		fs.StringVar(&cfg.ProjectionsDBPath, "projections-db-path", cfg.ProjectionsDBPath, "The SQLite read-model path")
		fs.StringVar(&cfg.SettingsDBPath, "settings-db-path", cfg.SettingsDBPath, "The BoltDB settings index path")
		fs.StringVar(&cfg.Source, "source", cfg.Source, "Event source: sqlite, kafka or postgres")
		fs.StringVar(&brokers, "kafka-brokers", brokers, "Comma-separated kafka brokers")
		fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic carrying identity events")
		fs.StringVar(&cfg.KafkaGroup, "kafka-group", cfg.KafkaGroup, "Kafka consumer group prefix; each tier appends its name")
		fs.BoolVar(&cfg.KafkaSinglePart, "kafka-single-partition", cfg.KafkaSinglePart, "Treat kafka offsets as global positions")
		fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Postgres event log DSN")
		fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis ticket store address; empty keeps tickets in memory")
		fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Event log poll interval")
		fs.StringVar(&tiers, "tiers", tiers, "Comma-separated tiers to run; empty runs all")
		fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Stream lanes per stream-mode tier")
		fs.BoolVar(&cfg.RestartOnFault, "restart-on-fault", cfg.RestartOnFault, "Restart faulted tiers with backoff")
		fs.IntVar(&cfg.Port, "port", cfg.Port, "The projector health gRPC server port")
		fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "The admin HTTP address for /metrics and /healthz")
		fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	}
	if err := entrypoint.LoadConfig(&cfg, fs, args, bind); err != nil {
		return Config{}, err
	}
	cfg.Tiers = splitList(tiers)
	cfg.KafkaBrokers = splitList(brokers)
	return cfg, nil
}

// Run starts the projector runtime.
func Run(ctx context.Context, cfg Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return entrypoint.Run(ctx, entrypoint.ServiceProjector, logger, func(ctx context.Context) error {
		runtime, err := app.New(ctx, cfg.runtimeConfig(logger))
		if err != nil {
			return err
		}
		return runtime.Serve(ctx)
	})
}

func (c Config) runtimeConfig(logger *slog.Logger) app.Config {
	return app.Config{
		EventsDBPath:        c.EventsDBPath,
		ProjectionsDBPath:   c.ProjectionsDBPath,
		SettingsDBPath:      c.SettingsDBPath,
		Source:              c.Source,
		KafkaBrokers:        c.KafkaBrokers,
		KafkaTopic:          c.KafkaTopic,
		KafkaGroup:          c.KafkaGroup,
		KafkaOffsetIsGlobal: c.KafkaSinglePart,
		PostgresDSN:         c.PostgresDSN,
		PollInterval:        c.PollInterval,
		Tiers:               c.Tiers,
		Workers:             c.Workers,
		RestartOnFault:      c.RestartOnFault,
		GRPCAddr:            fmt.Sprintf(":%d", c.Port),
		AdminAddr:           c.AdminAddr,
		Logger:              logger,
		Redis: tickets.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			TTL:      c.Redis.TTL,
		},
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
