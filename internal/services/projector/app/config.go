// Package app wires the projector runtime: stores, tiers, health and the
// admin HTTP server.
package app

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/tickets"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/apiview"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/assignments"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/graph"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/settings"
)

// Event source kinds.
const (
	SourceSQLite   = "sqlite"
	SourceKafka    = "kafka"
	SourcePostgres = "postgres"
)

// DefaultPollInterval is used by polling sources when none is configured.
const DefaultPollInterval = 250 * time.Millisecond

// AllTiers lists every tier in start order.
var AllTiers = []string{graph.Name, apiview.Name, assignments.Name, settings.Name}

// SourceFactory returns the event source of one tier.
type SourceFactory func(tier string) (projection.Source, error)

// Config describes one projector process.
type Config struct {
	EventsDBPath      string
	ProjectionsDBPath string
	SettingsDBPath    string

	Source              string
	KafkaBrokers        []string
	KafkaTopic          string
	KafkaGroup          string
	KafkaOffsetIsGlobal bool
	PostgresDSN         string
	PollInterval        time.Duration

	// Redis enables the redis ticket store when Addr is set. Otherwise
	// outcomes stay in process.
	Redis tickets.RedisConfig

	// Tiers selects the tiers to run. Empty runs all of them.
	Tiers          []string
	Workers        int
	RestartOnFault bool

	GRPCAddr  string
	AdminAddr string

	Logger *slog.Logger
	// Sources overrides Source. Used to run against an in-process log.
	Sources SourceFactory
}

func (c Config) normalized() (Config, error) {
	c.Source = strings.ToLower(strings.TrimSpace(c.Source))
	if c.Source == "" {
		c.Source = SourceSQLite
	}
	if c.Sources == nil {
		switch c.Source {
		case SourceSQLite:
			if strings.TrimSpace(c.EventsDBPath) == "" {
				return c, fmt.Errorf("events db path is required for the %s source", c.Source)
			}
		case SourceKafka:
			if len(c.KafkaBrokers) == 0 || strings.TrimSpace(c.KafkaTopic) == "" || strings.TrimSpace(c.KafkaGroup) == "" {
				return c, fmt.Errorf("kafka brokers, topic and group are required for the %s source", c.Source)
			}
		case SourcePostgres:
			if strings.TrimSpace(c.PostgresDSN) == "" {
				return c, fmt.Errorf("postgres dsn is required for the %s source", c.Source)
			}
		default:
			return c, fmt.Errorf("unknown event source %q", c.Source)
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}

	tiers, err := selectTiers(c.Tiers)
	if err != nil {
		return c, err
	}
	c.Tiers = tiers
	if slices.ContainsFunc(c.Tiers, func(t string) bool { return t != settings.Name }) &&
		strings.TrimSpace(c.ProjectionsDBPath) == "" {
		return c, fmt.Errorf("projections db path is required")
	}
	if slices.Contains(c.Tiers, settings.Name) && strings.TrimSpace(c.SettingsDBPath) == "" {
		return c, fmt.Errorf("settings db path is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

// selectTiers keeps AllTiers order and rejects unknown or repeated names.
func selectTiers(names []string) ([]string, error) {
	if len(names) == 0 {
		return slices.Clone(AllTiers), nil
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !slices.Contains(AllTiers, name) {
			return nil, fmt.Errorf("unknown tier %q (want one of %s)", name, strings.Join(AllTiers, ", "))
		}
		if seen[name] {
			return nil, fmt.Errorf("tier %q selected twice", name)
		}
		seen[name] = true
	}
	if len(seen) == 0 {
		return slices.Clone(AllTiers), nil
	}
	out := make([]string, 0, len(seen))
	for _, name := range AllTiers {
		if seen[name] {
			out = append(out, name)
		}
	}
	return out, nil
}
