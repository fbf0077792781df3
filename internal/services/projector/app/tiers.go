package app

import (
	"fmt"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage"
	"github.com/louisbranch/identity.space/internal/services/projector/storage/bbolt"
	"github.com/louisbranch/identity.space/internal/services/projector/storage/sqlite"
	"github.com/louisbranch/identity.space/internal/services/projector/tickets"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/apiview"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/assignments"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/graph"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/settings"
)

func entityFilter() projection.Filter {
	return projection.Filter{Pattern: identity.Streams().Pattern()}
}

func (r *Runtime) buildTier(name string) (tierEngine, error) {
	src, err := r.source(name)
	if err != nil {
		return nil, fmt.Errorf("tier %s: event source: %w", name, err)
	}
	switch name {
	case graph.Name:
		registry, err := graph.Registry()
		if err != nil {
			return nil, err
		}
		units, err := sqlite.NewUnitOfWork(r.projections, name, func(s *sqlite.Scope) storage.GraphStore { return s })
		if err != nil {
			return nil, err
		}
		return newEngine(r, projection.Config[storage.GraphStore]{
			Tier:        name,
			Mode:        projection.ModeStreams,
			Filter:      entityFilter(),
			Registry:    registry,
			Units:       units,
			Positions:   r.projections,
			Initializer: r.projections,
			Source:      src,
		})
	case apiview.Name:
		registry, err := apiview.Registry()
		if err != nil {
			return nil, err
		}
		units, err := sqlite.NewUnitOfWork(r.projections, name, func(s *sqlite.Scope) storage.APIViewStore { return s })
		if err != nil {
			return nil, err
		}
		responder, err := tickets.NewResponder(name, r.tickets)
		if err != nil {
			return nil, err
		}
		return newEngine(r, projection.Config[storage.APIViewStore]{
			Tier:        name,
			Mode:        projection.ModeStreams,
			Filter:      entityFilter(),
			Registry:    registry,
			Units:       units,
			Positions:   r.projections,
			Initializer: r.projections,
			Source:      src,
			Responder:   responder,
		})
	case assignments.Name:
		registry, err := assignments.Registry()
		if err != nil {
			return nil, err
		}
		units, err := sqlite.NewUnitOfWork(r.projections, name, func(s *sqlite.Scope) storage.AssignmentStore { return s })
		if err != nil {
			return nil, err
		}
		return newEngine(r, projection.Config[storage.AssignmentStore]{
			Tier:        name,
			Mode:        projection.ModeStreams,
			Filter:      entityFilter(),
			Registry:    registry,
			Units:       units,
			Positions:   r.projections,
			Initializer: r.projections,
			Source:      src,
		})
	case settings.Name:
		registry, err := settings.Registry()
		if err != nil {
			return nil, err
		}
		units, err := bbolt.NewUnitOfWork(r.settings, name, func(s *bbolt.Scope) storage.SettingStore { return s })
		if err != nil {
			return nil, err
		}
		return newEngine(r, projection.Config[storage.SettingStore]{
			Tier:        name,
			Mode:        projection.ModeGlobal,
			Filter:      projection.Filter{AllStreams: true},
			Registry:    registry,
			Units:       units,
			Positions:   r.settings,
			Initializer: r.settings,
			Source:      src,
		})
	default:
		return nil, fmt.Errorf("unknown tier %q", name)
	}
}

// newEngine applies the process-wide wiring. It refuses a tier without a
// store initializer and a strict tier that cannot handle every event its
// streams carry.
func newEngine[S any](r *Runtime, cfg projection.Config[S]) (tierEngine, error) {
	if cfg.Initializer == nil {
		return nil, fmt.Errorf("tier %s: store initializer is required", cfg.Tier)
	}
	if cfg.Registry.Policy() == projection.PolicyStrict && cfg.Filter.Pattern != nil {
		if err := cfg.Registry.Covers(identity.StreamEventTypes()...); err != nil {
			return nil, err
		}
	}
	if cfg.Mode == projection.ModeStreams {
		cfg.Workers = r.cfg.Workers
	}
	cfg.Health = r.board
	cfg.Observer = r.metrics
	cfg.Logger = r.logger
	engine, err := projection.New(cfg)
	if err != nil {
		return nil, err
	}
	r.board.Watch(cfg.Tier)
	return engine, nil
}
