package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

// LoadStreamPositions implements projection.PositionReader.
func (s *Store) LoadStreamPositions(ctx context.Context, tier string) (map[string]int64, error) {
	tier = strings.TrimSpace(tier)
	if tier == "" {
		return nil, fmt.Errorf("tier is required")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT stream_id, version FROM projection_positions WHERE tier = ?`, tier,
	)
	if err != nil {
		return nil, fmt.Errorf("load stream positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]int64)
	for rows.Next() {
		var (
			stream  string
			version int64
		)
		if err := rows.Scan(&stream, &version); err != nil {
			return nil, fmt.Errorf("scan stream position: %w", err)
		}
		positions[stream] = version
	}
	return positions, rows.Err()
}

// LoadGlobalPosition implements projection.PositionReader.
func (s *Store) LoadGlobalPosition(ctx context.Context, tier string) (int64, error) {
	tier = strings.TrimSpace(tier)
	if tier == "" {
		return projection.FromStart, fmt.Errorf("tier is required")
	}
	var position int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT position FROM projection_global_positions WHERE tier = ?`, tier,
	).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return projection.FromStart, nil
	}
	if err != nil {
		return projection.FromStart, fmt.Errorf("load global position: %w", err)
	}
	return position, nil
}

// recordPosition upserts the cursor row for h. Positions never move backwards.
func recordPosition(ctx context.Context, tx *sql.Tx, tier string, mode projection.Mode, h event.Header) error {
	now := toMillis(time.Now())
	if mode == projection.ModeGlobal {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projection_global_positions (tier, position, updated_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT (tier) DO UPDATE SET
			     position = MAX(position, excluded.position),
			     updated_at = excluded.updated_at`,
			tier, h.GlobalPosition, now,
		); err != nil {
			return fmt.Errorf("record global position %s/%d: %w", tier, h.GlobalPosition, err)
		}
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projection_positions (tier, stream_id, version, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (tier, stream_id) DO UPDATE SET
		     version = MAX(version, excluded.version),
		     updated_at = excluded.updated_at`,
		tier, h.StreamID, h.Version, now,
	); err != nil {
		return fmt.Errorf("record stream position %s/%s@%d: %w", tier, h.StreamID, h.Version, err)
	}
	return nil
}
