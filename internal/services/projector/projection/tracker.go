package projection

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
)

// FromStart is the cursor value of a stream or tier with nothing applied.
const FromStart int64 = -1

// Mode selects how a tier tracks its cursor.
type Mode uint8

const (
	// ModeStreams keeps the last applied version per stream.
	ModeStreams Mode = iota
	// ModeGlobal keeps the last applied global position.
	ModeGlobal
)

func (m Mode) String() string {
	switch m {
	case ModeStreams:
		return "streams"
	case ModeGlobal:
		return "global"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// PositionReader loads durable cursors.
type PositionReader interface {
	// LoadStreamPositions returns the last applied version per stream.
	LoadStreamPositions(ctx context.Context, tier string) (map[string]int64, error)
	// LoadGlobalPosition returns the last applied global position, or
	// FromStart when none was recorded.
	LoadGlobalPosition(ctx context.Context, tier string) (int64, error)
}

// Cursor is a snapshot of a tier cursor.
type Cursor struct {
	Mode    Mode
	Streams map[string]int64
	Global  int64
}

// Tracker is the in-memory cursor of one tier. It is advanced only after the
// matching unit of work committed.
type Tracker struct {
	tier string
	mode Mode

	mu      sync.RWMutex
	streams map[string]int64
	global  int64
}

// NewTracker returns an empty tracker.
func NewTracker(tier string, mode Mode) *Tracker {
	return &Tracker{
		tier:    tier,
		mode:    mode,
		streams: make(map[string]int64),
		global:  FromStart,
	}
}

// Load replaces the in-memory cursor with the durable one.
func (t *Tracker) Load(ctx context.Context, reader PositionReader) error {
	switch t.mode {
	case ModeGlobal:
		pos, err := reader.LoadGlobalPosition(ctx, t.tier)
		if err != nil {
			return fmt.Errorf("load global position for %s: %w", t.tier, err)
		}
		t.mu.Lock()
		t.global = max(pos, FromStart)
		t.mu.Unlock()
	default:
		positions, err := reader.LoadStreamPositions(ctx, t.tier)
		if err != nil {
			return fmt.Errorf("load stream positions for %s: %w", t.tier, err)
		}
		t.mu.Lock()
		t.streams = make(map[string]int64, len(positions))
		maps.Copy(t.streams, positions)
		t.mu.Unlock()
	}
	return nil
}

// IsApplied reports whether h is at or behind the cursor. In stream mode a
// version past the next expected one fails with ErrStreamGap.
func (t *Tracker) IsApplied(h event.Header) (bool, error) {
	if err := t.check(h); err != nil {
		return false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.mode == ModeGlobal {
		return h.GlobalPosition <= t.global, nil
	}
	pos := t.position(h.StreamID)
	if h.Version > pos+1 {
		return false, platformerrors.WithMetadata(platformerrors.CodeStreamGap, "stream version skips ahead of cursor",
			map[string]string{
				"tier":      t.tier,
				"stream_id": h.StreamID,
				"version":   strconv.FormatInt(h.Version, 10),
				"expected":  strconv.FormatInt(pos+1, 10),
			})
	}
	return h.Version <= pos, nil
}

// Advance moves the cursor to h. Positions behind the cursor are ignored.
func (t *Tracker) Advance(h event.Header) error {
	if err := t.check(h); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == ModeGlobal {
		t.global = max(t.global, h.GlobalPosition)
		return nil
	}
	if h.Version > t.position(h.StreamID) {
		t.streams[h.StreamID] = h.Version
	}
	return nil
}

// Position returns the last applied version of stream, or FromStart.
func (t *Tracker) Position(stream string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.position(stream)
}

// Cursor returns a copy of the current cursor.
func (t *Tracker) Cursor() Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Cursor{Mode: t.mode, Streams: maps.Clone(t.streams), Global: t.global}
}

// ResumeFrom returns the global position after which the subscription
// starts. Stream-mode tiers replay from the start and rely on per-stream
// versions to skip what they already applied.
func (t *Tracker) ResumeFrom() int64 {
	if t.mode != ModeGlobal {
		return FromStart
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.global
}

func (t *Tracker) position(stream string) int64 {
	if v, ok := t.streams[stream]; ok {
		return v
	}
	return FromStart
}

func (t *Tracker) check(h event.Header) error {
	if t.mode == ModeGlobal {
		if !h.HasGlobalPosition() {
			return fmt.Errorf("%w: tier %s event %s", ErrGlobalPositionMissing, t.tier, h.EventID)
		}
		return nil
	}
	if strings.TrimSpace(h.StreamID) == "" {
		return platformerrors.WithMetadata(platformerrors.CodeInvalidDomainEvent, "stream id required",
			map[string]string{"tier": t.tier, "event_id": h.EventID})
	}
	if h.Version < 0 {
		return platformerrors.WithMetadata(platformerrors.CodeInvalidDomainEvent, "stream version must not be negative",
			map[string]string{"tier": t.tier, "stream_id": h.StreamID})
	}
	return nil
}
