package projection

import (
	"fmt"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
)

var (
	// ErrNotSupported reports an event type without a handler in a strict tier.
	ErrNotSupported = platformerrors.New(platformerrors.CodeNotSupported, "no handler registered for event type")
	// ErrDuplicateHandler reports a second registration for the same event type.
	ErrDuplicateHandler = platformerrors.New(platformerrors.CodeDuplicateHandler, "handler already registered")
	// ErrGlobalPositionMissing reports a header without a global position in a
	// tier that tracks one.
	ErrGlobalPositionMissing = platformerrors.New(platformerrors.CodeGlobalPositionMissing, "global position missing")
	// ErrStreamGap reports a stream version that skips past the next one the
	// tier expects.
	ErrStreamGap = platformerrors.New(platformerrors.CodeStreamGap, "stream version skips ahead of cursor")
	// ErrPayloadMismatch reports a handler whose payload type differs from
	// the event catalog.
	ErrPayloadMismatch = platformerrors.New(platformerrors.CodeConfigurationAmbiguity, "handler payload type does not match catalog")
)

// HandlerError wraps a handler failure with the coordinates of the event.
type HandlerError struct {
	Tier      string
	EventType event.Type
	EventID   string
	StreamID  string
	Version   int64
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("projection %s: apply %s (%s) at %s@%d: %v",
		e.Tier, e.EventType, e.EventID, e.StreamID, e.Version, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func newHandlerError(tier string, d Delivery, err error) *HandlerError {
	if platformerrors.CodeOf(err) == platformerrors.CodeUnknown {
		err = platformerrors.Wrap(platformerrors.CodeHandlerFailure, "handler failed", err)
	}
	return &HandlerError{
		Tier:      tier,
		EventType: d.Event.Type,
		EventID:   d.Event.ID,
		StreamID:  d.Header.StreamID,
		Version:   d.Header.Version,
		Err:       err,
	}
}
