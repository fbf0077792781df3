package event

import (
	"strings"
	"time"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

// NoGlobalPosition marks a header from a log that exposes no total order.
const NoGlobalPosition int64 = -1

// ErrInvalidDomainEvent reports an event without an id or type. Such an event
// is poison: skipping it would silently corrupt stream ordering.
var ErrInvalidDomainEvent = platformerrors.New(platformerrors.CodeInvalidDomainEvent, "invalid domain event")

// Type is the symbolic event name.
type Type string

// Batch locates an event inside a multi-event command result.
type Batch struct {
	ID      string `json:"id,omitempty"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// Metadata is the causal context attached to every event.
type Metadata struct {
	Timestamp       time.Time `json:"timestamp"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	ProcessID       string    `json:"process_id,omitempty"`
	RelatedEntityID string    `json:"related_entity_id,omitempty"`
	Batch           Batch     `json:"batch,omitempty"`
	Initiator       string    `json:"initiator,omitempty"`
	Version         string    `json:"version,omitempty"`
	// HasToBeInverted asks every handler to apply the inverse of its effect.
	HasToBeInverted bool `json:"has_to_be_inverted,omitempty"`
}

// Event is one domain fact.
type Event struct {
	ID          string   `json:"id"`
	Type        Type     `json:"type"`
	Metadata    Metadata `json:"metadata"`
	PayloadJSON []byte   `json:"payload,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (e Event) Validate() error {
	missing := make([]string, 0, 2)
	if strings.TrimSpace(e.ID) == "" {
		missing = append(missing, "event id")
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		missing = append(missing, "event type")
	}
	if len(missing) == 0 {
		return nil
	}
	return platformerrors.WrapWithMetadata(
		platformerrors.CodeInvalidDomainEvent,
		"invalid domain event",
		map[string]string{"event_id": e.ID, "event_type": string(e.Type)},
		platformerrors.New(platformerrors.CodeInvalidDomainEvent, strings.Join(missing, " and ")+" required"),
	)
}

// Header is the log-assigned position of an event.
type Header struct {
	StreamID  string
	EventType Type
	// Version is the position within the stream, starting at 0.
	Version int64
	EventID string
	// GlobalPosition is the position in the total order, or NoGlobalPosition.
	GlobalPosition int64
}

// HasGlobalPosition reports whether the log assigned a total-order position.
func (h Header) HasGlobalPosition() bool {
	return h.GlobalPosition >= 0
}
