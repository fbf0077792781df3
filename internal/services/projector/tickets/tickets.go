// Package tickets publishes per-command outcomes for callers waiting on a
// read model to catch up.
package tickets

import (
	"context"
	"errors"
	"strings"
	"time"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

// Status is the result of applying an event.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrTicketNotFound is returned for unknown or expired correlation ids.
var ErrTicketNotFound = platformerrors.New(platformerrors.CodeNotFound, "ticket not found")

// Outcome is the document a waiting caller reads.
type Outcome struct {
	CorrelationID string     `json:"correlation_id"`
	Status        Status     `json:"status"`
	Tier          string     `json:"tier"`
	EventID       string     `json:"event_id"`
	EventType     event.Type `json:"event_type"`
	Code          string     `json:"code,omitempty"`
	Error         string     `json:"error,omitempty"`
	At            time.Time  `json:"at"`
}

// Publisher stores outcomes by correlation id.
type Publisher interface {
	Publish(ctx context.Context, outcome Outcome) error
}

// Responder maps engine outcomes onto tickets.
type Responder struct {
	tier  string
	pub   Publisher
	clock func() time.Time
}

var _ projection.Responder = (*Responder)(nil)

// NewResponder returns a responder for tier.
func NewResponder(tier string, pub Publisher) (*Responder, error) {
	if strings.TrimSpace(tier) == "" {
		return nil, errors.New("tier is required")
	}
	if pub == nil {
		return nil, errors.New("ticket publisher is required")
	}
	return &Responder{tier: tier, pub: pub, clock: time.Now}, nil
}

// OnSuccess publishes a succeeded ticket. Events without a correlation id
// have no waiting caller and are ignored.
func (r *Responder) OnSuccess(ctx context.Context, evt event.Event) error {
	if evt.Metadata.CorrelationID == "" {
		return nil
	}
	return r.pub.Publish(ctx, r.outcome(evt, StatusSucceeded))
}

// OnFailure publishes a failed ticket carrying the error code.
func (r *Responder) OnFailure(ctx context.Context, evt event.Event, cause error) error {
	if evt.Metadata.CorrelationID == "" {
		return nil
	}
	outcome := r.outcome(evt, StatusFailed)
	if cause != nil {
		outcome.Code = string(platformerrors.CodeOf(cause))
		outcome.Error = cause.Error()
	}
	return r.pub.Publish(ctx, outcome)
}

func (r *Responder) outcome(evt event.Event, status Status) Outcome {
	return Outcome{
		CorrelationID: evt.Metadata.CorrelationID,
		Status:        status,
		Tier:          r.tier,
		EventID:       evt.ID,
		EventType:     evt.Type,
		At:            r.clock().UTC(),
	}
}
