package projection

import (
	"context"
	"errors"
	"regexp"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Filter selects the streams a subscription delivers.
type Filter struct {
	Pattern    *regexp.Regexp
	AllStreams bool
}

// Match reports whether stream passes the filter.
func (f Filter) Match(stream string) bool {
	if f.AllStreams || f.Pattern == nil {
		return true
	}
	return f.Pattern.MatchString(stream)
}

// Delivery is one event handed to a tier.
type Delivery struct {
	Header event.Header
	Event  event.Event
	// Receipt is the source-specific handle Ack uses.
	Receipt any
}

// Source is the shared event log.
type Source interface {
	// Subscribe delivers matching events after global position from, in log
	// order. FromStart replays the whole log.
	Subscribe(ctx context.Context, filter Filter, from int64) (Subscription, error)
}

// Subscription is an ordered, restartable event sequence.
type Subscription interface {
	// Next blocks until an event is available or ctx is done.
	Next(ctx context.Context) (Delivery, error)
	// Ack tells the source the delivery and everything before it is done.
	Ack(ctx context.Context, d Delivery) error
	Close() error
}
