package projection

import (
	"context"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
)

// Responder reports per-event outcomes to the caller that issued the
// command. Only tiers with a waiting caller configure one.
type Responder interface {
	OnSuccess(ctx context.Context, evt event.Event) error
	OnFailure(ctx context.Context, evt event.Event, cause error) error
}
