package projection

import (
	"context"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
)

// Unit is one atomic read-model write. The handler effect and the cursor
// row become visible together on Commit or not at all.
type Unit[S any] interface {
	// Scope returns stores bound to this unit only.
	Scope() S
	// RecordPosition writes the cursor row for h inside the unit.
	RecordPosition(ctx context.Context, mode Mode, h event.Header) error
	Commit(ctx context.Context) error
	// Rollback discards the unit. It is a no-op after Commit.
	Rollback() error
}

// UnitOfWork opens units against a read-model store.
type UnitOfWork[S any] interface {
	Begin(ctx context.Context) (Unit[S], error)
}

// UnitOfWorkFunc adapts a function to UnitOfWork.
type UnitOfWorkFunc[S any] func(ctx context.Context) (Unit[S], error)

// Begin calls f(ctx).
func (f UnitOfWorkFunc[S]) Begin(ctx context.Context) (Unit[S], error) {
	return f(ctx)
}

// Initializer prepares a backing store before the first cursor read.
type Initializer interface {
	EnsureReady(ctx context.Context) error
}
