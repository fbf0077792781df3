package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

const (
	maxBusyRetries = 8
	retryBaseDelay = 10 * time.Millisecond
)

// Scope exposes the read-model stores bound to one transaction.
type Scope struct {
	tx *sql.Tx
}

// NewUnitOfWork returns units that write tier's effects and cursor rows in
// one transaction. scope maps the transaction-bound Scope to the handler
// scope type.
func NewUnitOfWork[S any](store *Store, tier string, scope func(*Scope) S) (projection.UnitOfWork[S], error) {
	if store == nil || store.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tier = strings.TrimSpace(tier)
	if tier == "" {
		return nil, fmt.Errorf("tier is required")
	}
	if scope == nil {
		return nil, fmt.Errorf("scope mapper is required")
	}
	return projection.UnitOfWorkFunc[S](func(ctx context.Context) (projection.Unit[S], error) {
		tx, err := store.beginTx(ctx)
		if err != nil {
			return nil, err
		}
		return &unit[S]{tier: tier, tx: tx, scope: scope(&Scope{tx: tx})}, nil
	}), nil
}

// beginTx retries SQLITE_BUSY with backoff.
func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseDelay
	return backoff.Retry(ctx, func() (*sql.Tx, error) {
		tx, err := s.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			if isSQLiteBusyError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("begin projection tx: %w", err))
		}
		return tx, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxBusyRetries))
}

type unit[S any] struct {
	tier  string
	tx    *sql.Tx
	scope S
}

func (u *unit[S]) Scope() S {
	return u.scope
}

func (u *unit[S]) RecordPosition(ctx context.Context, mode projection.Mode, h event.Header) error {
	return recordPosition(ctx, u.tx, u.tier, mode, h)
}

func (u *unit[S]) Commit(context.Context) error {
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit projection tx: %w", err)
	}
	return nil
}

func (u *unit[S]) Rollback() error {
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback projection tx: %w", err)
	}
	return nil
}
