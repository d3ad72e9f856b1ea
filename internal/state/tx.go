package state

import (
	"context"
	"errors"
	"fmt"
)

type mutationLockKey struct{}

// holdsMutationLock reports whether ctx was issued inside WithMutationLock
// on this store.
func (s *Store) holdsMutationLock(ctx context.Context) bool {
	v, _ := ctx.Value(mutationLockKey{}).(*Store)
	return v == s
}

// WithMutationLock runs fn while holding the store-wide mutation lock. The
// lock serializes all mutations across every manager; reads never take it.
// Re-entry is detected through the context, so a mutator called from inside
// another locked section runs inline instead of deadlocking. Changes made
// under the lock are buffered and handed to subscribers only after the
// outermost section releases it, so no observer sees a partial batch.
func (s *Store) WithMutationLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.holdsMutationLock(ctx) {
		return fn(ctx)
	}

	s.mutationMu.Lock()
	ctx = context.WithValue(ctx, mutationLockKey{}, s)

	var changes []Change
	defer func() {
		changes = s.pending
		s.pending = nil
		s.mutationMu.Unlock()
		if len(changes) > 0 {
			s.flush(changes)
		}
	}()

	return fn(ctx)
}

// ErrNestedTransaction is returned when WithTransaction is called from
// inside another transaction.
var ErrNestedTransaction = errors.New("nested transaction")

type transactionKey struct{}

// WithTransaction runs fn under the mutation lock and inside a backend
// storage transaction, so a multi-entity mutation either fully persists or
// not at all. Transactions do not nest; calling WithTransaction from inside
// fn is an error.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionKey{}) != nil {
		return ErrNestedTransaction
	}
	return s.WithMutationLock(ctx, func(ctx context.Context) error {
		ctx = context.WithValue(ctx, transactionKey{}, struct{}{})
		if err := s.backend.WithTx(ctx, fn); err != nil {
			return fmt.Errorf("transaction: %w", err)
		}
		return nil
	})
}

// publishLocked buffers a committed change. Must only be called while the
// mutation lock is held; managers guarantee this.
func (s *Store) publishLocked(c Change) {
	s.pending = append(s.pending, c)
}
