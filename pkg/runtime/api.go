package runtime

import (
	"context"

	"github.com/cobaltdb/stmcore/pkg/txn"
)

// Rollback returns the sentinel error that aborts the current
// transaction from within a RunTransaction body, either restarting it
// (retry=true) or terminating without commit (retry=false).
func Rollback(retry bool) error {
	if retry {
		return txn.ErrRetry
	}
	return txn.ErrAbort
}

// SideEffect registers a deferred action against the ambient transaction
// in ctx: onCommit runs once after a successful commit, onRollback runs
// once if the transaction instead rolls back. Either callback may be nil.
func SideEffect(ctx context.Context, onCommit, onRollback func()) error {
	tx, err := txn.AssertInTransaction(ctx)
	if err != nil {
		return err
	}
	tx.SideEffect(onCommit, onRollback)
	return nil
}

// InTransaction reports whether ctx carries an active transaction.
func InTransaction(ctx context.Context) bool { return txn.InTransaction(ctx) }

// CurrentStartStamp returns the ambient transaction's start stamp, or
// false if ctx carries no active transaction.
func CurrentStartStamp(ctx context.Context) (txn.Stamp, bool) { return txn.CurrentStartStamp(ctx) }

// AssertInTransaction returns an error if ctx carries no active
// transaction.
func AssertInTransaction(ctx context.Context) error {
	_, err := txn.AssertInTransaction(ctx)
	return err
}
