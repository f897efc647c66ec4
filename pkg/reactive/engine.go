// Package reactive implements stmcore's Conditional Subscriber: an
// index from cell to subscription, fired after each commit with that
// commit's trigger set. It depends on pkg/runtime only through the
// Engine interface below, so pkg/runtime can in turn depend on
// pkg/reactive without an import cycle.
package reactive

import (
	"context"

	"github.com/cobaltdb/stmcore/pkg/txn"
)

// Engine is the slice of pkg/runtime that reactive needs: a way to run a
// closure in an isolated, rolled-back transaction to capture its read
// set, both at registration and on each re-test when fired, and a way
// to run a closure as a full committing transaction (the reaction
// body, which must retry on conflict like any other transaction).
type Engine interface {
	// Observe runs fn under a fresh start stamp and always rolls it back,
	// returning the cells fn enlisted. Used to capture a test closure's
	// read set without its (nonexistent, by convention) writes committing.
	Observe(ctx context.Context, fn func(ctx context.Context) error) ([]txn.Enlistable, error)

	// RunTransaction runs fn as an ordinary committing transaction,
	// including retry-on-conflict. Used to run a fired
	// subscription's body.
	RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
