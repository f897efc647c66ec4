// Package txn implements stmcore's per-transaction context: the start
// stamp, the enlisted-cell set, the deferred commute list, and the
// commute-degeneration protocol — together with the Manager, which
// allocates stamps, runs two-phase commit and reclaims old versions.
// pkg/runtime drives a Manager and treats *Tx as an opaque handle.
package txn

import (
	"context"
)

// Stamp is the monotonically increasing version/commit counter.
type Stamp = uint64

// Enlistable is the capability set a cell exposes to its transaction
// context so the context can drive commit/rollback/trim without knowing
// the cell's generic value type ("dynamic-dispatch enlistment").
type Enlistable interface {
	// CanCommit claims the write stamp for proposed if nothing else holds
	// the cell and the head version is still visible to startStamp.
	CanCommit(tx *Tx, proposed Stamp) bool
	// Commit links the pending value as the new head version and clears
	// the write stamp. No-op if the transaction had not written the cell.
	Commit(tx *Tx)
	// Rollback discards any pending value and clears the write stamp if
	// this transaction held it.
	Rollback(tx *Tx)
	// Trim keeps the newest version at or below belowStamp and detaches
	// every version older than it.
	Trim(belowStamp Stamp)
	// HasChanges reports whether tx wrote this cell.
	HasChanges(tx *Tx) bool
	// Owner returns the opaque identity grouping this cell belongs to.
	Owner() string
}

type sideEffect struct {
	onCommit   func()
	onRollback func()
}

// Tx is the per-transaction context. It is not safe for
// concurrent use: a transaction belongs to exactly one goroutine, the one
// that called RunTransaction, mirroring database/sql.
type Tx struct {
	startStamp Stamp

	enlisted      map[Enlistable]struct{}
	enlistedOrder []Enlistable

	commutes     []*Commute
	commuteTime  int // index of the commute currently executing, -1 if none
	blockCommute bool
	blockEnlist  Enlistable // non-nil only while a commute's Perform runs

	sideEffects []sideEffect

	done bool
}

// New creates a fresh transaction context at the given start stamp. The
// Manager calls this (Begin and the commute phase); user code never
// constructs a *Tx directly.
func New(start Stamp) *Tx {
	return &Tx{
		startStamp:  start,
		enlisted:    make(map[Enlistable]struct{}),
		commuteTime: -1,
	}
}

// StartStamp returns the snapshot version this transaction reads at.
func (tx *Tx) StartStamp() Stamp { return tx.startStamp }

type ctxKey struct{}

// NewContext returns ctx annotated with tx, so nested calls to
// RunTransaction and Cell operations can discover the ambient
// transaction without it being threaded as an explicit parameter
// everywhere.
func NewContext(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// FromContext recovers the ambient transaction, if any.
func FromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Tx)
	return tx, ok
}

// InTransaction reports whether ctx carries an active transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := FromContext(ctx)
	return ok
}

// CurrentStartStamp returns the ambient transaction's start stamp, or
// false if there is none.
func CurrentStartStamp(ctx context.Context) (Stamp, bool) {
	tx, ok := FromContext(ctx)
	if !ok {
		return 0, false
	}
	return tx.StartStamp(), true
}

// AssertInTransaction returns ErrOutOfTransaction if ctx carries no
// active transaction, otherwise the transaction itself.
func AssertInTransaction(ctx context.Context) (*Tx, error) {
	tx, ok := FromContext(ctx)
	if !ok {
		return nil, ErrOutOfTransaction
	}
	return tx, nil
}

// Enlist registers cell as touched by tx. It returns true the first time
// a given cell is touched in this transaction, and triggers commute
// degeneration on that first touch. A strict commute in progress
// (blockEnlist set) rejects enlistment of any other cell.
func (tx *Tx) Enlist(ctx context.Context, cell Enlistable) (isNew bool, err error) {
	if tx.blockEnlist != nil && tx.blockEnlist != cell {
		return false, errForbiddenEnlist(cell)
	}
	if _, ok := tx.enlisted[cell]; ok {
		return false, nil
	}
	tx.enlisted[cell] = struct{}{}
	tx.enlistedOrder = append(tx.enlistedOrder, cell)
	if err := tx.degenerate(ctx, cell); err != nil {
		return true, err
	}
	return true, nil
}

// IsEnlisted reports whether cell was already touched in this transaction.
func (tx *Tx) IsEnlisted(cell Enlistable) bool {
	_, ok := tx.enlisted[cell]
	return ok
}

// Enlisted returns the cells touched by this transaction, in first-touch
// order.
func (tx *Tx) Enlisted() []Enlistable {
	out := make([]Enlistable, len(tx.enlistedOrder))
	copy(out, tx.enlistedOrder)
	return out
}

// BlockCommute reports whether newly issued commutes must degenerate
// immediately — true while this transaction is running a degenerated
// commute's closure at the outermost level.
func (tx *Tx) BlockCommute() bool { return tx.blockCommute }

// SideEffect registers a deferred action: onCommit runs once, in order,
// after a successful commit; onRollback runs once if the transaction
// instead rolls back. Either may be nil.
func (tx *Tx) SideEffect(onCommit, onRollback func()) {
	tx.sideEffects = append(tx.sideEffects, sideEffect{onCommit, onRollback})
}

// FireCommit runs registered on_commit side effects in registration order.
func (tx *Tx) FireCommit() {
	for _, se := range tx.sideEffects {
		if se.onCommit != nil {
			se.onCommit()
		}
	}
}

// FireRollback runs registered on_rollback side effects in registration
// order.
func (tx *Tx) FireRollback() {
	for _, se := range tx.sideEffects {
		if se.onRollback != nil {
			se.onRollback()
		}
	}
}

// Reset clears transaction state so the Tx value can be reused for a
// retry under a fresh start stamp, avoiding an allocation per attempt.
func (tx *Tx) Reset(start Stamp) {
	tx.startStamp = start
	tx.enlisted = make(map[Enlistable]struct{})
	tx.enlistedOrder = nil
	tx.commutes = nil
	tx.commuteTime = -1
	tx.blockCommute = false
	tx.blockEnlist = nil
	tx.sideEffects = nil
	tx.done = false
}

// Done reports whether Commit/Rollback already ran for this Tx.
func (tx *Tx) Done() bool { return tx.done }

// MarkDone is called by the Manager once the transaction is closed.
func (tx *Tx) MarkDone() { tx.done = true }
