package txn

import (
	"context"
	"sync"
	"sync/atomic"
)

// CommitResult carries what pkg/runtime needs after a successful commit:
// the stamp it committed at and the trigger set to hand to the reactive
// subscriber (phase 2, "notify the conditional subscriber with the
// trigger set").
type CommitResult struct {
	Stamp      Stamp
	TriggerSet []Enlistable
}

// Manager is the process-wide Transaction Manager: stamp
// allocation, the active-transaction set, two-phase commit under a
// single stamp lock, and the retired-version queue reclamation drains
// from. It holds no reference to pkg/reactive or pkg/cell; pkg/runtime
// wires those in around it.
type Manager struct {
	lastStamp atomic.Uint64

	active  *activeStarts
	retired *retiredQueue

	stampLock sync.Mutex
}

// NewManager creates a Manager with last_stamp starting at 0, matching a
// freshly created cell's initial version.
func NewManager() *Manager {
	return &Manager{
		active:  newActiveStarts(),
		retired: newRetiredQueue(),
	}
}

// Begin allocates a start stamp and registers it as live ("Start").
// Nesting is the caller's responsibility: pkg/runtime.RunTransaction
// checks txn.InTransaction(ctx) first and skips calling Begin again for
// a nested call, joining the enclosing transaction instead.
func (m *Manager) Begin() *Tx {
	start := Stamp(m.lastStamp.Load())
	m.active.add(start)
	return New(start)
}

// Abandon removes tx's start stamp from the active set without
// committing — used after a no-retry rollback or an unhandled error.
func (m *Manager) Abandon(tx *Tx) {
	m.active.remove(tx.StartStamp())
	tx.MarkDone()
}

// RollbackAll rolls back every cell tx enlisted, in enlist order, and
// removes it from the active set.
func (m *Manager) RollbackAll(tx *Tx) {
	for _, c := range tx.Enlisted() {
		c.Rollback(tx)
	}
	m.Abandon(tx)
}

type ackedCell struct {
	cell  Enlistable
	owner *Tx
}

func overlaps(a, b []Enlistable) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[Enlistable]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

// runCommutePhase re-reads last_stamp as a fresh commute-phase start stamp and
// runs every live commute's Perform closure into an isolated Tx with
// block_commute = true, each scoped (via Tx.RunCommute) to touch only
// its own affecting cell. On a retryable error from within a commute,
// already-enlisted commute cells are rolled back and the caller is told
// to retry this phase alone, under a newer stamp — the Commute values
// themselves are left untouched (still state Ok) so the retry replays
// the identical set.
func (m *Manager) runCommutePhase(ctx context.Context, live []*Commute) (*Tx, error) {
	start := Stamp(m.lastStamp.Load())
	commuteTx := New(start)
	commuteTx.blockCommute = true
	cctx := NewContext(ctx, commuteTx)

	for _, cm := range live {
		if err := commuteTx.RunCommute(cctx, cm); err != nil {
			for _, c := range commuteTx.Enlisted() {
				c.Rollback(commuteTx)
			}
			return nil, err
		}
	}
	return commuteTx, nil
}

// Commit drives tx through phase 1 (preflight) and phase 2
// (apply). It loops internally to retry only the commute phase on a
// retryable failure there; a failure in the outer phase-1 check instead
// returns a retryable error so pkg/runtime re-executes the whole
// transaction body under a fresh start stamp.
func (m *Manager) Commit(ctx context.Context, tx *Tx) (CommitResult, error) {
	outer := tx.Enlisted()

	for {
		live := tx.LiveCommutes()

		// phase 1 step 1: a transaction with no live commutes and no
		// writes needs no stamp at all — every cell's commit() is a no-op.
		if len(live) == 0 && !anyChanged(outer, tx) {
			acked := make([]ackedCell, 0, len(outer))
			for _, c := range outer {
				acked = append(acked, ackedCell{c, tx})
			}
			return m.applyCommit(tx, nil, Stamp(tx.StartStamp()), acked), nil
		}

		var commuteTx *Tx
		var commuteCells []Enlistable
		if len(live) > 0 {
			var err error
			commuteTx, err = m.runCommutePhase(ctx, live)
			if err != nil {
				if Retryable(err) {
					continue
				}
				m.RollbackAll(tx)
				return CommitResult{}, err
			}
			commuteCells = commuteTx.Enlisted()

			if overlaps(outer, commuteCells) {
				for _, c := range commuteCells {
					c.Rollback(commuteTx)
				}
				m.RollbackAll(tx)
				return CommitResult{}, ErrInvalidCommute
			}
		}

		result, retryCommutesOnly, err := m.tryAcquireAndApply(tx, commuteTx, outer, commuteCells)
		if err != nil {
			if retryCommutesOnly {
				continue
			}
			m.RollbackAll(tx)
			return CommitResult{}, err
		}
		return result, nil
	}
}

func anyChanged(cells []Enlistable, tx *Tx) bool {
	for _, c := range cells {
		if c.HasChanges(tx) {
			return true
		}
	}
	return false
}

// tryAcquireAndApply runs the rest of phase 1 plus phase 2 in one call:
// acquire stampLock, propose a stamp, CanCommit the commute set then the
// outer set, release the lock, and — only on success — apply commit to
// everything acked. The bool return tells Commit whether a failure
// should retry only the commute phase (true) or the whole transaction
// (false).
func (m *Manager) tryAcquireAndApply(tx, commuteTx *Tx, outer, commuteCells []Enlistable) (CommitResult, bool, error) {
	m.stampLock.Lock()

	proposed := Stamp(m.lastStamp.Load()) + 1
	var acked []ackedCell

	for _, c := range commuteCells {
		if !c.CanCommit(commuteTx, proposed) {
			m.rollbackAcked(acked)
			m.stampLock.Unlock()
			return CommitResult{}, true, ErrRetry
		}
		acked = append(acked, ackedCell{c, commuteTx})
	}

	for _, c := range outer {
		if !c.CanCommit(tx, proposed) {
			m.rollbackAcked(acked)
			m.stampLock.Unlock()
			return CommitResult{}, false, ErrRetry
		}
		acked = append(acked, ackedCell{c, tx})
	}

	m.lastStamp.Store(uint64(proposed))
	m.stampLock.Unlock()

	return m.applyCommit(tx, commuteTx, proposed, acked), false, nil
}

// applyCommit is phase 2: commit every acked cell, compute the
// trigger set (HasChanges must be read before Commit, which pops the
// pending value and would make HasChanges false afterward), retire the
// version, close the transaction and fire its on_commit side effects.
func (m *Manager) applyCommit(tx, commuteTx *Tx, proposed Stamp, acked []ackedCell) CommitResult {
	var trigger []Enlistable
	for _, a := range acked {
		if a.cell.HasChanges(a.owner) {
			trigger = append(trigger, a.cell)
		}
	}
	for _, a := range acked {
		a.cell.Commit(a.owner)
	}

	m.retired.push(proposed, trigger)
	m.active.remove(tx.StartStamp())
	tx.MarkDone()
	if commuteTx != nil {
		commuteTx.MarkDone()
	}
	tx.FireCommit()

	return CommitResult{Stamp: proposed, TriggerSet: trigger}
}

func (m *Manager) rollbackAcked(acked []ackedCell) {
	for _, a := range acked {
		a.cell.Rollback(a.owner)
	}
}

// Reclaim implements the reclamation clock: compute threshold =
// min(active_starts) or last_stamp if nothing is live, drain every
// retired entry strictly below it, and trim each touched cell once.
func (m *Manager) Reclaim() (threshold Stamp, trimmed int) {
	threshold, ok := m.active.min()
	if !ok {
		threshold = Stamp(m.lastStamp.Load())
	}
	cells := m.retired.drainBelow(threshold)
	for _, c := range cells {
		c.Trim(threshold)
	}
	return threshold, len(cells)
}

// LastStamp returns the most recently committed stamp, for diagnostics.
func (m *Manager) LastStamp() Stamp { return Stamp(m.lastStamp.Load()) }

// PendingRetired returns the number of not-yet-drained retired entries,
// for diagnostics.
func (m *Manager) PendingRetired() int { return m.retired.len() }

// ActiveCount returns the number of currently live transactions, for
// diagnostics.
func (m *Manager) ActiveCount() int { return m.active.count() }
