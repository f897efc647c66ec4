package txn

import (
	"context"
	"fmt"
)

// CommuteState is the lifecycle of a deferred commute (Transaction
// Context, commutes field).
type CommuteState uint8

const (
	CommuteOk CommuteState = iota
	CommuteBroken
	CommuteExecuted
)

// Commute is a deferred, conflict-free modification registered by
// Cell.Commute. Perform is supplied by the cell package; it closes over
// the cell and the user's update function but takes ctx at call time
// rather than closing over it, since the same Commute value is run once
// (at most) inside the original transaction if it degenerates, and
// otherwise again inside the manager's isolated commute-phase
// transaction — a different *Tx each time. Affecting is always a
// single cell the commute was registered against.
type Commute struct {
	Perform   func(ctx context.Context) error
	Affecting Enlistable
	State     CommuteState
}

func errForbiddenEnlist(cell Enlistable) error {
	return fmt.Errorf("%w: owner=%v", ErrForbiddenEnlist, cell.Owner())
}

// AddCommute registers a deferred commute. Called by Cell.Commute only
// when degeneration is not required (cell not yet enlisted, commutes not
// blocked).
func (tx *Tx) AddCommute(affecting Enlistable, perform func(ctx context.Context) error) {
	tx.commutes = append(tx.commutes, &Commute{
		Perform:   perform,
		Affecting: affecting,
		State:     CommuteOk,
	})
}

// degenerate implements the commute-degeneration protocol, run whenever
// a cell is enlisted for the first time in this transaction:
//  1. mark every Ok commute affecting this cell as Broken;
//  2. execute the newly broken ones that precede the current commute
//     index (or all of them, if we are not currently inside a commute);
//  3. block further deferred commutes while those closures run, so any
//     commute issued from inside a degenerating commute also degenerates.
func (tx *Tx) degenerate(ctx context.Context, cell Enlistable) error {
	insideCommute := tx.commuteTime >= 0
	limit := tx.commuteTime

	var broken []int
	for i, cm := range tx.commutes {
		if cm.State == CommuteOk && cm.Affecting == cell {
			cm.State = CommuteBroken
			broken = append(broken, i)
		}
	}
	if len(broken) == 0 {
		return nil
	}

	savedBlock := tx.blockCommute
	savedEnlist := tx.blockEnlist
	tx.blockCommute = true
	defer func() {
		tx.blockCommute = savedBlock
		tx.blockEnlist = savedEnlist
	}()

	for _, i := range broken {
		if insideCommute && i >= limit {
			continue
		}
		cm := tx.commutes[i]
		savedTime := tx.commuteTime
		tx.commuteTime = i
		tx.blockEnlist = cm.Affecting
		cm.State = CommuteExecuted
		err := cm.Perform(ctx)
		tx.commuteTime = savedTime
		if err != nil {
			return err
		}
	}
	return nil
}

// LiveCommutes returns the commutes still in CommuteOk state — the ones
// not yet degenerated, which Manager.Commit executes under a fresh
// commute-phase stamp at commit time.
func (tx *Tx) LiveCommutes() []*Commute {
	var live []*Commute
	for _, cm := range tx.commutes {
		if cm.State == CommuteOk {
			live = append(live, cm)
		}
	}
	return live
}

// RunCommute executes a single commute's Perform closure with blockEnlist
// scoped to its affecting cell, without touching cm.State — the manager
// uses this to run a transaction's live commutes against a fresh,
// isolated commute-phase Tx ("runs the accumulated commutes into an
// isolated context"), and must be able to re-run the same commutes again
// untouched if that phase itself needs to retry under a newer stamp.
// ctx must carry the isolated transaction the commute phase is running.
func (tx *Tx) RunCommute(ctx context.Context, cm *Commute) error {
	savedEnlist := tx.blockEnlist
	tx.blockEnlist = cm.Affecting
	defer func() { tx.blockEnlist = savedEnlist }()
	return cm.Perform(ctx)
}
