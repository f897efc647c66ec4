package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCell is a minimal Enlistable used to exercise Tx/Manager behavior
// without depending on pkg/cell (which itself depends on pkg/txn).
type fakeCell struct {
	name          string
	writeStamp    Stamp
	hasWriteStamp bool
	canCommit     bool
	committed     []*Tx
	rolledBack    []*Tx
	changed       map[*Tx]bool
	trimmedAt     Stamp
}

func newFakeCell(name string) *fakeCell {
	return &fakeCell{name: name, canCommit: true, changed: make(map[*Tx]bool)}
}

func (c *fakeCell) CanCommit(tx *Tx, proposed Stamp) bool {
	if !c.canCommit {
		return false
	}
	c.writeStamp = proposed
	c.hasWriteStamp = true
	return true
}

func (c *fakeCell) Commit(tx *Tx) {
	c.committed = append(c.committed, tx)
	c.hasWriteStamp = false
}

func (c *fakeCell) Rollback(tx *Tx) {
	c.rolledBack = append(c.rolledBack, tx)
	c.hasWriteStamp = false
}

func (c *fakeCell) Trim(below Stamp) { c.trimmedAt = below }

func (c *fakeCell) HasChanges(tx *Tx) bool { return c.changed[tx] }

func (c *fakeCell) Owner() string { return c.name }

func TestManagerBeginAllocatesAndTracksStartStamp(t *testing.T) {
	mgr := NewManager()

	tx := mgr.Begin()
	require.NotNil(t, tx)
	require.Equal(t, Stamp(0), tx.StartStamp())

	threshold, _ := mgr.Reclaim()
	require.Equal(t, Stamp(0), threshold, "the only live transaction's start stamp is the reclamation floor")
}

func TestManagerCommitNoWritesIsTrivial(t *testing.T) {
	mgr := NewManager()
	tx := mgr.Begin()
	ctx := NewContext(context.Background(), tx)

	c := newFakeCell("a")
	_, err := tx.Enlist(ctx, c)
	require.NoError(t, err)

	result, err := mgr.Commit(ctx, tx)
	require.NoError(t, err)
	require.Empty(t, result.TriggerSet)
	require.Len(t, c.committed, 1)
	require.True(t, tx.Done())
}

func TestManagerCommitWithWritesAdvancesStamp(t *testing.T) {
	mgr := NewManager()
	tx := mgr.Begin()
	ctx := NewContext(context.Background(), tx)

	c := newFakeCell("a")
	_, err := tx.Enlist(ctx, c)
	require.NoError(t, err)
	c.changed[tx] = true

	result, err := mgr.Commit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, []Enlistable{c}, result.TriggerSet)
	require.Equal(t, Stamp(1), mgr.LastStamp())
}

func TestManagerCommitRetriesWholeTransactionOnOuterConflict(t *testing.T) {
	mgr := NewManager()
	tx := mgr.Begin()
	ctx := NewContext(context.Background(), tx)

	c := newFakeCell("a")
	c.canCommit = false
	_, err := tx.Enlist(ctx, c)
	require.NoError(t, err)
	c.changed[tx] = true // a written cell forces the full can_commit path

	_, err = mgr.Commit(ctx, tx)
	require.ErrorIs(t, err, ErrRetry)
	require.Len(t, c.rolledBack, 1, "RollbackAll must clean up the abandoned transaction's pending state")
}

func TestManagerReclaimDrainsBelowThreshold(t *testing.T) {
	mgr := NewManager()
	tx := mgr.Begin()
	ctx := NewContext(context.Background(), tx)

	c := newFakeCell("a")
	_, err := tx.Enlist(ctx, c)
	require.NoError(t, err)
	c.changed[tx] = true

	_, err = mgr.Commit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, 1, mgr.PendingRetired())

	// A second writing commit moves last_stamp to 2, so the entry retired
	// at version 1 lies strictly below the threshold and the one retired
	// at version 2 does not.
	tx2 := mgr.Begin()
	ctx2 := NewContext(context.Background(), tx2)
	d := newFakeCell("d")
	_, err = tx2.Enlist(ctx2, d)
	require.NoError(t, err)
	d.changed[tx2] = true

	_, err = mgr.Commit(ctx2, tx2)
	require.NoError(t, err)
	require.Equal(t, 2, mgr.PendingRetired())

	threshold, trimmed := mgr.Reclaim()
	require.Equal(t, Stamp(2), threshold, "no live transactions left, so threshold falls back to last_stamp")
	require.Equal(t, 1, trimmed)
	require.Equal(t, Stamp(2), c.trimmedAt)
	require.Equal(t, 1, mgr.PendingRetired(), "the entry retired at version 2 is not below the threshold and stays queued")
}

func TestTxEnlistDegeneratesLiveCommutesOnConflictingTouch(t *testing.T) {
	tx := New(0)
	ctx := NewContext(context.Background(), tx)
	c := newFakeCell("a")

	var ran bool
	tx.AddCommute(c, func(ctx context.Context) error {
		ran = true
		return nil
	})

	_, err := tx.Enlist(ctx, c)
	require.NoError(t, err)
	require.True(t, ran, "enlisting the affecting cell must degenerate the live commute immediately")
	require.Empty(t, tx.LiveCommutes())
}

func TestTxEnlistForbidsOtherCellsDuringStrictCommute(t *testing.T) {
	tx := New(0)
	ctx := NewContext(context.Background(), tx)
	a := newFakeCell("a")
	b := newFakeCell("b")

	tx.AddCommute(a, func(ctx context.Context) error {
		_, err := tx.Enlist(ctx, b)
		return err
	})

	_, err := tx.Enlist(ctx, a)
	require.ErrorIs(t, err, ErrForbiddenEnlist)
}
