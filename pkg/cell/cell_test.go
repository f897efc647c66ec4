package cell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobaltdb/stmcore/pkg/txn"
)

func TestReadOutOfTransactionReturnsHeadValue(t *testing.T) {
	c := New(42)
	v, err := c.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestWriteRequiresTransaction(t *testing.T) {
	c := New(0)
	err := c.Write(context.Background(), 1)
	require.ErrorIs(t, err, txn.ErrOutOfTransaction)
}

func TestReadYourOwnWrite(t *testing.T) {
	c := New(10)
	tx := txn.New(0)
	ctx := txn.NewContext(context.Background(), tx)

	require.NoError(t, c.Write(ctx, 20))
	v, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, 20, v)
}

func TestWriteCollisionWhenHeadAdvancedPastStartStamp(t *testing.T) {
	c := New(0)

	writer := txn.New(0)
	wctx := txn.NewContext(context.Background(), writer)
	require.NoError(t, c.Write(wctx, 1))
	require.True(t, c.CanCommit(writer, 1))
	c.Commit(writer)

	stale := txn.New(0)
	sctx := txn.NewContext(context.Background(), stale)
	err := c.Write(sctx, 2)
	require.ErrorIs(t, err, txn.ErrWriteCollision)
}

func TestSnapshotIsolationReadsVersionAtStartStamp(t *testing.T) {
	c := New(0)

	w1 := txn.New(0)
	c.Write(txn.NewContext(context.Background(), w1), 1)
	require.True(t, c.CanCommit(w1, 1))
	c.Commit(w1)

	reader := txn.New(1) // snapshot at stamp 1, before the next write
	rctx := txn.NewContext(context.Background(), reader)

	w2 := txn.New(1)
	c.Write(txn.NewContext(context.Background(), w2), 2)
	require.True(t, c.CanCommit(w2, 2))
	c.Commit(w2)

	v, err := c.Read(rctx)
	require.NoError(t, err)
	require.Equal(t, 1, v, "a transaction started before the second commit must not see it")
}

func TestReadOldRejectsStaleWritableRead(t *testing.T) {
	c := New(0)

	tx := txn.New(0)
	ctx := txn.NewContext(context.Background(), tx)
	require.NoError(t, c.Write(ctx, 1))

	other := txn.New(0)
	c.Write(txn.NewContext(context.Background(), other), 99)
	require.True(t, c.CanCommit(other, 1))
	c.Commit(other)

	_, err := c.ReadOld(ctx)
	require.ErrorIs(t, err, txn.ErrWritableReadCollision)
}

func TestModifyAppliesFunctionToCurrentValue(t *testing.T) {
	c := New(5)
	tx := txn.New(0)
	ctx := txn.NewContext(context.Background(), tx)

	require.NoError(t, c.Modify(ctx, func(v int) int { return v + 1 }))
	v, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, v)
}

func TestCommuteDegeneratesOnSubsequentReadInSameTransaction(t *testing.T) {
	c := New(0)
	tx := txn.New(0)
	ctx := txn.NewContext(context.Background(), tx)

	require.NoError(t, c.Commute(ctx, func(v int) int { return v + 1 }))
	v, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v, "commute must degenerate into an immediate modify once the cell is read")
	require.Empty(t, tx.LiveCommutes())
}

func TestCommuteStaysDeferredUntilCommit(t *testing.T) {
	c := New(0)
	tx := txn.New(0)
	ctx := txn.NewContext(context.Background(), tx)

	require.NoError(t, c.Commute(ctx, func(v int) int { return v + 1 }))
	require.Len(t, tx.LiveCommutes(), 1)
	require.False(t, c.HasChanges(tx), "a live, undegenerated commute has not written pending state yet")
}

func TestTrimDetachesHistoryAtOrBelowThreshold(t *testing.T) {
	c := New(0)
	for i := 1; i <= 3; i++ {
		w := txn.New(txn.Stamp(i - 1))
		c.Write(txn.NewContext(context.Background(), w), i)
		require.True(t, c.CanCommit(w, txn.Stamp(i)))
		c.Commit(w)
	}
	require.Equal(t, 4, c.VersionCount()) // initial + 3 writes

	c.Trim(2)
	require.Equal(t, 2, c.VersionCount(), "only the record at version 2 and the newer one should remain reachable")
}

func TestRollbackDiscardsPendingAndReleasesWriteStamp(t *testing.T) {
	c := New(0)
	tx := txn.New(0)
	ctx := txn.NewContext(context.Background(), tx)
	require.NoError(t, c.Write(ctx, 5))
	require.True(t, c.CanCommit(tx, 1))

	c.Rollback(tx)

	other := txn.New(0)
	octx := txn.NewContext(context.Background(), other)
	v, err := c.Read(octx)
	require.NoError(t, err)
	require.Equal(t, 0, v, "a rolled-back write must not be visible")
}
