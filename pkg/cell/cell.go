// Package cell implements stmcore's Cell: a generic, versioned
// container holding a single value, enlisted into whatever transaction
// touches it first and driven through commit/rollback/trim by
// pkg/runtime via the txn.Enlistable capability interface.
package cell

import (
	"context"
	goruntime "runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cobaltdb/stmcore/pkg/txn"
)

// WaitStrategy selects how a reader blocks on a contended write stamp
// (Config: "a single build-time toggle selects between spin-wait and
// park/notify"). Here it is a per-cell construction option rather than a
// build tag, which keeps it testable without separate build artifacts.
type WaitStrategy uint8

const (
	// Park blocks the goroutine on a condition variable until the write
	// stamp clears or advances past the reader's start stamp.
	Park WaitStrategy = iota
	// Spin busy-loops with a runtime.Gosched yield between checks.
	Spin
)

// record is one immutable version in a cell's history chain. older
// is an atomic pointer because Trim detaches it from a background
// reclamation goroutine while readers may be mid-walk on another
// goroutine; every other field is write-once.
type record[T any] struct {
	version txn.Stamp
	value   T
	older   atomic.Pointer[record[T]]
}

// writeStampSlot is the cell-level lock held between phase 1 (claim) and
// phase 2 (commit/rollback apply) of two-phase commit ("write stamp").
// The proposed stamp is always known once set: txn.Manager allocates it
// under the global stamp lock before offering it to any cell's
// CanCommit, so there is no separate "pending, stamp unknown" substate
// to model here.
type writeStampSlot struct {
	proposed txn.Stamp
	owner    *txn.Tx
}

// Cell is a generic, transactionally-managed location (Cell<T>).
type Cell[T any] struct {
	owner uuid.UUID

	head atomic.Pointer[record[T]]

	wsMu   sync.Mutex
	wsCond *sync.Cond
	ws     *writeStampSlot

	pendingMu sync.Mutex
	pending   map[*txn.Tx]T

	trimMu sync.Mutex

	waitStrategy WaitStrategy
}

// Option configures a Cell at construction.
type Option func(*cellConfig)

type cellConfig struct {
	owner        uuid.UUID
	waitStrategy WaitStrategy
}

// WithOwner tags the cell with an opaque identity, letting higher layers
// group cells belonging to the same logical object.
func WithOwner(id uuid.UUID) Option {
	return func(c *cellConfig) { c.owner = id }
}

// WithWaitStrategy overrides the default park/notify contention behavior.
func WithWaitStrategy(ws WaitStrategy) Option {
	return func(c *cellConfig) { c.waitStrategy = ws }
}

// New creates a cell holding value at version 0 (Lifecycle).
func New[T any](value T, opts ...Option) *Cell[T] {
	cfg := cellConfig{owner: uuid.New(), waitStrategy: Park}
	for _, o := range opts {
		o(&cfg)
	}
	c := &Cell[T]{
		owner:        cfg.owner,
		pending:      make(map[*txn.Tx]T),
		waitStrategy: cfg.waitStrategy,
	}
	c.wsCond = sync.NewCond(&c.wsMu)
	c.head.Store(&record[T]{version: 0, value: value})
	return c
}

// Owner returns the cell's opaque grouping identity.
func (c *Cell[T]) Owner() string { return c.owner.String() }

// OwnerID returns the cell's opaque grouping identity as a uuid.UUID.
func (c *Cell[T]) OwnerID() uuid.UUID { return c.owner }

func (c *Cell[T]) headValue() T {
	return c.head.Load().value
}

// snapshotAt walks the version chain from head until it finds the
// newest record with version <= at ("Snapshot selection").
func (c *Cell[T]) snapshotAt(at txn.Stamp) T {
	r := c.head.Load()
	for r != nil {
		if r.version <= at {
			return r.value
		}
		r = r.older.Load()
	}
	var zero T
	return zero
}

// touch enlists the cell with tx and, on first touch, waits out any
// writer whose write stamp could hide a commit this snapshot must see
// ("On first touch in a transaction").
func (c *Cell[T]) touch(ctx context.Context, tx *txn.Tx) error {
	isNew, err := tx.Enlist(ctx, c)
	if err != nil {
		return err
	}
	if isNew {
		c.awaitWriterRelease(tx.StartStamp())
	}
	return nil
}

func (c *Cell[T]) writerVisibleTo(start txn.Stamp) bool {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	ws := c.ws
	if ws == nil {
		return false
	}
	return ws.proposed <= start
}

func (c *Cell[T]) awaitWriterRelease(start txn.Stamp) {
	if c.waitStrategy == Spin {
		for c.writerVisibleTo(start) {
			goruntime.Gosched()
		}
		return
	}
	c.wsMu.Lock()
	for c.ws != nil && c.ws.proposed <= start {
		c.wsCond.Wait()
	}
	c.wsMu.Unlock()
}

func (c *Cell[T]) getPending(tx *txn.Tx) (T, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	v, ok := c.pending[tx]
	return v, ok
}

func (c *Cell[T]) setPending(tx *txn.Tx, v T) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[tx] = v
}

func (c *Cell[T]) popPending(tx *txn.Tx) (T, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	v, ok := c.pending[tx]
	if ok {
		delete(c.pending, tx)
	}
	return v, ok
}

// Read returns the value visible to the ambient transaction's snapshot,
// or the current head value out of transaction (read). Pending
// writes made earlier in the same transaction are returned first
// (read-your-own-writes).
func (c *Cell[T]) Read(ctx context.Context) (T, error) {
	tx, ok := txn.FromContext(ctx)
	if !ok {
		return c.headValue(), nil
	}
	if err := c.touch(ctx, tx); err != nil {
		var zero T
		return zero, err
	}
	if v, has := c.getPending(tx); has {
		return v, nil
	}
	return c.snapshotAt(tx.StartStamp()), nil
}

// ReadOld returns the snapshot value as of the transaction's start stamp,
// ignoring any pending write made earlier in this same transaction
// (read_old). If this transaction already wrote the cell and the
// head has since advanced past the start stamp, it fails with
// ErrWritableReadCollision rather than silently returning a stale value.
func (c *Cell[T]) ReadOld(ctx context.Context) (T, error) {
	tx, err := txn.AssertInTransaction(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := c.touch(ctx, tx); err != nil {
		var zero T
		return zero, err
	}
	if _, has := c.getPending(tx); has {
		if c.head.Load().version > tx.StartStamp() {
			var zero T
			return zero, txn.ErrWritableReadCollision
		}
	}
	return c.snapshotAt(tx.StartStamp()), nil
}

// Write stores a tentative new value in the transaction's pending slot
// (write). It fails immediately with ErrWriteCollision if the head
// has already advanced past the transaction's start stamp.
func (c *Cell[T]) Write(ctx context.Context, v T) error {
	tx, err := txn.AssertInTransaction(ctx)
	if err != nil {
		return err
	}
	if err := c.touch(ctx, tx); err != nil {
		return err
	}
	if c.head.Load().version > tx.StartStamp() {
		return txn.ErrWriteCollision
	}
	c.setPending(tx, v)
	return nil
}

// Modify reads the current in-transaction value (pending, or the
// snapshot) and writes back f applied to it (modify(f)).
func (c *Cell[T]) Modify(ctx context.Context, f func(T) T) error {
	cur, err := c.Read(ctx)
	if err != nil {
		return err
	}
	return c.Write(ctx, f(cur))
}

// Commute defers f until commit time, registering this cell as the sole
// affecting cell (commute(f)). It degenerates into an immediate
// Modify if commutes are currently blocked or the cell was already
// enlisted in this transaction.
func (c *Cell[T]) Commute(ctx context.Context, f func(T) T) error {
	tx, err := txn.AssertInTransaction(ctx)
	if err != nil {
		return err
	}
	if tx.BlockCommute() || tx.IsEnlisted(c) {
		return c.Modify(ctx, f)
	}
	tx.AddCommute(c, func(ctx context.Context) error {
		return c.Modify(ctx, f)
	})
	return nil
}

// CanCommit implements txn.Enlistable: it claims the write stamp for
// proposed if nothing else holds the cell and the head version is still
// visible to the transaction's start stamp (two-phase commit hooks).
func (c *Cell[T]) CanCommit(tx *txn.Tx, proposed txn.Stamp) bool {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		return false
	}
	if c.head.Load().version > tx.StartStamp() {
		return false
	}
	if _, has := c.getPending(tx); has {
		c.ws = &writeStampSlot{proposed: proposed, owner: tx}
	}
	return true
}

// Commit implements txn.Enlistable: it links the pending value as the
// new head version, if any, and releases the write stamp.
func (c *Cell[T]) Commit(tx *txn.Tx) {
	v, has := c.popPending(tx)
	c.wsMu.Lock()
	defer func() {
		c.wsMu.Unlock()
	}()
	if has {
		proposed := c.ws.proposed
		nr := &record[T]{version: proposed, value: v}
		nr.older.Store(c.head.Load())
		c.head.Store(nr)
	}
	if c.ws != nil && c.ws.owner == tx {
		c.ws = nil
		c.wsCond.Broadcast()
	}
}

// Rollback implements txn.Enlistable: it discards any pending value and
// releases the write stamp if this transaction held it.
func (c *Cell[T]) Rollback(tx *txn.Tx) {
	c.popPending(tx)
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil && c.ws.owner == tx {
		c.ws = nil
		c.wsCond.Broadcast()
	}
}

// HasChanges implements txn.Enlistable.
func (c *Cell[T]) HasChanges(tx *txn.Tx) bool {
	_, has := c.getPending(tx)
	return has
}

// Trim implements txn.Enlistable: it keeps the newest record with
// version <= belowStamp and detaches every record older than that one,
// letting the garbage collector free them (trim).
func (c *Cell[T]) Trim(belowStamp txn.Stamp) {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()
	r := c.head.Load()
	for r != nil {
		if r.version <= belowStamp {
			r.older.Store(nil)
			return
		}
		r = r.older.Load()
	}
}

// VersionCount walks the chain and counts live records — used by tests
// and diagnostics to confirm reclamation is working, mirroring
// mvcc.MVCCMap.VersionCount.
func (c *Cell[T]) VersionCount() int {
	n := 0
	r := c.head.Load()
	for r != nil {
		n++
		r = r.older.Load()
	}
	return n
}
