package txn

import "errors"

// Sentinel errors classify failures the way the manager's retry loop needs:
// retry-class errors are caught and re-driven, everything else propagates.
var (
	// ErrWriteCollision is raised by Cell.Write when the head version has
	// already moved past the transaction's start stamp.
	ErrWriteCollision = errors.New("stm: write collision")

	// ErrWritableReadCollision is raised by Cell.ReadOld when the cell was
	// written earlier in this transaction but the head has since advanced
	// past the start stamp.
	ErrWritableReadCollision = errors.New("stm: writable read collision")

	// ErrInvalidCommute means commute enlistments overlapped the outer
	// enlistment set at commit time — a programmer contract violation.
	ErrInvalidCommute = errors.New("stm: commute enlistments overlap outer transaction")

	// ErrForbiddenEnlist means a strict commute touched a cell other than
	// its own affecting cell.
	ErrForbiddenEnlist = errors.New("stm: enlist forbidden during strict commute")

	// ErrEmptyConditionalReadSet means a conditional's test touched no cells.
	ErrEmptyConditionalReadSet = errors.New("stm: conditional test enlisted no cells")

	// ErrOutOfTransaction means a mutating operation ran with no active
	// transaction in context.
	ErrOutOfTransaction = errors.New("stm: no active transaction")

	// ErrTxDone means Commit or Rollback was already called on this Tx.
	ErrTxDone = errors.New("stm: transaction already finished")

	// ErrRetry is returned by Rollback(true) and by the commit pipeline to
	// signal the whole body must be re-executed under a fresh start stamp.
	ErrRetry = errors.New("stm: explicit rollback requesting retry")

	// ErrAbort is returned by Rollback(false): terminate, do not commit,
	// do not retry.
	ErrAbort = errors.New("stm: explicit rollback, no retry")
)

// Retryable reports whether err belongs to the class of errors the
// RunTransaction loop must swallow and retry rather than surface to the
// caller: WriteCollision, WritableReadCollision and explicit retry requests.
func Retryable(err error) bool {
	return errors.Is(err, ErrWriteCollision) ||
		errors.Is(err, ErrWritableReadCollision) ||
		errors.Is(err, ErrRetry)
}
