package runtime

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is a point-in-time diagnostic dump of the Transaction
// Manager, served by `stmdemo serve`'s /debug/snapshot endpoint and
// encoded the way cobaltdb's pkg/wire encodes its protocol messages:
// msgpack first, then compressed.
type Snapshot struct {
	TakenAt            time.Time `msgpack:"taken_at"`
	LastStamp          uint64    `msgpack:"last_stamp"`
	ActiveTransactions int       `msgpack:"active_transactions"`
	PendingRetired     int       `msgpack:"pending_retired"`
}

// Snapshot captures the Runtime's current diagnostic state.
func (r *Runtime) Snapshot() Snapshot {
	return Snapshot{
		TakenAt:            time.Now(),
		LastStamp:          uint64(r.manager.LastStamp()),
		ActiveTransactions: r.manager.ActiveCount(),
		PendingRetired:     r.manager.PendingRetired(),
	}
}

// EncodeSnapshot msgpack-encodes s and compresses it with zstd, mirroring
// mnohosten-laura-db/pkg/compression's zstd.Encoder usage — a fresh
// encoder per call, since snapshots are taken at debug-request cadence,
// not a hot path.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("stmcore: marshal snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("stmcore: create zstd encoder: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), nil
}

// DecodeSnapshot reverses EncodeSnapshot, for tooling that consumes the
// /debug/snapshot endpoint's body.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stmcore: create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stmcore: decompress snapshot: %w", err)
	}

	var s Snapshot
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("stmcore: unmarshal snapshot: %w", err)
	}
	return s, nil
}
