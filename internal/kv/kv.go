// Package kv implements nimbus's FDB-style transactional key/value
// layer (spec §4.1): serializable transactions with range scans,
// atomic operations, conflict ranges and pluggable drivers.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// Isolation selects whether reads add a read-conflict range.
type Isolation int

const (
	// Serializable is the default isolation: every read adds a read
	// conflict range, so a concurrent conflicting write aborts this txn.
	Serializable Isolation = iota
	// Snapshot reads do not add a read conflict range. A later explicit
	// AddConflictRange(Read) call can still promote one read.
	Snapshot
)

// ConflictKind distinguishes read and write conflict ranges.
type ConflictKind int

const (
	ConflictRead ConflictKind = iota
	ConflictWrite
)

// AtomicOpType enumerates the supported atomic mutations.
type AtomicOpType int

const (
	OpAdd AtomicOpType = iota
	OpMin
	OpMax
	OpBitAnd
	OpBitOr
	OpBitXor
	OpAppend
	OpSetVersionstampedKey
	OpSetVersionstampedValue
	OpCompareAndClear
)

// KeyValue is one row of a range result.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// KeySelector resolves to the key satisfying (key {>,>=,<,<=} Key)
// depending on OrEqual/Offset, matching FDB's four canonical selectors.
type KeySelector struct {
	Key     []byte
	OrEqual bool
	Offset  int // 1 for FirstGreaterThan, -1 for LastLessOrEqual, 0 for the other two
}

// FirstGreaterOrEqual builds the selector for the first key >= k.
func FirstGreaterOrEqual(k []byte) KeySelector { return KeySelector{Key: k, OrEqual: true, Offset: 0} }

// FirstGreaterThan builds the selector for the first key > k.
func FirstGreaterThan(k []byte) KeySelector { return KeySelector{Key: k, OrEqual: false, Offset: 1} }

// LastLessThan builds the selector for the last key < k.
func LastLessThan(k []byte) KeySelector { return KeySelector{Key: k, OrEqual: false, Offset: 0} }

// LastLessOrEqual builds the selector for the last key <= k.
func LastLessOrEqual(k []byte) KeySelector { return KeySelector{Key: k, OrEqual: true, Offset: -1} }

// ConflictRange is a [Begin, End) byte range plus whether it guards
// reads or writes.
type ConflictRange struct {
	Begin, End []byte
	Kind       ConflictKind
}

// Write is one committed mutation: a plain set, a clear, a clear
// range, or a resolved atomic op (resolved against the driver's
// pre-commit value by the driver itself, since only it knows the
// latest committed value at commit time).
type Write struct {
	Kind  WriteKind
	Key   []byte
	End   []byte // for WriteClearRange
	Value []byte
	Op    AtomicOpType // for WriteAtomic
}

// WriteKind enumerates the shapes a buffered write can take.
type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteClear
	WriteClearRange
	WriteAtomic
)

// Snapshot is a read-only, point-in-time view a driver hands out at
// the start of a transaction.
type Snapshot interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	GetRange(ctx context.Context, begin, end []byte, limit int, reverse bool) ([]KeyValue, error)
	GetEstimatedRangeSizeBytes(ctx context.Context, begin, end []byte) (int64, error)
	ReadVersion() int64
}

// Driver is the pluggable backend: an in-memory/rocksdb-style store,
// an embedded bbolt store, or a Postgres-backed store (spec §4.1/§9).
type Driver interface {
	// NewSnapshot opens a new read snapshot at the driver's current
	// commit version.
	NewSnapshot(ctx context.Context) (Snapshot, error)
	// Commit attempts to apply writes atomically, conflict-checking
	// conflicts against every transaction committed since readVersion.
	// Returns the new commit version on success.
	Commit(ctx context.Context, readVersion int64, writes []Write, conflicts []ConflictRange) (int64, error)
	Close() error
}

// Error kinds, per spec §4.1 "run" retry semantics.
var (
	// ErrNotCommitted is a write-write or read-write conflict. Retryable.
	ErrNotCommitted = errors.New("kv: not_committed: conflicting transaction committed first")
	// ErrTransactionTooOld means the transaction exceeded its timeout
	// before committing. Retryable.
	ErrTransactionTooOld = errors.New("kv: transaction_too_old: timed out")
	// ErrKeyTooLarge is returned when a caller writes an oversized key.
	ErrKeyTooLarge = errors.New("kv: key exceeds maximum size")
	// ErrValueTooLarge is returned when a caller writes an oversized value.
	ErrValueTooLarge = errors.New("kv: value exceeds maximum size")
)

// IsRetryable reports whether err should trigger Run's retry loop.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotCommitted) || errors.Is(err, ErrTransactionTooOld)
}

// KeyLimit and ValueLimit mirror FDB's practical single-key/value caps;
// nimbus's domain-level callers (actorkv) impose their own, tighter
// limits on top of these.
const (
	KeyLimit   = 10_000
	ValueLimit = 100_000
)

func checkKeySize(k []byte) error {
	if len(k) > KeyLimit {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(k))
	}
	return nil
}

func checkValueSize(v []byte) error {
	if len(v) > ValueLimit {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(v))
	}
	return nil
}
