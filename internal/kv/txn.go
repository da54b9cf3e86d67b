package kv

import (
	"bytes"
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/nimbusrun/nimbus/internal/obs/log"
)

// bufferedWrite is one entry in a transaction's local write buffer,
// kept in insertion order so later writes shadow earlier ones the way
// FDB's own transaction buffer does (set after clear_range "uncancels"
// that one key, etc).
type bufferedWrite struct {
	kind  WriteKind
	key   []byte
	end   []byte
	value []byte
	op    AtomicOpType
	param []byte
}

// Transaction is the buffered, conflict-tracked handle application
// code uses. It is driver-agnostic: buffering and read-your-writes
// semantics live here, once, and each Driver only needs to implement
// NewSnapshot/Commit.
type Transaction struct {
	driver    Driver
	ctx       context.Context
	isolation Isolation
	snap      Snapshot
	buffer    []bufferedWrite
	conflicts []ConflictRange
	startTime time.Time
	cancelled bool
}

// NewTransaction opens a transaction against driver with the given
// isolation level.
func NewTransaction(ctx context.Context, driver Driver, isolation Isolation) (*Transaction, error) {
	snap, err := driver.NewSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		driver:    driver,
		ctx:       ctx,
		isolation: isolation,
		snap:      snap,
		startTime: time.Now(),
	}, nil
}

func (t *Transaction) addReadConflict(begin, end []byte) {
	if t.isolation != Serializable {
		return
	}
	t.conflicts = append(t.conflicts, ConflictRange{Begin: begin, End: end, Kind: ConflictRead})
}

// AddConflictRange manually adds a conflict range, e.g. to promote a
// single snapshot read to a serializable one.
func (t *Transaction) AddConflictRange(begin, end []byte, kind ConflictKind) {
	t.conflicts = append(t.conflicts, ConflictRange{Begin: begin, End: end, Kind: kind})
}

// bufferedGet looks up key in the local write buffer, applying set/
// clear/clear_range/atomic-op entries in order. found=false means the
// buffer has no opinion and the driver snapshot should be consulted.
func (t *Transaction) bufferedGet(key []byte) (value []byte, found, deleted bool) {
	for _, w := range t.buffer {
		switch w.kind {
		case WriteSet:
			if bytes.Equal(w.key, key) {
				value, found, deleted = w.value, true, false
			}
		case WriteClear:
			if bytes.Equal(w.key, key) {
				value, found, deleted = nil, true, true
			}
		case WriteClearRange:
			if bytes.Compare(key, w.key) >= 0 && bytes.Compare(key, w.end) < 0 {
				value, found, deleted = nil, true, true
			}
		case WriteAtomic:
			if bytes.Equal(w.key, key) {
				base := value
				if !found {
					found = true // resolved lazily below against driver value if never set
				}
				value = applyAtomic(base, w.param, w.op)
				deleted = false
			}
		}
	}
	return value, found, deleted
}

// Get returns the value for key, consulting the local buffer first and
// falling back to the driver snapshot (read-your-writes, spec §4.1).
func (t *Transaction) Get(key []byte) ([]byte, error) {
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	bufVal, found, deleted := t.bufferedGet(key)
	if found && deleted {
		return nil, nil
	}
	// An atomic op in the buffer needs a base value from the driver if
	// no prior Set covered it; bufferedGet above can't tell the two
	// apart, so re-walk precisely when the only hits were atomic ops.
	hasAtomicOnly := found && t.onlyAtomicTouched(key)
	if found && !hasAtomicOnly {
		return bufVal, nil
	}
	t.addReadConflict(key, append(append([]byte(nil), key...), 0x00))
	driverVal, err := t.snap.Get(t.ctx, key)
	if err != nil {
		return nil, err
	}
	if hasAtomicOnly {
		return t.resolveAtomics(key, driverVal), nil
	}
	return driverVal, nil
}

func (t *Transaction) onlyAtomicTouched(key []byte) bool {
	sawNonAtomic := false
	sawAtomic := false
	for _, w := range t.buffer {
		switch w.kind {
		case WriteSet, WriteClear:
			if bytes.Equal(w.key, key) {
				sawNonAtomic = true
			}
		case WriteClearRange:
			if bytes.Compare(key, w.key) >= 0 && bytes.Compare(key, w.end) < 0 {
				sawNonAtomic = true
			}
		case WriteAtomic:
			if bytes.Equal(w.key, key) {
				sawAtomic = true
			}
		}
	}
	return sawAtomic && !sawNonAtomic
}

func (t *Transaction) resolveAtomics(key, base []byte) []byte {
	val := base
	for _, w := range t.buffer {
		if w.kind == WriteAtomic && bytes.Equal(w.key, key) {
			val = applyAtomic(val, w.param, w.op)
		}
	}
	return val
}

// GetRange merges the buffered writes with the driver snapshot over
// [begin, end), de-duplicating by key (buffer wins) per spec §4.1.
func (t *Transaction) GetRange(begin, end []byte, limit int, reverse bool) ([]KeyValue, error) {
	t.addReadConflict(begin, end)
	driverRows, err := t.snap.GetRange(t.ctx, begin, end, 0, false) // unlimited; we apply limit after merge
	if err != nil {
		return nil, err
	}

	merged := map[string][]byte{}
	order := []string{}
	for _, kv := range driverRows {
		merged[string(kv.Key)] = kv.Value
		order = append(order, string(kv.Key))
	}
	for _, w := range t.buffer {
		switch w.kind {
		case WriteSet:
			if keyInRange(w.key, begin, end) {
				k := string(w.key)
				if _, ok := merged[k]; !ok {
					order = append(order, k)
				}
				merged[k] = w.value
			}
		case WriteClear:
			k := string(w.key)
			delete(merged, k)
		case WriteClearRange:
			for k := range merged {
				kb := []byte(k)
				if bytes.Compare(kb, w.key) >= 0 && bytes.Compare(kb, w.end) < 0 {
					delete(merged, k)
				}
			}
		case WriteAtomic:
			if keyInRange(w.key, begin, end) {
				k := string(w.key)
				base, existed := merged[k]
				if !existed {
					order = append(order, k)
				}
				merged[k] = applyAtomic(base, w.param, w.op)
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: []byte(k), Value: merged[k]})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// keyInRange reports whether k falls in [begin, end), treating a nil
// bound as open-ended the way sortedStore.Scan and the FDB wire
// protocol both do, so a buffered write is judged by the same rule as
// a committed one once GetRange merges the two views.
func keyInRange(k, begin, end []byte) bool {
	if begin != nil && bytes.Compare(k, begin) < 0 {
		return false
	}
	if end != nil && bytes.Compare(k, end) >= 0 {
		return false
	}
	return true
}

// GetKey resolves a KeySelector against the merged buffer+driver view,
// the same four selector shapes FDB's own get_key exposes:
// first_greater_or_equal, first_greater_than, last_less_than and
// last_less_or_equal. Only one side of the scan is ever bounded by
// sel.Key; the other is left open (nil) rather than guessed at a fixed
// window, since a guessed bound that undershoots would silently hide a
// real match instead of just costing an unnecessary scan.
func (t *Transaction) GetKey(sel KeySelector) ([]byte, error) {
	var begin, end []byte
	reverse := false
	switch {
	case sel.OrEqual && sel.Offset >= 0: // first_greater_or_equal
		begin = sel.Key
	case !sel.OrEqual && sel.Offset > 0: // first_greater_than
		begin = bytesInc(sel.Key)
	case !sel.OrEqual && sel.Offset <= 0: // last_less_than
		end = sel.Key
		reverse = true
	default: // last_less_or_equal
		end = bytesInc(sel.Key)
		reverse = true
	}
	rows, err := t.GetRange(begin, end, 1, reverse)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].Key, nil
}

// bytesInc returns the immediate successor of b in lexicographic byte
// order: b with a single 0x00 appended. Used to turn an inclusive
// upper bound into GetRange's exclusive end, and exclusive lower
// bounds into inclusive ones.
func bytesInc(b []byte) []byte {
	return append(append([]byte(nil), b...), 0x00)
}

// Set buffers a write.
func (t *Transaction) Set(key, value []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	if err := checkValueSize(value); err != nil {
		return err
	}
	t.buffer = append(t.buffer, bufferedWrite{kind: WriteSet, key: key, value: value})
	return nil
}

// Clear buffers a point delete.
func (t *Transaction) Clear(key []byte) {
	t.buffer = append(t.buffer, bufferedWrite{kind: WriteClear, key: key})
}

// ClearRange buffers a [begin, end) delete.
func (t *Transaction) ClearRange(begin, end []byte) {
	t.buffer = append(t.buffer, bufferedWrite{kind: WriteClearRange, key: begin, end: end})
}

// AtomicOp buffers a non-commutative-safe atomic mutation, applied at
// commit time against the latest durable value.
func (t *Transaction) AtomicOp(key, param []byte, op AtomicOpType) {
	t.buffer = append(t.buffer, bufferedWrite{kind: WriteAtomic, key: key, param: param, op: op})
}

// GetEstimatedRangeSizeBytes proxies to the driver snapshot; this is
// advisory only (spec §4.8: "accuracy below ~3MiB is not guaranteed").
func (t *Transaction) GetEstimatedRangeSizeBytes(begin, end []byte) (int64, error) {
	return t.snap.GetEstimatedRangeSizeBytes(t.ctx, begin, end)
}

// Reset discards buffered writes and conflict ranges but keeps the
// transaction's identity, matching FDB's reset() semantics.
func (t *Transaction) Reset() {
	t.buffer = nil
	t.conflicts = nil
	t.startTime = time.Now()
}

// Cancel marks the transaction unusable; Commit becomes a no-op error.
func (t *Transaction) Cancel() { t.cancelled = true }

// Commit hands the buffered writes to the driver in order. Atomic ops
// are passed through unresolved; each driver resolves them against its
// latest committed value at commit time (the optimistic tracker for the
// in-memory and embedded drivers, pgkv inside its own DB transaction).
func (t *Transaction) Commit() (int64, error) {
	if t.cancelled {
		return 0, errCancelled
	}
	writes := make([]Write, 0, len(t.buffer))
	for _, w := range t.buffer {
		switch w.kind {
		case WriteSet:
			writes = append(writes, Write{Kind: WriteSet, Key: w.key, Value: w.value})
		case WriteClear:
			writes = append(writes, Write{Kind: WriteClear, Key: w.key})
		case WriteClearRange:
			writes = append(writes, Write{Kind: WriteClearRange, Key: w.key, End: w.end})
		case WriteAtomic:
			writes = append(writes, Write{Kind: WriteAtomic, Key: w.key, Value: w.param, Op: w.op})
		}
	}
	cv, err := t.driver.Commit(t.ctx, t.snap.ReadVersion(), writes, t.conflicts)
	return cv, err
}

var errCancelled = &cancelledError{}

type cancelledError struct{}

func (*cancelledError) Error() string { return "kv: transaction cancelled" }

// RunOptions configures Run's retry loop.
type RunOptions struct {
	MaxRetries int
	Timeout    time.Duration
	Isolation  Isolation
}

// DefaultRunOptions matches spec §4.1: 100 retries, 5s timeout.
func DefaultRunOptions() RunOptions {
	return RunOptions{MaxRetries: 100, Timeout: 5 * time.Second, Isolation: Serializable}
}

// Run executes fn inside a transaction, retrying on ErrNotCommitted/
// ErrTransactionTooOld with exponential backoff and jitter until
// MaxRetries is exhausted or Timeout elapses.
func Run(ctx context.Context, driver Driver, fn func(tx *Transaction) error) (int64, error) {
	return RunWithOptions(ctx, driver, DefaultRunOptions(), fn)
}

// RunWithOptions is Run with explicit retry tuning.
func RunWithOptions(ctx context.Context, driver Driver, opts RunOptions, fn func(tx *Transaction) error) (int64, error) {
	deadline := time.Now().Add(opts.Timeout)
	backoff := 5 * time.Millisecond
	const maxBackoff = 1 * time.Second

	for attempt := 0; ; attempt++ {
		if time.Now().After(deadline) {
			return 0, ErrTransactionTooOld
		}
		tx, err := NewTransaction(ctx, driver, opts.Isolation)
		if err != nil {
			return 0, err
		}
		if err := fn(tx); err != nil {
			if IsRetryable(err) && attempt < opts.MaxRetries {
				sleepBackoff(ctx, &backoff, maxBackoff)
				continue
			}
			return 0, err
		}
		cv, err := tx.Commit()
		if err == nil {
			return cv, nil
		}
		if IsRetryable(err) && attempt < opts.MaxRetries {
			log.WithComponent("kv").Debug().Err(err).Int("attempt", attempt).Msg("retrying transaction")
			sleepBackoff(ctx, &backoff, maxBackoff)
			continue
		}
		return 0, err
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration, max time.Duration) {
	jittered := time.Duration(float64(*backoff) * (0.5 + rand.Float64()))
	select {
	case <-time.After(jittered):
	case <-ctx.Done():
	}
	*backoff *= 2
	if *backoff > max {
		*backoff = max
	}
}

func applyAtomic(base, param []byte, op AtomicOpType) []byte {
	switch op {
	case OpAdd:
		return addLE(base, param)
	case OpMin:
		if base == nil || bytes.Compare(param, base) < 0 {
			return append([]byte(nil), param...)
		}
		return base
	case OpMax:
		if base == nil || bytes.Compare(param, base) > 0 {
			return append([]byte(nil), param...)
		}
		return base
	case OpBitAnd:
		return bitwise(base, param, func(a, b byte) byte { return a & b })
	case OpBitOr:
		return bitwise(base, param, func(a, b byte) byte { return a | b })
	case OpBitXor:
		return bitwise(base, param, func(a, b byte) byte { return a ^ b })
	case OpAppend:
		return append(append([]byte(nil), base...), param...)
	case OpCompareAndClear:
		if bytes.Equal(base, param) {
			return nil
		}
		return base
	default:
		return base
	}
}

func addLE(base, param []byte) []byte {
	n := len(param)
	if len(base) > n {
		n = len(base)
	}
	out := make([]byte, n)
	carry := 0
	for i := 0; i < n; i++ {
		var a, b int
		if i < len(base) {
			a = int(base[i])
		}
		if i < len(param) {
			b = int(param[i])
		}
		sum := a + b + carry
		out[i] = byte(sum & 0xFF)
		carry = sum >> 8
	}
	return out
}

func bitwise(base, param []byte, f func(a, b byte) byte) []byte {
	n := len(param)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var a byte
		if i < len(base) {
			a = base[i]
		}
		out[i] = f(a, param[i])
	}
	return out
}
