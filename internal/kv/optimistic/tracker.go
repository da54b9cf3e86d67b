// Package optimistic implements the conflict-range bookkeeping shared
// by nimbus's in-memory and embedded (bbolt) KV drivers: commit
// fails with kv.ErrNotCommitted if any transaction that committed
// after this one's read version touched an overlapping range (spec
// §4.1 "optimistic... commit fails with NotCommitted").
//
// Storage is the only thing a concrete driver must supply; Tracker
// does the versioning and conflict detection.
package optimistic

import (
	"bytes"
	"context"
	"sync"

	"github.com/nimbusrun/nimbus/internal/kv"
)

// Storage is the raw ordered key/value store a driver backs onto
// (an in-memory sorted map, or a bbolt bucket).
type Storage interface {
	Get(key []byte) ([]byte, bool)
	// Scan calls fn for every key in [begin, end) in ascending order.
	// Iteration stops early if fn returns false.
	Scan(begin, end []byte, fn func(key, value []byte) bool)
	Put(key, value []byte)
	Delete(key []byte)
	DeleteRange(begin, end []byte)
}

type committedWrite struct {
	version int64
	begin   []byte
	end     []byte // end == nil means a single-key write at begin
}

// Tracker layers MVCC-free optimistic concurrency control on top of a
// Storage. All state is guarded by mu; Storage itself need not be
// thread-safe as long as it is only touched through the Tracker.
type Tracker struct {
	mu      sync.Mutex
	storage Storage
	version int64
	history []committedWrite // write ranges from recent commits, for conflict detection
}

// New wraps storage in a Tracker starting at commit version 0.
func New(storage Storage) *Tracker {
	return &Tracker{storage: storage}
}

type snapshot struct {
	t       *Tracker
	version int64
}

// NewSnapshot returns a read view pinned at the tracker's current
// commit version.
func (t *Tracker) NewSnapshot(_ context.Context) (kv.Snapshot, error) {
	t.mu.Lock()
	v := t.version
	t.mu.Unlock()
	return &snapshot{t: t, version: v}, nil
}

func (s *snapshot) ReadVersion() int64 { return s.version }

func (s *snapshot) Get(_ context.Context, key []byte) ([]byte, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	v, ok := s.t.storage.Get(key)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (s *snapshot) GetRange(_ context.Context, begin, end []byte, limit int, reverse bool) ([]kv.KeyValue, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	var rows []kv.KeyValue
	s.t.storage.Scan(begin, end, func(k, v []byte) bool {
		rows = append(rows, kv.KeyValue{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		return true
	})
	if reverse {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *snapshot) GetEstimatedRangeSizeBytes(_ context.Context, begin, end []byte) (int64, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	var total int64
	s.t.storage.Scan(begin, end, func(k, v []byte) bool {
		total += int64(len(k) + len(v))
		return true
	})
	return total, nil
}

// Commit validates conflicts against history since readVersion, then
// applies writes and advances the commit version.
func (t *Tracker) Commit(_ context.Context, readVersion int64, writes []kv.Write, conflicts []kv.ConflictRange) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range conflicts {
		if c.Kind != kv.ConflictRead {
			continue
		}
		for _, h := range t.history {
			if h.version <= readVersion {
				continue
			}
			if rangesOverlap(c.Begin, c.End, h.begin, h.end) {
				return 0, kv.ErrNotCommitted
			}
		}
	}
	// Writes against ranges another txn already committed over are
	// also checked (write-write conflicts), even without an explicit
	// read conflict range covering them.
	for _, w := range writes {
		b, e := writeRange(w)
		for _, h := range t.history {
			if h.version <= readVersion {
				continue
			}
			if rangesOverlap(b, e, h.begin, h.end) {
				return 0, kv.ErrNotCommitted
			}
		}
	}

	t.version++
	for _, w := range writes {
		switch w.Kind {
		case kv.WriteSet:
			t.storage.Put(w.Key, w.Value)
		case kv.WriteClear:
			t.storage.Delete(w.Key)
		case kv.WriteClearRange:
			t.storage.DeleteRange(w.Key, w.End)
		case kv.WriteAtomic:
			base, _ := t.storage.Get(w.Key)
			resolved := ResolveAtomic(base, w.Value, w.Op)
			if resolved == nil && w.Op == kv.OpCompareAndClear {
				t.storage.Delete(w.Key)
			} else {
				t.storage.Put(w.Key, resolved)
			}
		}
		b, e := writeRange(w)
		t.history = append(t.history, committedWrite{version: t.version, begin: b, end: e})
	}
	// Bound history growth; conflict windows only need to cover
	// transactions still in flight (bounded by the timeout in kv.Run).
	if len(t.history) > 100_000 {
		t.history = t.history[len(t.history)-50_000:]
	}
	return t.version, nil
}

func writeRange(w kv.Write) (begin, end []byte) {
	switch w.Kind {
	case kv.WriteClearRange:
		return w.Key, w.End
	default:
		return w.Key, append(append([]byte(nil), w.Key...), 0x00)
	}
}

func rangesOverlap(aBegin, aEnd, bBegin, bEnd []byte) bool {
	return bytes.Compare(aBegin, bEnd) < 0 && bytes.Compare(bBegin, aEnd) < 0
}

// ResolveAtomic applies an atomic op's semantics against a durable
// base value; exported so pgkv (which resolves inside a DB txn
// instead of through Storage) can reuse the same op semantics.
func ResolveAtomic(base, param []byte, op kv.AtomicOpType) []byte {
	switch op {
	case kv.OpAdd:
		return addLE(base, param)
	case kv.OpMin:
		if base == nil || bytes.Compare(param, base) < 0 {
			return append([]byte(nil), param...)
		}
		return base
	case kv.OpMax:
		if base == nil || bytes.Compare(param, base) > 0 {
			return append([]byte(nil), param...)
		}
		return base
	case kv.OpBitAnd:
		return bitwise(base, param, func(a, b byte) byte { return a & b })
	case kv.OpBitOr:
		return bitwise(base, param, func(a, b byte) byte { return a | b })
	case kv.OpBitXor:
		return bitwise(base, param, func(a, b byte) byte { return a ^ b })
	case kv.OpAppend:
		return append(append([]byte(nil), base...), param...)
	case kv.OpCompareAndClear:
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
