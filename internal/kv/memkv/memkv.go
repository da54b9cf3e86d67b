// Package memkv is nimbus's pure in-memory transactional KV driver,
// used in tests and single-process deployments. It implements
// optimistic.Storage over a sorted slice of keys, protected by the
// optimistic.Tracker's own mutex.
package memkv

import (
	"bytes"
	"context"
	"sort"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/kv/optimistic"
)

// Driver is an in-memory kv.Driver.
type Driver struct {
	tracker *optimistic.Tracker
	store   *sortedStore
}

// New creates an empty in-memory driver.
func New() *Driver {
	s := &sortedStore{index: map[string]int{}}
	return &Driver{tracker: optimistic.New(s), store: s}
}

func (d *Driver) NewSnapshot(ctx context.Context) (kv.Snapshot, error) {
	return d.tracker.NewSnapshot(ctx)
}

func (d *Driver) Commit(ctx context.Context, readVersion int64, writes []kv.Write, conflicts []kv.ConflictRange) (int64, error) {
	return d.tracker.Commit(ctx, readVersion, writes, conflicts)
}

func (d *Driver) Close() error { return nil }

// sortedStore keeps keys in sorted order via a slice plus an index map
// for O(1) point lookups; good enough for the dataset sizes nimbus's
// KV is actually used at (single actor/namespace subspaces).
type sortedStore struct {
	keys   [][]byte
	values [][]byte
	index  map[string]int
}

func (s *sortedStore) Get(key []byte) ([]byte, bool) {
	i, ok := s.index[string(key)]
	if !ok {
		return nil, false
	}
	return s.values[i], true
}

func (s *sortedStore) Scan(begin, end []byte, fn func(key, value []byte) bool) {
	lo := sort.Search(len(s.keys), func(i int) bool { return bytes.Compare(s.keys[i], begin) >= 0 })
	for i := lo; i < len(s.keys); i++ {
		if end != nil && bytes.Compare(s.keys[i], end) >= 0 {
			break
		}
		if !fn(s.keys[i], s.values[i]) {
			return
		}
	}
}

func (s *sortedStore) Put(key, value []byte) {
	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)
	if i, ok := s.index[string(key)]; ok {
		s.values[i] = value
		return
	}
	pos := sort.Search(len(s.keys), func(i int) bool { return bytes.Compare(s.keys[i], key) >= 0 })
	s.keys = append(s.keys, nil)
	copy(s.keys[pos+1:], s.keys[pos:])
	s.keys[pos] = key
	s.values = append(s.values, nil)
	copy(s.values[pos+1:], s.values[pos:])
	s.values[pos] = value
	s.reindexFrom(pos)
}

func (s *sortedStore) Delete(key []byte) {
	i, ok := s.index[string(key)]
	if !ok {
		return
	}
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
	s.values = append(s.values[:i], s.values[i+1:]...)
	delete(s.index, string(key))
	s.reindexFrom(i)
}

func (s *sortedStore) DeleteRange(begin, end []byte) {
	lo := sort.Search(len(s.keys), func(i int) bool { return bytes.Compare(s.keys[i], begin) >= 0 })
	hi := lo
	for hi < len(s.keys) && (end == nil || bytes.Compare(s.keys[hi], end) < 0) {
		delete(s.index, string(s.keys[hi]))
		hi++
	}
	s.keys = append(s.keys[:lo], s.keys[hi:]...)
	s.values = append(s.values[:lo], s.values[hi:]...)
	s.reindexFrom(lo)
}

func (s *sortedStore) reindexFrom(from int) {
	for i := from; i < len(s.keys); i++ {
		s.index[string(s.keys[i])] = i
	}
}
