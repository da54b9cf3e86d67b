// Package actorkv implements the chunked, versioned per-actor key/value
// store described in spec §4.8: ordered keys, prefix/range queries, and
// billable-metrics accounting, layered over internal/kv.
package actorkv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/types"
)

// Limits, per spec §4.8.
const (
	MaxKeyLen          = 2 * 1024
	MaxValueLen        = 128 * 1024
	MaxKeysPerPut       = 128
	MaxTotalPutBytes    = 976 * 1024
	MaxActorStorage     = 1 << 30 // 1 GiB
	ValueChunkSize      = 10_000
	BillableChunkSize   = 1024
)

const subspace = "actorkv"

func metaKey(actorID, key string) []byte {
	return kv.Tuple{subspace, actorID, []byte(key), "meta"}.Pack()
}

func chunkKey(actorID, key string, idx int) []byte {
	return kv.Tuple{subspace, actorID, []byte(key), "chunk", uint64(idx)}.Pack()
}

func keyPrefix(actorID, key string) []byte {
	return kv.Tuple{subspace, actorID, []byte(key)}.Pack()
}

func actorPrefix(actorID string) []byte {
	return kv.Tuple{subspace, actorID}.Pack()
}

// Store provides per-actor KV operations bound to one transactional
// KV driver. All methods open their own transaction via kv.Run so
// callers (HTTP handlers, tunnel KV-request handlers) never have to
// thread a *kv.Transaction through.
type Store struct {
	driver  kv.Driver
	metrics *metrics.Metrics
}

// New returns a Store backed by driver.
func New(driver kv.Driver, m *metrics.Metrics) *Store {
	return &Store{driver: driver, metrics: m}
}

// Entry is one key's current value and metadata.
type Entry struct {
	Key      string
	Value    []byte
	Metadata types.KVEntryMetadata
}

func validateKey(k string) error {
	if len(k) == 0 {
		return fmt.Errorf("actorkv: empty key")
	}
	if len(k) > MaxKeyLen {
		return fmt.Errorf("actorkv: key exceeds %d bytes", MaxKeyLen)
	}
	return nil
}

// Get assembles the current value for each of keys, skipping keys that
// do not exist. It returns the billable read count: the total bytes of
// all returned entries divided by BillableChunkSize, rounded up.
func (s *Store) Get(ctx context.Context, actorID string, keys []string) ([]Entry, int64, error) {
	var entries []Entry
	var totalBytes int64
	_, err := kv.Run(ctx, s.driver, func(tx *kv.Transaction) error {
		entries = nil
		totalBytes = 0
		for _, k := range keys {
			if err := validateKey(k); err != nil {
				return err
			}
			e, ok, n, err := readEntry(tx, actorID, k)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			entries = append(entries, e)
			totalBytes += n
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	billable := (totalBytes + BillableChunkSize - 1) / BillableChunkSize
	if totalBytes == 0 {
		billable = 0
	}
	return entries, billable, nil
}

func readEntry(tx *kv.Transaction, actorID, key string) (Entry, bool, int64, error) {
	metaRaw, err := tx.Get(metaKey(actorID, key))
	if err != nil {
		return Entry{}, false, 0, err
	}
	if metaRaw == nil {
		return Entry{}, false, 0, nil
	}
	var meta metaRecord
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return Entry{}, false, 0, fmt.Errorf("actorkv: decode metadata %s/%s: %w", actorID, key, err)
	}
	value := make([]byte, 0, meta.Length)
	for i := 0; i < meta.ChunkCount; i++ {
		chunk, err := tx.Get(chunkKey(actorID, key, i))
		if err != nil {
			return Entry{}, false, 0, err
		}
		value = append(value, chunk...)
	}
	return Entry{
		Key:   key,
		Value: value,
		Metadata: types.KVEntryMetadata{
			Version:  meta.Version,
			UpdateTS: meta.UpdateTS,
		},
	}, true, int64(len(value)), nil
}

// metaRecord is the wire shape of the per-key metadata row.
type metaRecord struct {
	Version    []byte
	UpdateTS   int64
	Length     int
	ChunkCount int
}

// Put validates and writes keys/values, overwriting any prior chunks.
// It enforces the per-put and per-actor storage limits of spec §4.8.
func (s *Store) Put(ctx context.Context, actorID string, keys []string, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("actorkv: keys/values length mismatch")
	}
	if len(keys) > MaxKeysPerPut {
		return fmt.Errorf("actorkv: at most %d keys per put", MaxKeysPerPut)
	}
	var totalPut int64
	for i, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
		if len(values[i]) > MaxValueLen {
			return fmt.Errorf("actorkv: value for %q exceeds %d bytes", k, MaxValueLen)
		}
		totalPut += int64(len(values[i]))
	}
	if totalPut > MaxTotalPutBytes {
		return fmt.Errorf("actorkv: put payload exceeds %d bytes", MaxTotalPutBytes)
	}

	_, err := kv.Run(ctx, s.driver, func(tx *kv.Transaction) error {
		existing, err := subspaceSizeEstimate(tx, actorID)
		if err != nil {
			return err
		}
		if existing >= MaxActorStorage {
			return fmt.Errorf("actorkv: actor %s storage at capacity", actorID)
		}
		now := time.Now().UnixMilli()
		for i, k := range keys {
			if err := clearEntry(tx, actorID, k); err != nil {
				return err
			}
			v := values[i]
			chunkCount := 0
			for off := 0; off < len(v) || (len(v) == 0 && off == 0); off += ValueChunkSize {
				end := off + ValueChunkSize
				if end > len(v) {
					end = len(v)
				}
				if err := tx.Set(chunkKey(actorID, k, chunkCount), v[off:end]); err != nil {
					return err
				}
				chunkCount++
				if len(v) == 0 {
					break
				}
			}
			meta := metaRecord{
				Version:    versionStamp(now, i),
				UpdateTS:   now,
				Length:     len(v),
				ChunkCount: chunkCount,
			}
			raw, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			if err := tx.Set(metaKey(actorID, k), raw); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func versionStamp(nowMillis int64, seq int) []byte {
	return []byte(fmt.Sprintf("%d-%d", nowMillis, seq))
}

func clearEntry(tx *kv.Transaction, actorID, key string) error {
	metaRaw, err := tx.Get(metaKey(actorID, key))
	if err != nil {
		return err
	}
	if metaRaw == nil {
		return nil
	}
	var meta metaRecord
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return err
	}
	for i := 0; i < meta.ChunkCount; i++ {
		tx.Clear(chunkKey(actorID, key, i))
	}
	tx.Clear(metaKey(actorID, key))
	return nil
}

// Delete clears each key's metadata and chunks.
func (s *Store) Delete(ctx context.Context, actorID string, keys []string) error {
	_, err := kv.Run(ctx, s.driver, func(tx *kv.Transaction) error {
		for _, k := range keys {
			if err := clearEntry(tx, actorID, k); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// DeleteAll clears the entire per-actor subspace.
func (s *Store) DeleteAll(ctx context.Context, actorID string) error {
	_, err := kv.Run(ctx, s.driver, func(tx *kv.Transaction) error {
		begin, end := kv.PrefixRange(actorPrefix(actorID))
		tx.ClearRange(begin, end)
		return nil
	})
	return err
}

// Query selects the kind of List operation: all entries, a prefix
// match, or a [start,end) or [start,end] range.
type Query struct {
	Kind      QueryKind
	Prefix    string
	Start     string
	End       string
	Exclusive bool // range only: whether End is excluded
}

type QueryKind int

const (
	QueryAll QueryKind = iota
	QueryPrefix
	QueryRange
)

// List returns entries matching query, honoring reverse order and a
// result limit applied after entries are reassembled (spec §4.8).
func (s *Store) List(ctx context.Context, actorID string, q Query, reverse bool, limit int) ([]Entry, error) {
	begin, end, empty := queryRange(actorID, q)
	if empty {
		return nil, nil
	}

	var entries []Entry
	_, err := kv.Run(ctx, s.driver, func(tx *kv.Transaction) error {
		entries = nil
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		byKey := map[string]bool{}
		var keys []string
		for _, row := range rows {
			t, err := kv.Unpack(row.Key)
			if err != nil || len(t) < 4 {
				continue
			}
			kb, ok := t[2].([]byte)
			if !ok {
				continue
			}
			field, _ := t[3].(string)
			if field != "meta" {
				continue
			}
			k := string(kb)
			if !byKey[k] {
				byKey[k] = true
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		if reverse {
			for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
		for _, k := range keys {
			e, ok, _, err := readEntry(tx, actorID, k)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			entries = append(entries, e)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// queryRange computes the [begin,end) byte range over the meta
// subspace for q. empty=true means the query can never match anything
// (e.g. an inverted range or an exclusive zero-width range).
func queryRange(actorID string, q Query) (begin, end []byte, empty bool) {
	switch q.Kind {
	case QueryAll:
		return kv.PrefixRange(actorPrefix(actorID))
	case QueryPrefix:
		// An empty prefix matches everything. A prefix longer than any
		// stored key still produces a valid (possibly empty) range.
		// 0xFF is appended to the raw prefix bytes (not inside the
		// tuple encoder) so a prefix that is itself a valid key doesn't
		// get truncated by the tuple element terminator.
		p := keyPrefix(actorID, q.Prefix)
		p = p[:len(p)-1] // drop the element's 0x00 terminator so longer keys match
		b := p
		e := append(append([]byte(nil), p...), 0xFF)
		return b, e, false
	case QueryRange:
		if q.Start > q.End {
			return nil, nil, true
		}
		if q.Start == q.End && q.Exclusive {
			return nil, nil, true
		}
		b := keyPrefix(actorID, q.Start)
		var e []byte
		if q.Exclusive {
			e = keyPrefix(actorID, q.End)
		} else {
			e = append(append([]byte(nil), keyPrefix(actorID, q.End)...), 0xFF)
		}
		return b, e, false
	default:
		return nil, nil, true
	}
}

// GetSubspaceSize returns the estimated byte size of actorID's whole
// subspace. Accuracy below ~3MiB is not guaranteed, per spec §4.8.
func (s *Store) GetSubspaceSize(ctx context.Context, actorID string) (int64, error) {
	var size int64
	_, err := kv.Run(ctx, s.driver, func(tx *kv.Transaction) error {
		n, err := subspaceSizeEstimate(tx, actorID)
		size = n
		return err
	})
	return size, err
}

func subspaceSizeEstimate(tx *kv.Transaction, actorID string) (int64, error) {
	begin, end := kv.PrefixRange(actorPrefix(actorID))
	return tx.GetEstimatedRangeSizeBytes(begin, end)
}
