// Package boltkv is nimbus's embedded, disk-backed KV driver for a
// single node. It stores everything in one ordered bucket over
// tuple-packed keys, with optimistic conflict tracking from
// internal/kv/optimistic.
package boltkv

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/kv/optimistic"
	bolt "go.etcd.io/bbolt"
)

var bucketData = []byte("nimbus_kv")

// Driver is a bbolt-backed kv.Driver.
type Driver struct {
	db      *bolt.DB
	tracker *optimistic.Tracker
}

// Open opens (creating if absent) a bbolt file under dataDir.
func Open(dataDir string) (*Driver, error) {
	dbPath := filepath.Join(dataDir, "nimbus.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltkv: open %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketData)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltkv: create bucket: %w", err)
	}
	s := &boltStorage{db: db}
	return &Driver{db: db, tracker: optimistic.New(s)}, nil
}

func (d *Driver) NewSnapshot(ctx context.Context) (kv.Snapshot, error) { return d.tracker.NewSnapshot(ctx) }

func (d *Driver) Commit(ctx context.Context, readVersion int64, writes []kv.Write, conflicts []kv.ConflictRange) (int64, error) {
	return d.tracker.Commit(ctx, readVersion, writes, conflicts)
}

func (d *Driver) Close() error { return d.db.Close() }

// boltStorage implements optimistic.Storage directly atop a bbolt bucket.
type boltStorage struct {
	db *bolt.DB
}

func (s *boltStorage) Get(key []byte) ([]byte, bool) {
	var out []byte
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return out, found
}

func (s *boltStorage) Scan(begin, end []byte, fn func(key, value []byte) bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketData).Cursor()
		for k, v := c.Seek(begin); k != nil; k, v = c.Next() {
			if end != nil && string(k) >= string(end) {
				break
			}
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (s *boltStorage) Put(key, value []byte) {
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).Put(key, value)
	})
}

func (s *boltStorage) Delete(key []byte) {
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).Delete(key)
	})
}

func (s *boltStorage) DeleteRange(begin, end []byte) {
	_ = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketData)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(begin); k != nil; k, _ = c.Next() {
			if end != nil && string(k) >= string(end) {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
