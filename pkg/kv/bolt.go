package kv

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	bolt "go.etcd.io/bbolt"
)

// boltEngine implements Engine on top of a single bbolt database file, one
// bucket per named tree. Grounded on pkg/storage/boltdb.go's BoltStore:
// the same db.Update/db.View closures, generalized from a fixed bucket list
// known at startup to buckets created on demand for whatever tree names a
// caller opens.
type boltEngine struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt-backed Engine at
// <dir>/nimbus.db.
func OpenBolt(dir string) (Engine, error) {
	path := filepath.Join(dir, "nimbus.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, dberr.New("kv.OpenBolt", dberr.KindIO, fmt.Errorf("open %s: %w", path, err))
	}
	return &boltEngine{db: db}, nil
}

func (e *boltEngine) Close() error {
	if err := e.db.Close(); err != nil {
		return dberr.New("kv.Close", dberr.KindIO, err)
	}
	return nil
}

func (e *boltEngine) Update(ctx context.Context, trees []string, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.db.Update(func(tx *bolt.Tx) error {
		buckets := make(map[string]*bolt.Bucket, len(trees))
		for _, name := range trees {
			b, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return dberr.New("kv.Update", dberr.KindStorage, fmt.Errorf("open tree %q: %w", name, err))
			}
			buckets[name] = b
		}
		return fn(&boltTxn{buckets: buckets})
	})
	if err != nil {
		return err
	}
	return nil
}

func (e *boltEngine) View(ctx context.Context, trees []string, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.db.View(func(tx *bolt.Tx) error {
		buckets := make(map[string]*bolt.Bucket, len(trees))
		for _, name := range trees {
			b := tx.Bucket([]byte(name))
			if b == nil {
				// An empty tree reads as empty rather than an error.
				buckets[name] = nil
				continue
			}
			buckets[name] = b
		}
		return fn(&boltTxn{buckets: buckets, readOnly: true})
	})
}

type boltTxn struct {
	buckets  map[string]*bolt.Bucket
	readOnly bool
}

func (t *boltTxn) Tree(name string) (TreeTxn, error) {
	b, ok := t.buckets[name]
	if !ok {
		return nil, dberr.New("kv.Txn.Tree", dberr.KindStorage, fmt.Errorf("tree %q not opened by this transaction", name))
	}
	return &boltTreeTxn{bucket: b, readOnly: t.readOnly}, nil
}

// boltTreeTxn adapts a single *bolt.Bucket to TreeTxn. bucket is nil when a
// View opened a tree that has never been written; every read then behaves
// as "not found" / "empty".
type boltTreeTxn struct {
	bucket   *bolt.Bucket
	readOnly bool
}

func (t *boltTreeTxn) Get(key []byte) ([]byte, bool, error) {
	if t.bucket == nil {
		return nil, false, nil
	}
	v := t.bucket.Get(key)
	if v == nil {
		return nil, false, nil
	}
	// bbolt reuses the backing mmap'd page across calls; copy out so the
	// value remains valid after the transaction commits.
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (t *boltTreeTxn) Put(key, value []byte) error {
	if t.readOnly {
		return dberr.New("kv.TreeTxn.Put", dberr.KindStorage, fmt.Errorf("write inside a read-only transaction"))
	}
	if err := t.bucket.Put(key, value); err != nil {
		return dberr.New("kv.TreeTxn.Put", dberr.KindStorage, err)
	}
	return nil
}

func (t *boltTreeTxn) Delete(key []byte) error {
	if t.readOnly {
		return dberr.New("kv.TreeTxn.Delete", dberr.KindStorage, fmt.Errorf("write inside a read-only transaction"))
	}
	if t.bucket == nil {
		return nil
	}
	if err := t.bucket.Delete(key); err != nil {
		return dberr.New("kv.TreeTxn.Delete", dberr.KindStorage, err)
	}
	return nil
}

func (t *boltTreeTxn) NextID() (uint64, error) {
	if t.readOnly || t.bucket == nil {
		return 0, dberr.New("kv.TreeTxn.NextID", dberr.KindStorage, fmt.Errorf("id generation requires a write transaction"))
	}
	id, err := t.bucket.NextSequence()
	if err != nil {
		return 0, dberr.New("kv.TreeTxn.NextID", dberr.KindStorage, err)
	}
	return id, nil
}

func (t *boltTreeTxn) ForEach(fn func(key, value []byte) error) error {
	if t.bucket == nil {
		return nil
	}
	return t.bucket.ForEach(func(k, v []byte) error {
		return fn(k, v)
	})
}

func (t *boltTreeTxn) Range(start, end []byte, fn func(key, value []byte) error) error {
	if t.bucket == nil {
		return nil
	}
	c := t.bucket.Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
