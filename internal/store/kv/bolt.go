package kv

import (
	"bytes"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

// BoltStore is a Store backed by a single boltdb/bolt file. Bolt's own
// single-writer, MVCC-reader transactions give us exactly the atomicity
// spec.md §9 asks of the pluggable KV interface, with no additional
// locking required at this layer.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a BoltStore at |path|.
func OpenBolt(path string) (*BoltStore, error) {
	var db, err = bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WithMessagef(err, "opening bolt db %s", path)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	if err := b.db.Close(); err != nil {
		return errors.WithMessage(err, "closing bolt db")
	}
	return nil
}

func (b *BoltStore) Get(bucket, key []byte) ([]byte, error) {
	var value []byte
	var err = b.db.View(func(tx *bolt.Tx) error {
		var bkt = tx.Bucket(bucket)
		if bkt == nil {
			return ErrNotFound
		}
		if v := bkt.Get(key); v == nil {
			return ErrNotFound
		} else {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

func (b *BoltStore) Fold(bucket []byte, fn func(key, value []byte) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		var bkt = tx.Bucket(bucket)
		if bkt == nil {
			return nil
		}
		var c = bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (b *BoltStore) MatchPrefix(bucket, prefix []byte, fn func(key, value []byte) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		var bkt = tx.Bucket(bucket)
		if bkt == nil {
			return nil
		}
		var c = bkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (b *BoltStore) Update(fn func(Tx) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(boltTx{tx})
	})
}

type boltTx struct{ tx *bolt.Tx }

func (t boltTx) CreateBucketIfNotExists(bucket []byte) error {
	var _, err = t.tx.CreateBucketIfNotExists(bucket)
	return err
}

func (t boltTx) Put(bucket, key, value []byte) error {
	var bkt = t.tx.Bucket(bucket)
	if bkt == nil {
		var err error
		if bkt, err = t.tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return bkt.Put(key, value)
}

func (t boltTx) Delete(bucket, key []byte) error {
	var bkt = t.tx.Bucket(bucket)
	if bkt == nil {
		return nil
	}
	return bkt.Delete(key)
}

func (t boltTx) Get(bucket, key []byte) ([]byte, error) {
	var bkt = t.tx.Bucket(bucket)
	if bkt == nil {
		return nil, ErrNotFound
	}
	if v := bkt.Get(key); v == nil {
		return nil, ErrNotFound
	} else {
		return append([]byte(nil), v...), nil
	}
}

func (t boltTx) MatchPrefix(bucket, prefix []byte, fn func(key, value []byte) bool) error {
	var bkt = t.tx.Bucket(bucket)
	if bkt == nil {
		return nil
	}
	var c = bkt.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}
