package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// Tx is a read-only view over an Env's tables.
type Tx interface {
	Table(name string) Bucket
}

// RwTx is a read-write view over an Env's tables, valid only for the
// duration of the Update closure that produced it.
type RwTx interface {
	Tx
	CreateTableIfNotExists(name string) (RwBucket, error)
	DeleteTable(name string) error
}

// Bucket is a read-only named table.
type Bucket interface {
	Get(key []byte) []byte
	Cursor() Cursor
}

// RwBucket is a read-write named table.
type RwBucket interface {
	Bucket
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Cursor iterates a table's keys in ascending byte order.
type Cursor interface {
	First() (k, v []byte)
	Last() (k, v []byte)
	Next() (k, v []byte)
	Prev() (k, v []byte)
	Seek(prefix []byte) (k, v []byte)
}

type roTx struct{ tx *bolt.Tx }

func (t roTx) Table(name string) Bucket {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return emptyBucket{}
	}
	return roBucket{b}
}

type rwTx struct{ roTx }

func (t rwTx) CreateTableIfNotExists(name string) (RwBucket, error) {
	b, err := t.tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	return rwBucket{roBucket{b}}, nil
}

func (t rwTx) DeleteTable(name string) error {
	return t.tx.DeleteBucket([]byte(name))
}

type roBucket struct{ b *bolt.Bucket }

func (b roBucket) Get(key []byte) []byte { return b.b.Get(key) }
func (b roBucket) Cursor() Cursor        { return boltCursor{b.b.Cursor()} }

type rwBucket struct{ roBucket }

func (b rwBucket) Put(key, value []byte) error { return b.b.Put(key, value) }
func (b rwBucket) Delete(key []byte) error     { return b.b.Delete(key) }

type emptyBucket struct{}

func (emptyBucket) Get([]byte) []byte { return nil }
func (emptyBucket) Cursor() Cursor    { return emptyCursor{} }

type emptyCursor struct{}

func (emptyCursor) First() ([]byte, []byte)        { return nil, nil }
func (emptyCursor) Last() ([]byte, []byte)          { return nil, nil }
func (emptyCursor) Next() ([]byte, []byte)          { return nil, nil }
func (emptyCursor) Prev() ([]byte, []byte)          { return nil, nil }
func (emptyCursor) Seek([]byte) ([]byte, []byte)    { return nil, nil }

type boltCursor struct{ c *bolt.Cursor }

func (c boltCursor) First() ([]byte, []byte)     { return c.c.First() }
func (c boltCursor) Last() ([]byte, []byte)      { return c.c.Last() }
func (c boltCursor) Next() ([]byte, []byte)      { return c.c.Next() }
func (c boltCursor) Prev() ([]byte, []byte)      { return c.c.Prev() }
func (c boltCursor) Seek(k []byte) ([]byte, []byte) { return c.c.Seek(k) }

// PrefixIter walks all key/value pairs whose key starts with prefix.
func PrefixIter(cur Cursor, prefix []byte, fn func(k, v []byte) error) error {
	for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// RangeIter walks all key/value pairs with start <= key < end (end may be
// nil to mean unbounded).
func RangeIter(cur Cursor, start, end []byte, fn func(k, v []byte) error) error {
	for k, v := cur.Seek(start); k != nil; k, v = cur.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
