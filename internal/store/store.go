// Package store is sift's transactional storage façade. It wraps
// go.etcd.io/bbolt behind a narrow interface shaped like erigon-lib's kv
// package (RoDB/RwDB/Tx/Cursor separation): named tables addressed by
// string, View/Update closures, and cursors for range/prefix iteration.
// Callers outside this package never see a *bolt.Tx directly.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/sift/internal/sifterr"
	"github.com/cuemby/sift/pkg/log"
	"github.com/cuemby/sift/pkg/metrics"
)

// ErrMapFull is returned when a write transaction cannot commit because
// the underlying file ran out of room to grow within the OS/filesystem
// constraints bbolt observed. The caller may retry after compaction.
var ErrMapFull = errors.New("store: map full")

// ErrEnvironmentCorrupted is returned when the on-disk environment fails
// bbolt's internal consistency checks on open.
var ErrEnvironmentCorrupted = errors.New("store: environment corrupted")

// Env wraps a single bbolt database file: one per index environment, plus
// one shared registry environment for tasks, batches and index mappings.
type Env struct {
	name string
	db   *bolt.DB
}

// Open opens (creating if necessary) a bbolt-backed environment at path,
// labeled name for metrics and logs.
func Open(path, name string) (*Env, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", path, err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, sifterr.Internal("store_open_failed", fmt.Sprintf("opening environment %s", name), err)
	}
	return &Env{name: name, db: db}, nil
}

// Close closes the underlying database file.
func (e *Env) Close() error {
	return e.db.Close()
}

// CreateTable ensures a named table exists. Idempotent.
func (e *Env) CreateTable(table string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(table))
		return err
	})
}

// View runs fn inside a read-only snapshot transaction. Multiple readers
// may run concurrently with each other and with a single in-flight writer;
// bbolt's MVCC guarantees the snapshot never observes a partial write.
func (e *Env) View(fn func(Tx) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(roTx{tx})
	})
}

// Update runs fn inside the single writer transaction, retrying once on a
// map-full condition (bbolt returning ENOSPC/ENOMEM on commit) under the
// theory that a concurrent compaction freed space.
func (e *Env) Update(fn func(RwTx) error) error {
	timer := metrics.NewTimer()
	op := func() error {
		err := e.db.Update(func(tx *bolt.Tx) error {
			return fn(rwTx{roTx{tx}})
		})
		if isMapFull(err) {
			metrics.StoreCommitRetriesTotal.Inc()
			return ErrMapFull
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
	err := backoff.Retry(op, bo)
	timer.ObserveDurationVec(metrics.StoreCommitDuration, e.name)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err != nil {
		log.WithComponent("store").Error().Err(err).Str("env", e.name).Msg("write transaction failed")
	}
	return err
}

func isMapFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.ENOMEM)
}

// RootLock is an advisory inter-process lock on the database root
// directory, held for the process lifetime so a second sift process
// cannot open the same data directory concurrently.
type RootLock struct {
	fl *flock.Flock
}

// AcquireRootLock takes an exclusive, non-blocking lock on <root>/LOCK.
func AcquireRootLock(root string) (*RootLock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(root, "LOCK"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, sifterr.Internal("lock_failed", "acquiring database root lock", err)
	}
	if !ok {
		return nil, sifterr.Conflict("db_locked", "database root is already locked by another process")
	}
	return &RootLock{fl: fl}, nil
}

// Release drops the lock.
func (l *RootLock) Release() error {
	return l.fl.Unlock()
}
