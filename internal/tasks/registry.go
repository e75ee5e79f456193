package tasks

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/sift/internal/bitmap"
	"github.com/cuemby/sift/internal/sifterr"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/pkg/log"
	"github.com/cuemby/sift/pkg/metrics"
)

const (
	tableAllTasks    = "all-tasks"
	tableAllBatches  = "all-batches"
	tableByStatus    = "status"
	tableByKind      = "kind"
	tableByIndex     = "index-tasks"
	tableByCanceler  = "canceled_by"
	tableEnqueuedAt  = "enqueued-at"
	tableStartedAt   = "started-at"
	tableFinishedAt  = "finished-at"
	tableIndexMap    = "index-mapping"
	tableCounters    = "counters"

	counterTaskUID  = "task_uid"
	counterBatchUID = "batch_uid"
)

var registryTables = []string{
	tableAllTasks, tableAllBatches, tableByStatus, tableByKind, tableByIndex,
	tableByCanceler, tableEnqueuedAt, tableStartedAt, tableFinishedAt,
	tableIndexMap, tableCounters,
}

// WakeFunc is invoked after a write transaction that enqueues new work,
// to nudge the scheduler out of its wait.
type WakeFunc func()

// Registry is the persistent, queryable task and batch store, backed by
// its own store.Env (the registry environment, separate from any index
// environment), and the index_uid -> uuid mapping used to resolve index
// handles.
type Registry struct {
	env    *store.Env
	logger zerolog.Logger
	wake   WakeFunc
}

// Open opens (or creates) the registry environment at <dbRoot>/tasks.
func Open(dbRoot string, wake WakeFunc) (*Registry, error) {
	env, err := store.Open(filepath.Join(dbRoot, "tasks", "registry.db"), "tasks")
	if err != nil {
		return nil, err
	}
	for _, t := range registryTables {
		if err := env.CreateTable(t); err != nil {
			env.Close()
			return nil, sifterr.Internal("registry_init_failed", "creating registry tables", err)
		}
	}
	return &Registry{env: env, logger: log.WithComponent("tasks"), wake: wake}, nil
}

// Close closes the registry environment.
func (r *Registry) Close() error {
	return r.env.Close()
}

func nextCounter(tx store.RwTx, name string) (uint32, error) {
	b, err := tx.CreateTableIfNotExists(tableCounters)
	if err != nil {
		return 0, err
	}
	var next uint32
	if raw := b.Get([]byte(name)); raw != nil {
		next = store.DecodeUint32(raw) + 1
	}
	return next, b.Put([]byte(name), store.EncodeUint32(next))
}

// Register allocates the next task uid, persists an enqueued task, updates
// every secondary index, and signals the scheduler. dryRun returns a
// populated Task without persisting anything.
func (r *Registry) Register(kind Kind, details any, contentUUID, indexUID *string, dryRun bool) (*Task, error) {
	raw, err := store.EncodeValue(details)
	if err != nil {
		return nil, sifterr.Invalid("invalid_task_details", "encoding task details")
	}

	task := &Task{
		Kind:        kind,
		Status:      StatusEnqueued,
		Details:     raw,
		EnqueuedAt:  time.Now().UTC(),
		ContentUUID: contentUUID,
		IndexUID:    indexUID,
	}

	if dryRun {
		return task, nil
	}

	err = r.env.Update(func(tx store.RwTx) error {
		uid, err := nextCounter(tx, counterTaskUID)
		if err != nil {
			return err
		}
		task.UID = uid

		tasksB, err := tx.CreateTableIfNotExists(tableAllTasks)
		if err != nil {
			return err
		}
		if err := store.PutJSON(tasksB, store.EncodeUint32(uid), task); err != nil {
			return err
		}

		if err := r.indexInsert(tx, task); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TasksEnqueuedTotal.WithLabelValues(kind.String()).Inc()
	metrics.TasksEnqueuedGauge.Inc()
	r.logger.Info().Uint32("task_id", task.UID).Str("kind", kind.String()).Msg("task enqueued")
	if r.wake != nil {
		r.wake()
	}
	return task, nil
}

func dayKey(t time.Time) []byte {
	return []byte(t.UTC().Format("2006-01-02"))
}

func (r *Registry) indexInsert(tx store.RwTx, task *Task) error {
	if err := addToBitmapIndex(tx, tableByStatus, []byte(task.Status.String()), task.UID); err != nil {
		return err
	}
	if err := addToBitmapIndex(tx, tableByKind, []byte(task.Kind.String()), task.UID); err != nil {
		return err
	}
	if task.IndexUID != nil {
		if err := addToBitmapIndex(tx, tableByIndex, []byte(*task.IndexUID), task.UID); err != nil {
			return err
		}
	}
	if task.CanceledBy != nil {
		if err := addToBitmapIndex(tx, tableByCanceler, store.EncodeUint32(*task.CanceledBy), task.UID); err != nil {
			return err
		}
	}
	if err := addToBitmapIndex(tx, tableEnqueuedAt, dayKey(task.EnqueuedAt), task.UID); err != nil {
		return err
	}
	if task.StartedAt != nil {
		if err := addToBitmapIndex(tx, tableStartedAt, dayKey(*task.StartedAt), task.UID); err != nil {
			return err
		}
	}
	if task.FinishedAt != nil {
		if err := addToBitmapIndex(tx, tableFinishedAt, dayKey(*task.FinishedAt), task.UID); err != nil {
			return err
		}
	}
	return nil
}

func addToBitmapIndex(tx store.RwTx, table string, key []byte, uid uint32) error {
	b, err := tx.CreateTableIfNotExists(table)
	if err != nil {
		return err
	}
	bm := bitmap.New()
	if raw := b.Get(key); raw != nil {
		if err := bm.UnmarshalBinary(raw); err != nil {
			return err
		}
	}
	bm.Add(uid)
	data, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func removeFromBitmapIndex(tx store.RwTx, table string, key []byte, uid uint32) error {
	b, err := tx.CreateTableIfNotExists(table)
	if err != nil {
		return err
	}
	raw := b.Get(key)
	if raw == nil {
		return nil
	}
	bm := bitmap.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return err
	}
	bm.Remove(uid)
	if bm.IsEmpty() {
		return b.Delete(key)
	}
	data, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Get loads a single task by uid. Returns (nil, nil) if absent.
func (r *Registry) Get(uid uint32) (*Task, error) {
	var task Task
	var found bool
	err := r.env.View(func(tx store.Tx) error {
		b := tx.Table(tableAllTasks)
		var err error
		found, err = store.GetJSON(b, store.EncodeUint32(uid), &task)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &task, nil
}

// GetBatch loads a single batch by uid.
func (r *Registry) GetBatch(uid uint32) (*Batch, error) {
	var batch Batch
	var found bool
	err := r.env.View(func(tx store.Tx) error {
		b := tx.Table(tableAllBatches)
		var err error
		found, err = store.GetJSON(b, store.EncodeUint32(uid), &batch)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &batch, nil
}

// List resolves q into the matching task uids by intersecting every
// non-empty index dimension, then loads and returns the Task records in
// ascending uid order, capped at q.Limit (0 means unbounded).
func (r *Registry) List(q Query) ([]*Task, error) {
	var result []*Task
	err := r.env.View(func(tx store.Tx) error {
		ids, err := r.resolveQuery(tx, q)
		if err != nil {
			return err
		}
		it := ids.Iterator()
		tasksB := tx.Table(tableAllTasks)
		for it.HasNext() {
			uid := it.Next()
			var t Task
			found, err := store.GetJSON(tasksB, store.EncodeUint32(uid), &t)
			if err != nil {
				return err
			}
			if found {
				result = append(result, &t)
			}
			if q.Limit > 0 && len(result) >= q.Limit {
				break
			}
		}
		return nil
	})
	return result, err
}

func (r *Registry) resolveQuery(tx store.Tx, q Query) (*bitmap.Bitmap, error) {
	if len(q.UIDs) > 0 {
		return bitmap.FromSlice(q.UIDs), nil
	}

	var sets []*bitmap.Bitmap
	for _, s := range q.Statuses {
		sets = append(sets, loadBitmap(tx.Table(tableByStatus), []byte(s.String())))
	}
	var byStatus *bitmap.Bitmap
	if len(sets) > 0 {
		byStatus = bitmap.Union(sets...)
	}

	sets = sets[:0]
	for _, k := range q.Kinds {
		sets = append(sets, loadBitmap(tx.Table(tableByKind), []byte(k.String())))
	}
	var byKind *bitmap.Bitmap
	if len(sets) > 0 {
		byKind = bitmap.Union(sets...)
	}

	sets = sets[:0]
	for _, idx := range q.IndexUIDs {
		sets = append(sets, loadBitmap(tx.Table(tableByIndex), []byte(idx)))
	}
	var byIndex *bitmap.Bitmap
	if len(sets) > 0 {
		byIndex = bitmap.Union(sets...)
	}

	var dims []*bitmap.Bitmap
	for _, d := range []*bitmap.Bitmap{byStatus, byKind, byIndex} {
		if d != nil {
			dims = append(dims, d)
		}
	}
	if len(dims) == 0 {
		return r.allTaskIDs(tx), nil
	}
	return bitmap.Intersection(dims...), nil
}

func (r *Registry) allTaskIDs(tx store.Tx) *bitmap.Bitmap {
	result := bitmap.New()
	cur := tx.Table(tableAllTasks).Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		result.Add(store.DecodeUint32(k))
	}
	return result
}

func loadBitmap(b store.Bucket, key []byte) *bitmap.Bitmap {
	bm := bitmap.New()
	if raw := b.Get(key); raw != nil {
		_ = bm.UnmarshalBinary(raw)
	}
	return bm
}

// Delete removes tasks in any terminal status. Fails with
// cannot-delete-non-terminal if any referenced task is enqueued or
// processing.
func (r *Registry) Delete(ids []uint32) (int64, error) {
	var deleted int64
	err := r.env.Update(func(tx store.RwTx) error {
		tasksB, err := tx.CreateTableIfNotExists(tableAllTasks)
		if err != nil {
			return err
		}
		loaded := make([]*Task, 0, len(ids))
		for _, id := range ids {
			var t Task
			found, err := store.GetJSON(tasksB, store.EncodeUint32(id), &t)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if !t.Status.IsTerminal() {
				return sifterr.Conflict("cannot-delete-non-terminal", fmt.Sprintf("task %d is not in a terminal status", id))
			}
			loaded = append(loaded, &t)
		}
		for _, t := range loaded {
			if err := r.indexRemove(tx, t); err != nil {
				return err
			}
			if err := tasksB.Delete(store.EncodeUint32(t.UID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (r *Registry) indexRemove(tx store.RwTx, task *Task) error {
	if err := removeFromBitmapIndex(tx, tableByStatus, []byte(task.Status.String()), task.UID); err != nil {
		return err
	}
	if err := removeFromBitmapIndex(tx, tableByKind, []byte(task.Kind.String()), task.UID); err != nil {
		return err
	}
	if task.IndexUID != nil {
		if err := removeFromBitmapIndex(tx, tableByIndex, []byte(*task.IndexUID), task.UID); err != nil {
			return err
		}
	}
	if task.CanceledBy != nil {
		if err := removeFromBitmapIndex(tx, tableByCanceler, store.EncodeUint32(*task.CanceledBy), task.UID); err != nil {
			return err
		}
	}
	if err := removeFromBitmapIndex(tx, tableEnqueuedAt, dayKey(task.EnqueuedAt), task.UID); err != nil {
		return err
	}
	if task.StartedAt != nil {
		if err := removeFromBitmapIndex(tx, tableStartedAt, dayKey(*task.StartedAt), task.UID); err != nil {
			return err
		}
	}
	if task.FinishedAt != nil {
		if err := removeFromBitmapIndex(tx, tableFinishedAt, dayKey(*task.FinishedAt), task.UID); err != nil {
			return err
		}
	}
	return nil
}

// Transition atomically moves task uid from its current status to
// newStatus, updating the status index, timestamps and (for terminal
// statuses) the finished-at index in one write transaction. Callers
// (typically the executor) supply the mutation closure to set
// Details/Error/CanceledBy alongside the status change.
func (r *Registry) Transition(uid uint32, newStatus Status, mutate func(*Task)) error {
	return r.env.Update(func(tx store.RwTx) error {
		tasksB, err := tx.CreateTableIfNotExists(tableAllTasks)
		if err != nil {
			return err
		}
		var t Task
		found, err := store.GetJSON(tasksB, store.EncodeUint32(uid), &t)
		if err != nil {
			return err
		}
		if !found {
			return sifterr.NotFound("task_not_found", fmt.Sprintf("task %d not found", uid))
		}

		if err := r.indexRemove(tx, &t); err != nil {
			return err
		}

		now := time.Now().UTC()
		switch {
		case newStatus == StatusProcessing && t.StartedAt == nil:
			t.StartedAt = &now
		case newStatus.IsTerminal() && t.FinishedAt == nil:
			t.FinishedAt = &now
		}
		t.Status = newStatus
		if mutate != nil {
			mutate(&t)
		}

		if err := r.indexInsert(tx, &t); err != nil {
			return err
		}
		if newStatus.IsTerminal() {
			metrics.TasksFinishedTotal.WithLabelValues(t.Kind.String(), newStatus.String()).Inc()
			metrics.TasksEnqueuedGauge.Dec()
		}
		return store.PutJSON(tasksB, store.EncodeUint32(uid), &t)
	})
}

// PutBatch persists or updates a batch record.
func (r *Registry) PutBatch(b *Batch) error {
	return r.env.Update(func(tx store.RwTx) error {
		tbl, err := tx.CreateTableIfNotExists(tableAllBatches)
		if err != nil {
			return err
		}
		return store.PutJSON(tbl, store.EncodeUint32(b.UID), b)
	})
}

// NextBatchID allocates and persists the next monotone batch id.
func (r *Registry) NextBatchID() (uint32, error) {
	var id uint32
	err := r.env.Update(func(tx store.RwTx) error {
		var err error
		id, err = nextCounter(tx, counterBatchUID)
		return err
	})
	return id, err
}

// ResolveIndex looks up the uuid bound to indexUID, or ("", false) if unbound.
func (r *Registry) ResolveIndex(indexUID string) (string, bool, error) {
	var uuidStr string
	var found bool
	err := r.env.View(func(tx store.Tx) error {
		raw := tx.Table(tableIndexMap).Get([]byte(indexUID))
		if raw != nil {
			uuidStr = string(raw)
			found = true
		}
		return nil
	})
	return uuidStr, found, err
}

// BindIndex creates a fresh uuid for indexUID and persists the mapping.
func (r *Registry) BindIndex(indexUID string) (string, error) {
	id := uuid.NewString()
	err := r.env.Update(func(tx store.RwTx) error {
		b, err := tx.CreateTableIfNotExists(tableIndexMap)
		if err != nil {
			return err
		}
		if b.Get([]byte(indexUID)) != nil {
			return sifterr.Conflict("index_already_exists", fmt.Sprintf("index %q already exists", indexUID))
		}
		return b.Put([]byte(indexUID), []byte(id))
	})
	if err != nil {
		return "", err
	}
	metrics.IndexesTotal.Inc()
	return id, nil
}

// SetIndexMapping binds indexUID directly to an existing uuid, used when
// renaming an index uid without touching its underlying environment.
func (r *Registry) SetIndexMapping(indexUID, uuidStr string) error {
	return r.env.Update(func(tx store.RwTx) error {
		b, err := tx.CreateTableIfNotExists(tableIndexMap)
		if err != nil {
			return err
		}
		return b.Put([]byte(indexUID), []byte(uuidStr))
	})
}

// UnbindIndex removes the index_uid -> uuid mapping.
func (r *Registry) UnbindIndex(indexUID string) error {
	err := r.env.Update(func(tx store.RwTx) error {
		b, err := tx.CreateTableIfNotExists(tableIndexMap)
		if err != nil {
			return err
		}
		return b.Delete([]byte(indexUID))
	})
	if err == nil {
		metrics.IndexesTotal.Dec()
	}
	return err
}

// SwapIndexes renames the two index_uid entries in one write transaction
// without touching the underlying uuids or data: a pure pointer swap.
func (r *Registry) SwapIndexes(lhs, rhs string) error {
	return r.env.Update(func(tx store.RwTx) error {
		b, err := tx.CreateTableIfNotExists(tableIndexMap)
		if err != nil {
			return err
		}
		lhsUUID := b.Get([]byte(lhs))
		rhsUUID := b.Get([]byte(rhs))
		if lhsUUID == nil || rhsUUID == nil {
			return sifterr.NotFound("index_not_found", "both sides of an index swap must already exist")
		}
		if err := b.Put([]byte(lhs), rhsUUID); err != nil {
			return err
		}
		return b.Put([]byte(rhs), lhsUUID)
	})
}
