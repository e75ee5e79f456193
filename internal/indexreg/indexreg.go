// Package indexreg manages the lifecycle of per-index store environments:
// opening/closing the bbolt environment under <db_root>/indexes/<uuid>,
// and the in-memory IndexHandle metadata (primary key, timestamps, the
// compacting flag) layered over the uid<->uuid mapping owned by
// internal/tasks.Registry.
package indexreg

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/sift/internal/sifterr"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/internal/tasks"
)

// IndexHandle describes one open index: its identity, schema-lite
// metadata, and underlying storage environment.
type IndexHandle struct {
	UID        string
	UUID       string
	PrimaryKey *string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Compacting is set for the duration of an indexCompaction task. The
	// executor does not read it: other batches on this index are not
	// refused while it is true.
	Compacting bool

	Env *store.Env
}

// Registry tracks open IndexHandles and mediates creation/deletion against
// the task registry's uid<->uuid mapping.
type Registry struct {
	dbRoot string
	tasks  *tasks.Registry

	mu      sync.RWMutex
	handles map[string]*IndexHandle // index_uid -> handle
}

// New creates an index registry rooted at dbRoot, backed by the given
// task registry for uid<->uuid resolution.
func New(dbRoot string, taskRegistry *tasks.Registry) *Registry {
	return &Registry{dbRoot: dbRoot, tasks: taskRegistry, handles: make(map[string]*IndexHandle)}
}

func (r *Registry) envPath(uuidStr string) string {
	return filepath.Join(r.dbRoot, "indexes", uuidStr, "index.db")
}

// Create registers a new index uid (failing with index_already_exists if
// taken), opens its storage environment, and returns the handle.
func (r *Registry) Create(indexUID string, primaryKey *string) (*IndexHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[indexUID]; ok {
		return nil, sifterr.Conflict("index_already_exists", fmt.Sprintf("index %q already exists", indexUID))
	}

	uuidStr, err := r.tasks.BindIndex(indexUID)
	if err != nil {
		return nil, err
	}
	env, err := store.Open(r.envPath(uuidStr), indexUID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	h := &IndexHandle{
		UID:        indexUID,
		UUID:       uuidStr,
		PrimaryKey: primaryKey,
		CreatedAt:  now,
		UpdatedAt:  now,
		Env:        env,
	}
	r.handles[indexUID] = h
	return h, nil
}

// Get returns the open handle for indexUID, opening its environment from
// the persisted uid<->uuid mapping if it is not already open.
func (r *Registry) Get(indexUID string) (*IndexHandle, error) {
	r.mu.RLock()
	h, ok := r.handles[indexUID]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[indexUID]; ok {
		return h, nil
	}

	uuidStr, found, err := r.tasks.ResolveIndex(indexUID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, sifterr.NotFound("index_not_found", fmt.Sprintf("index %q not found", indexUID))
	}
	env, err := store.Open(r.envPath(uuidStr), indexUID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	handle := &IndexHandle{UID: indexUID, UUID: uuidStr, CreatedAt: now, UpdatedAt: now, Env: env}
	r.handles[indexUID] = handle
	return handle, nil
}

// Exists reports whether indexUID is bound, without opening its environment.
func (r *Registry) Exists(indexUID string) bool {
	r.mu.RLock()
	_, ok := r.handles[indexUID]
	r.mu.RUnlock()
	if ok {
		return true
	}
	_, found, _ := r.tasks.ResolveIndex(indexUID)
	return found
}

// Rename updates an index's uid in place, keeping its uuid and underlying
// environment untouched (used by indexUpdate's new_index_uid field).
func (r *Registry) Rename(oldUID, newUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[oldUID]
	if !ok {
		return sifterr.NotFound("index_not_found", fmt.Sprintf("index %q not found", oldUID))
	}
	if _, taken := r.handles[newUID]; taken {
		return sifterr.Conflict("index_already_exists", fmt.Sprintf("index %q already exists", newUID))
	}
	if _, found, _ := r.tasks.ResolveIndex(newUID); found {
		return sifterr.Conflict("index_already_exists", fmt.Sprintf("index %q already exists", newUID))
	}
	if err := r.tasks.SetIndexMapping(newUID, h.UUID); err != nil {
		return err
	}
	if err := r.tasks.UnbindIndex(oldUID); err != nil {
		return err
	}
	h.UID = newUID
	h.UpdatedAt = time.Now().UTC()
	delete(r.handles, oldUID)
	r.handles[newUID] = h
	return nil
}

// Swap performs a pure index_uid<->index_uid pointer swap, leaving both
// environments and uuids untouched.
func (r *Registry) Swap(lhs, rhs string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.tasks.SwapIndexes(lhs, rhs); err != nil {
		return err
	}
	lhsHandle, lhsOK := r.handles[lhs]
	rhsHandle, rhsOK := r.handles[rhs]
	if lhsOK {
		lhsHandle.UID = rhs
	}
	if rhsOK {
		rhsHandle.UID = lhs
	}
	if lhsOK {
		r.handles[rhs] = lhsHandle
	}
	if rhsOK {
		r.handles[lhs] = rhsHandle
	} else {
		delete(r.handles, rhs)
	}
	if !lhsOK {
		delete(r.handles, lhs)
	}
	return nil
}

// Delete closes and unbinds indexUID. The caller is responsible for
// actually removing the environment's files from disk once no read
// transaction can still reference it.
func (r *Registry) Delete(indexUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[indexUID]
	if ok {
		h.Env.Close()
		delete(r.handles, indexUID)
	}
	return r.tasks.UnbindIndex(indexUID)
}

// SetCompacting flags or clears the compaction-in-progress bit.
func (r *Registry) SetCompacting(indexUID string, compacting bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[indexUID]; ok {
		h.Compacting = compacting
	}
}

// List returns the uids of all currently open indexes.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for uid := range r.handles {
		out = append(out, uid)
	}
	return out
}

// CloseAll closes every open index environment, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		h.Env.Close()
	}
	r.handles = make(map[string]*IndexHandle)
}
