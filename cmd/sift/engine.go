package main

import (
	"path/filepath"

	"github.com/cuemby/sift/internal/config"
	"github.com/cuemby/sift/internal/executor"
	"github.com/cuemby/sift/internal/indexreg"
	"github.com/cuemby/sift/internal/scheduler"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/internal/tasks"
	"github.com/cuemby/sift/internal/updatefile"
	"github.com/cuemby/sift/internal/version"
)

// engine bundles every component one CLI invocation needs: the task and
// index registries, the update-file store, the version guard, the
// scheduler and the executor. Every command builds the scheduler and
// executor; only `sift serve` starts the scheduler. One-shot commands
// (index create, document add, search, ...) open the same stack and close
// it again once the command returns.
type engine struct {
	cfg config.Config

	lock    *store.RootLock
	tasks   *tasks.Registry
	indexes *indexreg.Registry
	files   *updatefile.Store
	guard   *version.Guard

	sched *scheduler.Scheduler
	exec  *executor.Executor
}

// openEngine acquires the root lock and opens the task registry, index
// registry and update-file store. The scheduler is wired but not started;
// callers that only enqueue or read (every command but `serve`) never
// start it, relying on a future `sift serve` process to drain the queue.
func openEngine(cfg config.Config, autoUpgrade bool) (*engine, error) {
	lock, err := store.AcquireRootLock(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	guard, err := version.Load(cfg.DBPath, autoUpgrade)
	if err != nil {
		lock.Release()
		return nil, err
	}

	e := &engine{cfg: cfg, lock: lock, guard: guard}

	tr, err := tasks.Open(cfg.DBPath, func() {
		if e.sched != nil {
			e.sched.Wake()
		}
	})
	if err != nil {
		lock.Release()
		return nil, err
	}
	e.tasks = tr

	e.indexes = indexreg.New(cfg.DBPath, tr)

	files, err := updatefile.Open(filepath.Join(cfg.DBPath, "update_files"))
	if err != nil {
		tr.Close()
		lock.Release()
		return nil, err
	}
	e.files = files

	e.exec = executor.New(tr, e.indexes, files)
	e.sched = scheduler.New(tr, e.indexes, files, e.exec, scheduler.Config{
		TickInterval: cfg.SchedulerTickInterval,
		TaskLimit:    cfg.MaxTasksPerBatch,
		SizeLimit:    cfg.MaxBatchSizeBytes,
	}, guard.BlocksBatching)

	return e, nil
}

// Close releases every resource opened by openEngine, in reverse order.
func (e *engine) Close() {
	e.indexes.CloseAll()
	if e.tasks != nil {
		e.tasks.Close()
	}
	if e.lock != nil {
		e.lock.Release()
	}
}
