// Package executor runs one scheduler-selected batch to completion: it
// opens the write transaction(s) the batch needs, dispatches per task
// kind, and leaves every task in the batch in a terminal status.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/cuemby/sift/internal/autobatch"
	"github.com/cuemby/sift/internal/indexreg"
	"github.com/cuemby/sift/internal/scheduler"
	"github.com/cuemby/sift/internal/sifterr"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/internal/tasks"
	"github.com/cuemby/sift/internal/updatefile"
	"github.com/cuemby/sift/pkg/log"
	"github.com/cuemby/sift/pkg/metrics"
)

// Executor runs batches. The must-stop flag is set only by RequestStop; a
// task-cancellation task does not set it. executeAdmin checks the flag
// before each task and, once it is set, cancels the plan's remaining
// non-terminal tasks. Autobatched runs do not check it.
type Executor struct {
	tasks   *tasks.Registry
	indexes *indexreg.Registry
	files   *updatefile.Store

	mustStop atomic.Bool
	logger   zerolog.Logger
}

// New builds an Executor over the shared task and index registries.
func New(tr *tasks.Registry, ir *indexreg.Registry, files *updatefile.Store) *Executor {
	return &Executor{tasks: tr, indexes: ir, files: files, logger: log.WithComponent("executor")}
}

// RequestStop flips the shared must-stop flag consulted between tasks.
func (e *Executor) RequestStop() { e.mustStop.Store(true) }

// Execute runs plan, a single-task administrative plan or an autobatched
// document/settings run, and leaves every referenced task terminal.
func (e *Executor) Execute(ctx context.Context, plan *scheduler.Plan) error {
	started := time.Now()
	batch := &tasks.Batch{UID: plan.BatchUID, TaskUIDs: plan.TaskIDs, StartedAt: started}
	if plan.StopReason != "" {
		batch.StopReason = tasks.StopReason{
			Code:     plan.StopReason,
			TaskID:   plan.StopTaskID,
			TaskKind: plan.StopTaskKind,
		}
	}
	if err := e.tasks.PutBatch(batch); err != nil {
		return err
	}

	var execErr error
	if plan.Kind != autobatch.BatchKindNone {
		execErr = e.executeAutobatched(ctx, plan)
	} else {
		execErr = e.executeAdmin(ctx, plan)
	}

	finished := time.Now()
	batch.FinishedAt = &finished
	batch.Stats = e.collectStats(plan.TaskIDs)
	if err := e.tasks.PutBatch(batch); err != nil {
		return err
	}

	status := "succeeded"
	if execErr != nil || batch.Stats.TotalErrors > 0 {
		status = "failed"
	}
	metrics.BatchesProcessedTotal.WithLabelValues(status).Inc()
	metrics.BatchSize.Observe(float64(len(plan.TaskIDs)))
	metrics.BatchExecutionDuration.Observe(batch.Duration().Seconds())

	return execErr
}

func (e *Executor) collectStats(ids []uint32) tasks.BatchStats {
	stats := tasks.BatchStats{TotalTasks: len(ids), ByStatus: map[string]int{}, ByKind: map[string]int{}}
	for _, id := range ids {
		t, err := e.tasks.Get(id)
		if err != nil || t == nil {
			continue
		}
		stats.ByStatus[t.Status.String()]++
		stats.ByKind[t.Kind.String()]++
		if t.Status == tasks.StatusFailed {
			stats.TotalErrors++
		}
	}
	return stats
}

func (e *Executor) checkStop() bool {
	return e.mustStop.Load()
}

func (e *Executor) fail(uid uint32, code, msg string, cause error) error {
	taskErr := &tasks.TaskError{Code: code, Type: "internal", Message: msg}
	if cause != nil {
		taskErr.Message = fmt.Sprintf("%s: %v", msg, cause)
	}
	return e.tasks.Transition(uid, tasks.StatusFailed, func(t *tasks.Task) {
		t.Error = taskErr
	})
}

func (e *Executor) succeed(uid uint32, mutate func(*tasks.Task)) error {
	return e.tasks.Transition(uid, tasks.StatusSucceeded, mutate)
}

// executeAdmin dispatches a single non-autobatched task: cancellation,
// deletion, compaction, export, snapshot, dump, upgrade, index lifecycle
// ops, or a lone document/settings task the autobatcher declined to merge.
func (e *Executor) executeAdmin(ctx context.Context, plan *scheduler.Plan) error {
	for _, uid := range plan.TaskIDs {
		if e.checkStop() {
			return e.cancelRemaining(plan.TaskIDs)
		}
		t, err := e.tasks.Get(uid)
		if err != nil || t == nil {
			continue
		}
		if err := e.tasks.Transition(uid, tasks.StatusProcessing, nil); err != nil {
			return err
		}

		var runErr error
		switch t.Kind {
		case tasks.KindTaskCancellation:
			runErr = e.runTaskCancellation(t)
		case tasks.KindTaskDeletion:
			runErr = e.runTaskDeletion(t)
		case tasks.KindIndexCompaction:
			runErr = e.runIndexCompaction(t)
		case tasks.KindIndexCreation:
			runErr = e.runIndexCreation(t)
		case tasks.KindIndexUpdate:
			runErr = e.runIndexUpdate(t)
		case tasks.KindIndexDeletion:
			runErr = e.runIndexDeletion(t)
		case tasks.KindIndexSwap:
			runErr = e.runIndexSwap(t)
		case tasks.KindSnapshotCreation, tasks.KindDumpCreation, tasks.KindExport:
			runErr = e.runDelegated(t)
		case tasks.KindUpgradeDatabase:
			runErr = e.runUpgrade(t)
		case tasks.KindDocumentClear, tasks.KindDocumentAdditionOrUpdate, tasks.KindDocumentDeletion,
			tasks.KindDocumentDeletionByFilter, tasks.KindDocumentEdition, tasks.KindSettingsUpdate:
			runErr = e.runSoloIndexTask(t)
		default:
			runErr = sifterr.Internal("unhandled_task_kind", "no dispatch for task kind", nil)
		}

		if runErr != nil {
			if se := asSiftErr(runErr); se != nil {
				if err := e.fail(uid, se.Code, se.Message, nil); err != nil {
					return err
				}
			} else if err := e.fail(uid, "internal_error", "task execution failed", runErr); err != nil {
				return err
			}
			if isFatal(runErr) {
				return runErr
			}
		}
	}
	return nil
}

func asSiftErr(err error) *sifterr.Error {
	se, _ := err.(*sifterr.Error)
	return se
}

func isFatal(err error) bool {
	se := asSiftErr(err)
	return se != nil && se.Kind == sifterr.KindInternal
}

func (e *Executor) cancelRemaining(ids []uint32) error {
	for _, uid := range ids {
		t, err := e.tasks.Get(uid)
		if err != nil || t == nil || t.Status.IsTerminal() {
			continue
		}
		if err := e.tasks.Transition(uid, tasks.StatusCanceled, nil); err != nil {
			return err
		}
	}
	return nil
}

// executeAutobatched runs the document/settings tasks the autobatcher
// merged, sharing one write transaction on the target index for the
// whole batch.
func (e *Executor) executeAutobatched(ctx context.Context, plan *scheduler.Plan) error {
	handle, err := e.resolveOrCreateIndex(plan)
	if err != nil {
		for _, uid := range plan.TaskIDs {
			_ = e.fail(uid, "index_not_found", "target index does not exist", err)
		}
		return nil
	}

	for _, uid := range plan.TaskIDs {
		_ = e.tasks.Transition(uid, tasks.StatusProcessing, nil)
	}

	var batchErr error
	runErr := handle.Env.Update(func(tx store.RwTx) error {
		switch plan.Kind {
		case autobatch.BatchKindDocumentClear:
			if err := e.runDocumentClear(tx, plan.TaskIDs); err != nil {
				return err
			}
		case autobatch.BatchKindDocumentOperation:
			if err := e.runDocumentOperation(tx, handle, plan.TaskIDs); err != nil {
				return err
			}
		case autobatch.BatchKindSettings:
			return e.runSettingsUpdate(tx, plan.TaskIDs)
		case autobatch.BatchKindClearAndSettings:
			if err := e.runDocumentClear(tx, plan.TaskIDs); err != nil {
				return err
			}
			if err := e.runSettingsUpdate(tx, plan.TaskIDs); err != nil {
				return err
			}
		case autobatch.BatchKindIndexDeletion:
			return e.runIndexDeletionBatch(tx, handle, plan.TaskIDs)
		default:
			return nil
		}
		reportDocumentCount(tx, plan.IndexUID)
		return nil
	})
	if runErr != nil {
		batchErr = runErr
		for _, uid := range plan.TaskIDs {
			_ = e.fail(uid, "internal_error", "batch commit failed", runErr)
		}
	} else {
		for _, uid := range plan.TaskIDs {
			_ = e.succeed(uid, nil)
		}
	}
	return batchErr
}

func (e *Executor) resolveOrCreateIndex(plan *scheduler.Plan) (*indexreg.IndexHandle, error) {
	if e.indexes.Exists(plan.IndexUID) {
		return e.indexes.Get(plan.IndexUID)
	}
	if !plan.AllowIndexCreation {
		return nil, sifterr.NotFound("index_not_found", "target index does not exist and creation was not allowed")
	}
	return e.indexes.Create(plan.IndexUID, nil)
}

func unmarshalInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
