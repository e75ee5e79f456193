// Package autobatch implements the pure state machine that merges
// consecutive compatible tasks on one index into a single batch plan.
// Autobatch never touches storage; it only classifies an ordered list of
// (task id, kind) pairs.
package autobatch

import "github.com/cuemby/sift/internal/tasks"

// BatchKind is the accumulator shape the autobatcher has committed to for
// the run it is building.
type BatchKind uint8

const (
	BatchKindNone BatchKind = iota
	BatchKindDocumentClear
	BatchKindDocumentOperation
	BatchKindClearAndSettings
	BatchKindSettings
	BatchKindIndexCreation
	BatchKindIndexDeletion
)

// TaskRef is the minimal per-task information the autobatcher needs:
// identity, kind, and (for document operations) the merge method and
// primary key it would apply.
type TaskRef struct {
	ID             uint32
	Kind           tasks.Kind
	Method         tasks.MergeMethod
	PrimaryKey     *string
	IsDeleteByFilter bool
}

// Decision is the autobatcher's output: either Kind == BatchKindNone,
// meaning the first task must run alone, or a committed Kind plus the set
// of task ids absorbed into it, an AllowIndexCreation flag, and the stop
// reason that ended accumulation (exhausted-for-index if every input task
// was consumed).
// StopTaskID/StopTaskKind name the task that triggered a per-task stop
// reason (a conflict or an incompatible kind); both are nil for the
// exhausted-the-run stop reasons, which name no single offending task.
type Decision struct {
	Kind               BatchKind
	TaskIDs            []uint32
	AllowIndexCreation bool
	StopReason         string
	StopTaskID         *uint32
	StopTaskKind       *tasks.Kind
}

// stopOnTask records a per-task stop reason against the task that
// triggered it, so callers can report which task blocked accumulation.
func (d *Decision) stopOnTask(reason string, t TaskRef) {
	d.StopReason = reason
	id := t.ID
	k := t.Kind
	d.StopTaskID = &id
	d.StopTaskKind = &k
}

func isDocumentTask(k tasks.Kind) bool {
	switch k {
	case tasks.KindDocumentAdditionOrUpdate, tasks.KindDocumentDeletion,
		tasks.KindDocumentDeletionByFilter, tasks.KindDocumentClear:
		return true
	default:
		return false
	}
}

// Autobatch runs the merge-rule state machine over an ordered run of tasks
// belonging to one index. indexAlreadyExists and currentPrimaryKey are
// precomputed facts the caller supplies (from the index registry), not
// re-derived here. Decision.AllowIndexCreation is true for an index-creation
// batch and otherwise equals indexAlreadyExists; the allow_index_creation
// flag carried by document-addition tasks is not consulted.
func Autobatch(runs []TaskRef, indexAlreadyExists bool, currentPrimaryKey *string) Decision {
	if len(runs) == 0 {
		return Decision{Kind: BatchKindNone}
	}

	first := runs[0]
	dec := Decision{AllowIndexCreation: indexAlreadyExists}

	switch first.Kind {
	case tasks.KindIndexCreation:
		// create is always alone.
		return Decision{Kind: BatchKindIndexCreation, TaskIDs: []uint32{first.ID}, AllowIndexCreation: true}

	case tasks.KindIndexDeletion:
		dec.Kind = BatchKindIndexDeletion
		dec.TaskIDs = append(dec.TaskIDs, first.ID)
		for _, next := range runs[1:] {
			if isDocumentTask(next.Kind) {
				// absorbed: they would be destroyed anyway.
				dec.TaskIDs = append(dec.TaskIDs, next.ID)
				continue
			}
			dec.stopOnTask(tasks.StopTaskKindCannotBeBatched, next)
			return dec
		}
		dec.StopReason = tasks.StopExhaustedForIndex
		return dec

	case tasks.KindDocumentClear:
		dec.Kind = BatchKindDocumentClear
		dec.TaskIDs = append(dec.TaskIDs, first.ID)
		for _, next := range runs[1:] {
			switch next.Kind {
			case tasks.KindDocumentClear, tasks.KindDocumentDeletion, tasks.KindDocumentDeletionByFilter:
				dec.TaskIDs = append(dec.TaskIDs, next.ID)
			case tasks.KindSettingsUpdate:
				dec.Kind = BatchKindClearAndSettings
				dec.TaskIDs = append(dec.TaskIDs, next.ID)
			default:
				dec.stopOnTask(tasks.StopTaskCannotBeBatched, next)
				return dec
			}
		}
		dec.StopReason = tasks.StopExhaustedForIndex
		return dec

	case tasks.KindDocumentAdditionOrUpdate, tasks.KindDocumentDeletion:
		dec.Kind = BatchKindDocumentOperation
		dec.TaskIDs = append(dec.TaskIDs, first.ID)
		method := first.Method
		pk := first.PrimaryKey
		if pk == nil {
			pk = currentPrimaryKey
		}
		for _, next := range runs[1:] {
			switch next.Kind {
			case tasks.KindDocumentAdditionOrUpdate:
				if next.Method != method {
					dec.stopOnTask(tasks.StopMergeMethodConflict, next)
					return dec
				}
				if next.PrimaryKey != nil && pk != nil && *next.PrimaryKey != *pk {
					dec.stopOnTask(tasks.StopPrimaryKeyConflict, next)
					return dec
				}
				dec.TaskIDs = append(dec.TaskIDs, next.ID)
			case tasks.KindDocumentDeletion:
				dec.TaskIDs = append(dec.TaskIDs, next.ID)
			case tasks.KindDocumentDeletionByFilter:
				dec.stopOnTask(tasks.StopTaskCannotBeBatched, next)
				return dec
			default:
				dec.stopOnTask(tasks.StopTaskCannotBeBatched, next)
				return dec
			}
		}
		dec.StopReason = tasks.StopExhaustedForIndex
		return dec

	case tasks.KindSettingsUpdate:
		dec.Kind = BatchKindSettings
		dec.TaskIDs = append(dec.TaskIDs, first.ID)
		for _, next := range runs[1:] {
			switch next.Kind {
			case tasks.KindSettingsUpdate:
				dec.TaskIDs = append(dec.TaskIDs, next.ID)
			case tasks.KindDocumentClear:
				dec.Kind = BatchKindClearAndSettings
				dec.TaskIDs = append(dec.TaskIDs, next.ID)
			default:
				dec.stopOnTask(tasks.StopTaskCannotBeBatched, next)
				return dec
			}
		}
		dec.StopReason = tasks.StopExhaustedForIndex
		return dec

	default:
		// index update/swap/compaction are not autobatchable; run alone.
		return Decision{Kind: BatchKindNone}
	}
}
