// Package tasks defines the task and batch domain types and the
// persistent, queryable registry that backs the scheduler.
package tasks

import (
	"time"

	json "github.com/goccy/go-json"
)

// Kind is the tagged-variant discriminant for a task. Each Kind has a
// corresponding payload type decoded from Task.Details.
type Kind uint8

const (
	KindDocumentAdditionOrUpdate Kind = iota
	KindDocumentDeletion
	KindDocumentDeletionByFilter
	KindDocumentEdition
	KindDocumentClear
	KindSettingsUpdate
	KindIndexCreation
	KindIndexUpdate
	KindIndexDeletion
	KindIndexSwap
	KindIndexCompaction
	KindTaskCancellation
	KindTaskDeletion
	KindSnapshotCreation
	KindDumpCreation
	KindExport
	KindUpgradeDatabase
)

func (k Kind) String() string {
	switch k {
	case KindDocumentAdditionOrUpdate:
		return "documentAdditionOrUpdate"
	case KindDocumentDeletion:
		return "documentDeletion"
	case KindDocumentDeletionByFilter:
		return "documentDeletionByFilter"
	case KindDocumentEdition:
		return "documentEdition"
	case KindDocumentClear:
		return "documentClear"
	case KindSettingsUpdate:
		return "settingsUpdate"
	case KindIndexCreation:
		return "indexCreation"
	case KindIndexUpdate:
		return "indexUpdate"
	case KindIndexDeletion:
		return "indexDeletion"
	case KindIndexSwap:
		return "indexSwap"
	case KindIndexCompaction:
		return "indexCompaction"
	case KindTaskCancellation:
		return "taskCancellation"
	case KindTaskDeletion:
		return "taskDeletion"
	case KindSnapshotCreation:
		return "snapshotCreation"
	case KindDumpCreation:
		return "dumpCreation"
	case KindExport:
		return "export"
	case KindUpgradeDatabase:
		return "upgradeDatabase"
	default:
		return "unknown"
	}
}

// Status is a task's lifecycle state. Transitions form the DAG:
// Enqueued -> Processing -> {Succeeded, Failed, Canceled}; Canceled may
// also be reached directly from Enqueued.
type Status uint8

const (
	StatusEnqueued Status = iota
	StatusProcessing
	StatusSucceeded
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusEnqueued:
		return "enqueued"
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is one of {Succeeded, Failed, Canceled}.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// TaskError is the user-visible failure payload: {code, type, message, link}.
type TaskError struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
}

// Task is a unit of work, a Go discriminated union realized as a struct
// with a Kind discriminant and a raw Details payload decoded per-kind.
type Task struct {
	UID         uint32          `json:"uid"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Details     json.RawMessage `json:"details,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	BatchUID    *uint32         `json:"batch_uid,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	ContentUUID *string         `json:"content_uuid,omitempty"`
	IndexUID    *string         `json:"index_uid,omitempty"`
	CanceledBy  *uint32         `json:"canceled_by,omitempty"`

	// ProgressTrace is a bounded ring of progress step names pushed by the
	// index operation engine while the task is processing.
	ProgressTrace []string `json:"progress_trace,omitempty"`
}

const maxProgressTrace = 32

// PushProgress appends a step name to the bounded progress ring, dropping
// the oldest entry once the ring is full.
func (t *Task) PushProgress(step string) {
	t.ProgressTrace = append(t.ProgressTrace, step)
	if len(t.ProgressTrace) > maxProgressTrace {
		t.ProgressTrace = t.ProgressTrace[len(t.ProgressTrace)-maxProgressTrace:]
	}
}

// StopReason records why a batch creator stopped accumulating tasks into
// a batch. Beyond the bare string enum, TaskID/TaskKind are populated for
// the per-task diagnostic variants (a conflict or an incompatible kind)
// so batch listings can name the offending task; they stay nil for the
// exhausted-the-run variants, which name no single task.
type StopReason struct {
	Code     string  `json:"code"`
	TaskID   *uint32 `json:"task_id,omitempty"`
	TaskKind *Kind   `json:"task_kind,omitempty"`
}

const (
	StopExhaustedEnqueued         = "exhausted-enqueued"
	StopExhaustedForIndex         = "exhausted-for-index"
	StopReachedTaskLimit          = "reached-task-limit"
	StopReachedSizeLimit          = "reached-size-limit"
	StopTaskCannotBeBatched       = "task-cannot-be-batched"
	StopTaskKindCannotBeBatched   = "task-kind-cannot-be-batched"
	StopPrimaryKeyConflict        = "primary-key-conflict"
	StopMergeMethodConflict       = "merge-method-conflict"
)

// BatchStats accumulates per-status and per-kind task counts observed
// while executing a batch.
type BatchStats struct {
	TotalTasks  int            `json:"total_tasks"`
	TotalErrors int            `json:"total_errors"`
	ByStatus    map[string]int `json:"status"`
	ByKind      map[string]int `json:"kind"`
}

// Batch groups tasks executed atomically per index.
type Batch struct {
	UID        uint32      `json:"uid"`
	TaskUIDs   []uint32    `json:"task_uids"` // serialized form of the roaring bitmap of task ids
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	StopReason StopReason  `json:"stop_reason"`
	Stats      BatchStats  `json:"stats"`
}

// Duration returns the batch's wall-clock processing time, or zero if it
// has not finished.
func (b *Batch) Duration() time.Duration {
	if b.FinishedAt == nil {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// Query selects tasks by any combination of the registry's secondary
// index dimensions; zero-value fields are wildcards. Used by
// taskCancellation/taskDeletion embedded queries and by List.
type Query struct {
	UIDs      []uint32
	Statuses  []Status
	Kinds     []Kind
	IndexUIDs []string
	Limit     int
}
