package scheduler

import (
	"github.com/cuemby/sift/internal/autobatch"
	"github.com/cuemby/sift/internal/tasks"
)

// Plan is what CreateNextBatch hands to the executor: either a single
// administrative task run alone, or a set of tasks on one index destined
// for the autobatcher's chosen kind.
type Plan struct {
	BatchUID           uint32
	Kind               autobatch.BatchKind
	AdminKind          tasks.Kind // set when this plan is a single non-autobatched administrative task
	TaskIDs            []uint32
	IndexUID           string
	StopReason         string
	StopTaskID         *uint32
	StopTaskKind       *tasks.Kind
	AllowIndexCreation bool
}

// CreateNextBatch implements the fixed priority order over enqueued tasks:
// cancellations, upgrades, version check, deletions, compaction, export,
// snapshots, dumps, then the lowest enqueued task's index run through the
// autobatcher. An upgrade-database task left StatusFailed by a previous
// attempt is reconsidered alongside any freshly enqueued ones, and its
// retry reuses the batch id the failed attempt ran under.
func (s *Scheduler) CreateNextBatch() (*Plan, error) {
	enqueued, err := s.tasks.List(tasks.Query{Statuses: []tasks.Status{tasks.StatusEnqueued}})
	if err != nil {
		return nil, err
	}
	failedUpgrades, err := s.tasks.List(tasks.Query{
		Statuses: []tasks.Status{tasks.StatusFailed},
		Kinds:    []tasks.Kind{tasks.KindUpgradeDatabase},
	})
	if err != nil {
		return nil, err
	}
	if len(enqueued) == 0 && len(failedUpgrades) == 0 {
		return nil, nil
	}

	if p := lastOfKind(enqueued, tasks.KindTaskCancellation); p != nil {
		return s.singleTaskPlan(tasks.KindTaskCancellation, []uint32{p.UID})
	}

	upgrades := append(allOfKind(enqueued, tasks.KindUpgradeDatabase), failedUpgrades...)
	if len(upgrades) > 0 {
		return s.upgradePlan(upgrades)
	}

	if s.versionMismatch != nil && s.versionMismatch() {
		return nil, ErrVersionMismatch
	}

	if deletions := allOfKind(enqueued, tasks.KindTaskDeletion); len(deletions) > 0 {
		return s.adminPlan(tasks.KindTaskDeletion, uids(deletions))
	}

	if p := firstOfKind(enqueued, tasks.KindIndexCompaction); p != nil {
		return s.singleTaskPlan(tasks.KindIndexCompaction, []uint32{p.UID})
	}

	if p := firstOfKind(enqueued, tasks.KindExport); p != nil {
		return s.singleTaskPlan(tasks.KindExport, []uint32{p.UID})
	}

	if snaps := allOfKind(enqueued, tasks.KindSnapshotCreation); len(snaps) > 0 {
		return s.adminPlan(tasks.KindSnapshotCreation, uids(snaps))
	}

	if p := firstOfKind(enqueued, tasks.KindDumpCreation); p != nil {
		return s.singleTaskPlan(tasks.KindDumpCreation, []uint32{p.UID})
	}

	return s.autobatchPlan(enqueued)
}

func (s *Scheduler) singleTaskPlan(kind tasks.Kind, ids []uint32) (*Plan, error) {
	uid, err := s.tasks.NextBatchID()
	if err != nil {
		return nil, err
	}
	return &Plan{BatchUID: uid, AdminKind: kind, TaskIDs: ids}, nil
}

func (s *Scheduler) adminPlan(kind tasks.Kind, ids []uint32) (*Plan, error) {
	return s.singleTaskPlan(kind, ids)
}

// upgradePlan batches the given upgrade-database tasks. If any of them
// already carries a BatchUID from a prior failed attempt, the retry reuses
// that batch id instead of minting a fresh one, so batch history reads as
// one continued attempt rather than a new unrelated batch.
func (s *Scheduler) upgradePlan(ts []*tasks.Task) (*Plan, error) {
	if uid, ok := retryBatchUID(ts); ok {
		return &Plan{BatchUID: uid, AdminKind: tasks.KindUpgradeDatabase, TaskIDs: uids(ts)}, nil
	}
	return s.adminPlan(tasks.KindUpgradeDatabase, uids(ts))
}

// retryBatchUID reports the batch id a previous attempt at one of ts ran
// under, if any.
func retryBatchUID(ts []*tasks.Task) (uint32, bool) {
	for _, t := range ts {
		if t.BatchUID != nil {
			return *t.BatchUID, true
		}
	}
	return 0, false
}

// autobatchPlan picks the lowest enqueued task, derives its index (empty
// string for index-swap tasks, which have no single index), collects up
// to s.taskLimit subsequent enqueued tasks on the same index (stopping
// early past s.sizeLimit bytes of referenced content), and runs them
// through the autobatcher.
func (s *Scheduler) autobatchPlan(enqueued []*tasks.Task) (*Plan, error) {
	lowest := lowestUID(enqueued)
	indexUID := ""
	if lowest.IndexUID != nil {
		indexUID = *lowest.IndexUID
	}

	if indexUID == "" {
		// index-swap, or any other index-less administrative kind: runs alone.
		uid, err := s.tasks.NextBatchID()
		if err != nil {
			return nil, err
		}
		return &Plan{BatchUID: uid, AdminKind: lowest.Kind, TaskIDs: []uint32{lowest.UID}}, nil
	}

	var run []*tasks.Task
	var sizeAccum int64
	for _, t := range enqueued {
		if t.IndexUID == nil || *t.IndexUID != indexUID {
			continue
		}
		if len(run) >= s.taskLimit {
			break
		}
		if t.ContentUUID != nil {
			sizeAccum += s.contentSize(*t.ContentUUID)
			if sizeAccum > s.sizeLimit {
				break
			}
		}
		run = append(run, t)
	}

	refs := make([]autobatch.TaskRef, 0, len(run))
	for _, t := range run {
		refs = append(refs, taskRef(t))
	}

	exists := s.indexes.Exists(indexUID)
	var pk *string
	if h, err := s.indexes.Get(indexUID); err == nil {
		pk = h.PrimaryKey
	}

	decision := autobatch.Autobatch(refs, exists, pk)
	if decision.Kind == autobatch.BatchKindNone {
		uid, err := s.tasks.NextBatchID()
		if err != nil {
			return nil, err
		}
		return &Plan{BatchUID: uid, AdminKind: lowest.Kind, TaskIDs: []uint32{lowest.UID}, IndexUID: indexUID}, nil
	}

	uid, err := s.tasks.NextBatchID()
	if err != nil {
		return nil, err
	}
	return &Plan{
		BatchUID:           uid,
		Kind:               decision.Kind,
		TaskIDs:            decision.TaskIDs,
		IndexUID:           indexUID,
		StopReason:         decision.StopReason,
		StopTaskID:         decision.StopTaskID,
		StopTaskKind:       decision.StopTaskKind,
		AllowIndexCreation: decision.AllowIndexCreation,
	}, nil
}

func taskRef(t *tasks.Task) autobatch.TaskRef {
	ref := autobatch.TaskRef{ID: t.UID, Kind: t.Kind}
	if t.Kind == tasks.KindDocumentAdditionOrUpdate {
		var d tasks.DocumentAdditionOrUpdateDetails
		if err := unmarshalDetails(t.Details, &d); err == nil {
			ref.Method = d.Method
			ref.PrimaryKey = d.PrimaryKey
		}
	}
	if t.Kind == tasks.KindDocumentDeletionByFilter {
		ref.IsDeleteByFilter = true
	}
	return ref
}

func lastOfKind(ts []*tasks.Task, k tasks.Kind) *tasks.Task {
	var best *tasks.Task
	for _, t := range ts {
		if t.Kind == k && (best == nil || t.UID > best.UID) {
			best = t
		}
	}
	return best
}

func firstOfKind(ts []*tasks.Task, k tasks.Kind) *tasks.Task {
	var best *tasks.Task
	for _, t := range ts {
		if t.Kind == k && (best == nil || t.UID < best.UID) {
			best = t
		}
	}
	return best
}

func allOfKind(ts []*tasks.Task, k tasks.Kind) []*tasks.Task {
	var out []*tasks.Task
	for _, t := range ts {
		if t.Kind == k {
			out = append(out, t)
		}
	}
	return out
}

func lowestUID(ts []*tasks.Task) *tasks.Task {
	best := ts[0]
	for _, t := range ts[1:] {
		if t.UID < best.UID {
			best = t
		}
	}
	return best
}

func uids(ts []*tasks.Task) []uint32 {
	out := make([]uint32, len(ts))
	for i, t := range ts {
		out[i] = t.UID
	}
	return out
}
