package scheduler

import (
	"testing"

	"github.com/cuemby/sift/internal/autobatch"
	"github.com/cuemby/sift/internal/indexreg"
	"github.com/cuemby/sift/internal/tasks"
	"github.com/cuemby/sift/internal/updatefile"
)

func newTestScheduler(t *testing.T) (*Scheduler, *tasks.Registry, *indexreg.Registry) {
	t.Helper()
	tr, err := tasks.Open(t.TempDir(), func() {})
	if err != nil {
		t.Fatalf("tasks.Open() error: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	ir := indexreg.New(t.TempDir(), tr)
	files, err := updatefile.Open(t.TempDir())
	if err != nil {
		t.Fatalf("updatefile.Open() error: %v", err)
	}

	s := New(tr, ir, files, nil, Config{}, nil)
	return s, tr, ir
}

func TestCreateNextBatchEmptyQueueReturnsNil(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	plan, err := s.CreateNextBatch()
	if err != nil {
		t.Fatalf("CreateNextBatch() error: %v", err)
	}
	if plan != nil {
		t.Fatalf("CreateNextBatch() on an empty queue = %+v, want nil", plan)
	}
}

func TestCreateNextBatchPrioritizesCancellationOverEverything(t *testing.T) {
	s, tr, ir := newTestScheduler(t)
	if _, err := ir.Create("movies", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	uid := "movies"
	if _, err := tr.Register(tasks.KindDocumentClear, nil, nil, &uid, false); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	cancel, err := tr.Register(tasks.KindTaskCancellation, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan, err := s.CreateNextBatch()
	if err != nil {
		t.Fatalf("CreateNextBatch() error: %v", err)
	}
	if plan == nil || plan.AdminKind != tasks.KindTaskCancellation || len(plan.TaskIDs) != 1 || plan.TaskIDs[0] != cancel.UID {
		t.Fatalf("CreateNextBatch() = %+v, want a lone cancellation plan for task %d", plan, cancel.UID)
	}
}

func TestCreateNextBatchPicksLatestCancellation(t *testing.T) {
	s, tr, _ := newTestScheduler(t)
	if _, err := tr.Register(tasks.KindTaskCancellation, nil, nil, nil, false); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	second, err := tr.Register(tasks.KindTaskCancellation, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan, err := s.CreateNextBatch()
	if err != nil {
		t.Fatalf("CreateNextBatch() error: %v", err)
	}
	if plan == nil || plan.TaskIDs[0] != second.UID {
		t.Fatalf("CreateNextBatch() = %+v, want latest cancellation task %d", plan, second.UID)
	}
}

func TestCreateNextBatchGroupsUpgradesTogether(t *testing.T) {
	s, tr, _ := newTestScheduler(t)
	a, err := tr.Register(tasks.KindUpgradeDatabase, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	b, err := tr.Register(tasks.KindUpgradeDatabase, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan, err := s.CreateNextBatch()
	if err != nil {
		t.Fatalf("CreateNextBatch() error: %v", err)
	}
	if plan == nil || plan.AdminKind != tasks.KindUpgradeDatabase || len(plan.TaskIDs) != 2 {
		t.Fatalf("CreateNextBatch() = %+v, want both upgrade tasks batched together", plan)
	}
	if plan.TaskIDs[0] != a.UID || plan.TaskIDs[1] != b.UID {
		t.Fatalf("CreateNextBatch() TaskIDs = %v, want [%d %d]", plan.TaskIDs, a.UID, b.UID)
	}
}

func TestCreateNextBatchReconsidersFailedUpgrade(t *testing.T) {
	s, tr, _ := newTestScheduler(t)
	failed, err := tr.Register(tasks.KindUpgradeDatabase, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	priorBatchUID := uint32(42)
	if err := tr.Transition(failed.UID, tasks.StatusFailed, func(t *tasks.Task) {
		t.BatchUID = &priorBatchUID
	}); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	plan, err := s.CreateNextBatch()
	if err != nil {
		t.Fatalf("CreateNextBatch() error: %v", err)
	}
	if plan == nil || plan.AdminKind != tasks.KindUpgradeDatabase || len(plan.TaskIDs) != 1 || plan.TaskIDs[0] != failed.UID {
		t.Fatalf("CreateNextBatch() = %+v, want the failed upgrade task reconsidered", plan)
	}
	if plan.BatchUID != priorBatchUID {
		t.Fatalf("CreateNextBatch() BatchUID = %d, want reused %d", plan.BatchUID, priorBatchUID)
	}
}

func TestCreateNextBatchRefusesWhenVersionMismatched(t *testing.T) {
	tr, err := tasks.Open(t.TempDir(), func() {})
	if err != nil {
		t.Fatalf("tasks.Open() error: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	ir := indexreg.New(t.TempDir(), tr)
	files, err := updatefile.Open(t.TempDir())
	if err != nil {
		t.Fatalf("updatefile.Open() error: %v", err)
	}
	s := New(tr, ir, files, nil, Config{}, func() bool { return true })

	if _, err := tr.Register(tasks.KindDocumentClear, nil, nil, nil, false); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	_, err = s.CreateNextBatch()
	if err != ErrVersionMismatch {
		t.Fatalf("CreateNextBatch() error = %v, want ErrVersionMismatch", err)
	}
}

func TestCreateNextBatchAutobatchesDocumentTasksOnSameIndex(t *testing.T) {
	s, tr, ir := newTestScheduler(t)
	if _, err := ir.Create("movies", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	uid := "movies"
	a, err := tr.Register(tasks.KindDocumentClear, nil, nil, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	b, err := tr.Register(tasks.KindDocumentClear, nil, nil, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan, err := s.CreateNextBatch()
	if err != nil {
		t.Fatalf("CreateNextBatch() error: %v", err)
	}
	if plan == nil || plan.Kind != autobatch.BatchKindDocumentClear {
		t.Fatalf("CreateNextBatch() = %+v, want a clear autobatch", plan)
	}
	if len(plan.TaskIDs) != 2 || plan.TaskIDs[0] != a.UID || plan.TaskIDs[1] != b.UID {
		t.Fatalf("CreateNextBatch() TaskIDs = %v, want [%d %d]", plan.TaskIDs, a.UID, b.UID)
	}
	if plan.IndexUID != "movies" {
		t.Fatalf("CreateNextBatch() IndexUID = %q, want movies", plan.IndexUID)
	}
}

func TestCreateNextBatchIndexSwapRunsAlone(t *testing.T) {
	s, tr, _ := newTestScheduler(t)
	swap, err := tr.Register(tasks.KindIndexSwap, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan, err := s.CreateNextBatch()
	if err != nil {
		t.Fatalf("CreateNextBatch() error: %v", err)
	}
	if plan == nil || plan.AdminKind != tasks.KindIndexSwap || len(plan.TaskIDs) != 1 || plan.TaskIDs[0] != swap.UID {
		t.Fatalf("CreateNextBatch() = %+v, want a lone index-swap plan", plan)
	}
}
