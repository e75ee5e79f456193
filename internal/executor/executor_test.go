package executor

import (
	"context"
	"testing"

	"github.com/cuemby/sift/internal/autobatch"
	"github.com/cuemby/sift/internal/indexengine"
	"github.com/cuemby/sift/internal/indexreg"
	"github.com/cuemby/sift/internal/scheduler"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/internal/tasks"
	"github.com/cuemby/sift/internal/updatefile"
)

type testHarness struct {
	exec    *Executor
	tasks   *tasks.Registry
	indexes *indexreg.Registry
	files   *updatefile.Store
}

func newHarness(t *testing.T) *testHarness {
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

	return &testHarness{exec: New(tr, ir, files), tasks: tr, indexes: ir, files: files}
}

func (h *testHarness) writeContent(t *testing.T, ndjson string) string {
	t.Helper()
	id, f, err := h.files.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := f.WriteString(ndjson); err != nil {
		t.Fatalf("writing content: %v", err)
	}
	if err := h.files.Persist(f); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}
	return id
}

func TestExecuteIndexCreation(t *testing.T) {
	h := newHarness(t)
	uid := "movies"
	task, err := h.tasks.Register(tasks.KindIndexCreation, tasks.IndexCreationDetails{IndexUID: uid}, nil, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindIndexCreation, TaskIDs: []uint32{task.UID}}
	if err := h.exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	got, err := h.tasks.Get(task.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != tasks.StatusSucceeded {
		t.Fatalf("task status = %v, want succeeded: %+v", got.Status, got.Error)
	}
	if !h.indexes.Exists("movies") {
		t.Fatal("index should exist after indexCreation task")
	}
}

func TestExecuteDocumentAdditionSoloTask(t *testing.T) {
	h := newHarness(t)
	pk := "id"
	if _, err := h.indexes.Create("movies", &pk); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	contentID := h.writeContent(t, `{"id":"1","title":"red shoes"}`+"\n"+`{"id":"2","title":"blue hat"}`+"\n")
	uid := "movies"
	details := tasks.DocumentAdditionOrUpdateDetails{
		IndexUID:    "movies",
		Method:      tasks.MethodReplace,
		ContentUUID: contentID,
	}
	task, err := h.tasks.Register(tasks.KindDocumentAdditionOrUpdate, details, &contentID, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindDocumentAdditionOrUpdate, TaskIDs: []uint32{task.UID}, IndexUID: "movies"}
	if err := h.exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	got, err := h.tasks.Get(task.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != tasks.StatusSucceeded {
		t.Fatalf("task status = %v, want succeeded: %+v", got.Status, got.Error)
	}

	handle, err := h.indexes.Get("movies")
	if err != nil {
		t.Fatalf("Get(movies) error: %v", err)
	}
	err = handle.Env.View(func(tx store.Tx) error {
		if _, ok := indexengine.ResolveExternalID(tx, "1"); !ok {
			t.Fatal("document 1 was not indexed")
		}
		if _, ok := indexengine.ResolveExternalID(tx, "2"); !ok {
			t.Fatal("document 2 was not indexed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
}

func TestExecuteDocumentAdditionMissingIndexFailsWithoutCreation(t *testing.T) {
	h := newHarness(t)
	contentID := h.writeContent(t, `{"id":"1"}`+"\n")
	uid := "ghost"
	details := tasks.DocumentAdditionOrUpdateDetails{IndexUID: "ghost", ContentUUID: contentID, AllowIndexCreation: false}
	task, err := h.tasks.Register(tasks.KindDocumentAdditionOrUpdate, details, &contentID, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindDocumentAdditionOrUpdate, TaskIDs: []uint32{task.UID}, IndexUID: "ghost"}
	if err := h.exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	got, err := h.tasks.Get(task.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != tasks.StatusFailed {
		t.Fatalf("task status = %v, want failed", got.Status)
	}
}

func TestExecuteSettingsUpdate(t *testing.T) {
	h := newHarness(t)
	if _, err := h.indexes.Create("movies", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	settingsJSON, err := store.EncodeValue(indexengine.Settings{
		SearchableAttributes: indexengine.Tri[[]string]{State: indexengine.TriSet, Value: []string{"title"}},
	})
	if err != nil {
		t.Fatalf("EncodeValue() error: %v", err)
	}
	uid := "movies"
	task, err := h.tasks.Register(tasks.KindSettingsUpdate, tasks.SettingsUpdateDetails{IndexUID: "movies", NewSettings: settingsJSON}, nil, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindSettingsUpdate, TaskIDs: []uint32{task.UID}, IndexUID: "movies"}
	if err := h.exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	got, err := h.tasks.Get(task.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != tasks.StatusSucceeded {
		t.Fatalf("task status = %v, want succeeded: %+v", got.Status, got.Error)
	}

	handle, err := h.indexes.Get("movies")
	if err != nil {
		t.Fatalf("Get(movies) error: %v", err)
	}
	var persisted indexengine.Settings
	err = handle.Env.View(func(tx store.Tx) error {
		var err error
		persisted, err = indexengine.LoadSettings(tx)
		return err
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
	if len(persisted.SearchableAttributes.Value) != 1 || persisted.SearchableAttributes.Value[0] != "title" {
		t.Fatalf("persisted settings = %+v, want SearchableAttributes=[title]", persisted)
	}
}

func TestExecuteAutobatchedDocumentClear(t *testing.T) {
	h := newHarness(t)
	pk := "id"
	if _, err := h.indexes.Create("movies", &pk); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	contentID := h.writeContent(t, `{"id":"1"}`+"\n")
	indexUID := "movies"
	addTask, err := h.tasks.Register(tasks.KindDocumentAdditionOrUpdate,
		tasks.DocumentAdditionOrUpdateDetails{IndexUID: indexUID, ContentUUID: contentID}, &contentID, &indexUID, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	addPlan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindDocumentAdditionOrUpdate, TaskIDs: []uint32{addTask.UID}, IndexUID: indexUID}
	if err := h.exec.Execute(context.Background(), addPlan); err != nil {
		t.Fatalf("Execute(add) error: %v", err)
	}

	clearTask, err := h.tasks.Register(tasks.KindDocumentClear, tasks.DocumentClearDetails{IndexUID: indexUID}, nil, &indexUID, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	clearPlan := &scheduler.Plan{BatchUID: 2, Kind: autobatch.BatchKindDocumentClear, TaskIDs: []uint32{clearTask.UID}, IndexUID: indexUID}
	if err := h.exec.Execute(context.Background(), clearPlan); err != nil {
		t.Fatalf("Execute(clear) error: %v", err)
	}

	got, err := h.tasks.Get(clearTask.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != tasks.StatusSucceeded {
		t.Fatalf("clear task status = %v, want succeeded: %+v", got.Status, got.Error)
	}

	handle, err := h.indexes.Get("movies")
	if err != nil {
		t.Fatalf("Get(movies) error: %v", err)
	}
	err = handle.Env.View(func(tx store.Tx) error {
		if all := indexengine.AllDocumentIDs(tx); all.Len() != 0 {
			t.Fatalf("documents remain after clear: %v", all.ToArray())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
}

func TestExecuteIndexDeletion(t *testing.T) {
	h := newHarness(t)
	if _, err := h.indexes.Create("movies", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	uid := "movies"
	task, err := h.tasks.Register(tasks.KindIndexDeletion, tasks.IndexDeletionDetails{IndexUID: "movies"}, nil, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	plan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindIndexDeletion, TaskIDs: []uint32{task.UID}}
	if err := h.exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	got, err := h.tasks.Get(task.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != tasks.StatusSucceeded {
		t.Fatalf("task status = %v, want succeeded: %+v", got.Status, got.Error)
	}
	if h.indexes.Exists("movies") {
		t.Fatal("index should not exist after deletion")
	}
}

func TestRequestStopCancelsRemainingTasks(t *testing.T) {
	h := newHarness(t)
	uid := "movies"
	if _, err := h.indexes.Create("movies", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	a, err := h.tasks.Register(tasks.KindIndexCompaction, tasks.IndexCompactionDetails{IndexUID: "movies"}, nil, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	b, err := h.tasks.Register(tasks.KindIndexCompaction, tasks.IndexCompactionDetails{IndexUID: "movies"}, nil, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	h.exec.RequestStop()

	plan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindIndexCompaction, TaskIDs: []uint32{a.UID, b.UID}}
	if err := h.exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	gotA, err := h.tasks.Get(a.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if gotA.Status != tasks.StatusCanceled {
		t.Fatalf("task status = %v, want canceled once stop was requested", gotA.Status)
	}
}
