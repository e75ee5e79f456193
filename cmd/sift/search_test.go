package main

import (
	"context"
	"testing"

	"github.com/cuemby/sift/internal/indexengine"
	"github.com/cuemby/sift/internal/scheduler"
	"github.com/cuemby/sift/internal/tasks"
)

func TestSearchCmdRunsAgainstIndexedDocuments(t *testing.T) {
	withCFG(t)

	e, err := openEngine(cfg, false)
	if err != nil {
		t.Fatalf("openEngine() error: %v", err)
	}
	pk := "id"
	if _, err := e.indexes.Create("movies", &pk); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	applySettingsUpdate(t, e, "movies", indexengine.Settings{
		SearchableAttributes: indexengine.Tri[[]string]{State: indexengine.TriSet, Value: []string{"title"}},
	})

	contentID, f, err := e.files.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := f.WriteString(`{"id":"1","title":"red shoes"}` + "\n" + `{"id":"2","title":"blue hat"}` + "\n"); err != nil {
		t.Fatalf("write content: %v", err)
	}
	if err := e.files.Persist(f); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}
	uid := "movies"
	addTask, err := e.tasks.Register(tasks.KindDocumentAdditionOrUpdate,
		tasks.DocumentAdditionOrUpdateDetails{IndexUID: uid, Method: tasks.MethodReplace, ContentUUID: contentID}, &contentID, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	plan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindDocumentAdditionOrUpdate, TaskIDs: []uint32{addTask.UID}, IndexUID: uid}
	if err := e.exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	e.Close()

	if err := searchCmd.RunE(searchCmd, []string{"movies", "red"}); err != nil {
		t.Fatalf("search RunE() error: %v", err)
	}
}
