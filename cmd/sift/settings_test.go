package main

import (
	"context"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/cuemby/sift/internal/indexengine"
	"github.com/cuemby/sift/internal/scheduler"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/internal/tasks"
)

func applySettingsUpdate(t *testing.T, e *engine, uid string, settings indexengine.Settings) {
	t.Helper()
	raw, err := store.EncodeValue(settings)
	if err != nil {
		t.Fatalf("EncodeValue() error: %v", err)
	}
	task, err := e.tasks.Register(tasks.KindSettingsUpdate, tasks.SettingsUpdateDetails{IndexUID: uid, NewSettings: raw}, nil, &uid, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	plan := &scheduler.Plan{BatchUID: 1, AdminKind: tasks.KindSettingsUpdate, TaskIDs: []uint32{task.UID}, IndexUID: uid}
	if err := e.exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
}

func TestSettingsGetPrintsCurrentSettings(t *testing.T) {
	withCFG(t)

	e, err := openEngine(cfg, false)
	if err != nil {
		t.Fatalf("openEngine() error: %v", err)
	}
	if _, err := e.indexes.Create("movies", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	applySettingsUpdate(t, e, "movies", indexengine.Settings{
		SearchableAttributes: indexengine.Tri[[]string]{State: indexengine.TriSet, Value: []string{"title"}},
	})
	e.Close()

	if err := settingsGetCmd.RunE(settingsGetCmd, []string{"movies"}); err != nil {
		t.Fatalf("settings get RunE() error: %v", err)
	}
}

func TestSettingsResetEnqueuesTask(t *testing.T) {
	withCFG(t)

	e, err := openEngine(cfg, false)
	if err != nil {
		t.Fatalf("openEngine() error: %v", err)
	}
	if _, err := e.indexes.Create("movies", nil); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	e.Close()

	if err := settingsResetCmd.RunE(settingsResetCmd, []string{"movies"}); err != nil {
		t.Fatalf("settings reset RunE() error: %v", err)
	}

	e2, err := openEngine(cfg, false)
	if err != nil {
		t.Fatalf("openEngine() error: %v", err)
	}
	defer e2.Close()
	list, err := e2.tasks.List(tasks.Query{Kinds: []tasks.Kind{tasks.KindSettingsUpdate}})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() = %+v, want one settingsUpdate reset task", list)
	}
	var details tasks.SettingsUpdateDetails
	if err := json.Unmarshal(list[0].Details, &details); err != nil {
		t.Fatalf("Unmarshal(Details) error: %v", err)
	}
	if !details.IsDeletion {
		t.Fatalf("details = %+v, want IsDeletion=true", details)
	}
}
