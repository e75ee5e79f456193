package tasks

import "testing"

func openTestRegistry(t *testing.T) (*Registry, *int) {
	t.Helper()
	wakes := 0
	r, err := Open(t.TempDir(), func() { wakes++ })
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, &wakes
}

func TestRegisterAssignsIncrementingUIDs(t *testing.T) {
	r, wakes := openTestRegistry(t)

	t1, err := r.Register(KindDocumentClear, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	t2, err := r.Register(KindDocumentClear, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if t2.UID != t1.UID+1 {
		t.Fatalf("UIDs = %d, %d, want consecutive", t1.UID, t2.UID)
	}
	if t1.Status != StatusEnqueued {
		t.Fatalf("Status = %v, want StatusEnqueued", t1.Status)
	}
	if *wakes != 2 {
		t.Fatalf("wake callback fired %d times, want 2", *wakes)
	}
}

func TestRegisterDryRunDoesNotPersist(t *testing.T) {
	r, wakes := openTestRegistry(t)

	task, err := r.Register(KindDocumentClear, nil, nil, nil, true)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if task.UID != 0 {
		t.Fatalf("dry-run task UID = %d, want 0 (never persisted)", task.UID)
	}
	if *wakes != 0 {
		t.Fatal("dry-run must not wake the scheduler")
	}

	got, err := r.Get(task.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Fatal("dry-run task should not be retrievable")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	r, _ := openTestRegistry(t)
	got, err := r.Get(999)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Fatal("Get() for a missing uid should return nil")
	}
}

func TestTransitionUpdatesStatusAndTimestamps(t *testing.T) {
	r, _ := openTestRegistry(t)
	task, err := r.Register(KindDocumentClear, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if err := r.Transition(task.UID, StatusProcessing, nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	got, err := r.Get(task.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != StatusProcessing || got.StartedAt == nil {
		t.Fatalf("got = %+v, want processing with StartedAt set", got)
	}

	if err := r.Transition(task.UID, StatusSucceeded, nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	got, err = r.Get(task.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != StatusSucceeded || got.FinishedAt == nil {
		t.Fatalf("got = %+v, want succeeded with FinishedAt set", got)
	}
}

func TestTransitionMissingTaskFails(t *testing.T) {
	r, _ := openTestRegistry(t)
	if err := r.Transition(42, StatusSucceeded, nil); err == nil {
		t.Fatal("Transition() on a missing task should fail")
	}
}

func TestListFiltersByStatusAndKind(t *testing.T) {
	r, _ := openTestRegistry(t)
	a, _ := r.Register(KindDocumentClear, nil, nil, nil, false)
	b, _ := r.Register(KindSettingsUpdate, nil, nil, nil, false)
	if err := r.Transition(a.UID, StatusSucceeded, nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	succeeded, err := r.List(Query{Statuses: []Status{StatusSucceeded}})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].UID != a.UID {
		t.Fatalf("List(succeeded) = %v, want only task %d", succeeded, a.UID)
	}

	byKind, err := r.List(Query{Kinds: []Kind{KindSettingsUpdate}})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(byKind) != 1 || byKind[0].UID != b.UID {
		t.Fatalf("List(kind=settingsUpdate) = %v, want only task %d", byKind, b.UID)
	}
}

func TestListRespectsLimit(t *testing.T) {
	r, _ := openTestRegistry(t)
	for i := 0; i < 5; i++ {
		if _, err := r.Register(KindDocumentClear, nil, nil, nil, false); err != nil {
			t.Fatalf("Register() error: %v", err)
		}
	}
	got, err := r.List(Query{Limit: 2})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d tasks, want 2", len(got))
	}
}

func TestDeleteRemovesTasks(t *testing.T) {
	r, _ := openTestRegistry(t)
	a, _ := r.Register(KindDocumentClear, nil, nil, nil, false)
	if err := r.Transition(a.UID, StatusSucceeded, nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	n, err := r.Delete([]uint32{a.UID})
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Delete() = %d, want 1", n)
	}
	got, err := r.Get(a.UID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Fatal("task should be gone after Delete")
	}
}

func TestBindResolveUnbindIndex(t *testing.T) {
	r, _ := openTestRegistry(t)

	uuidStr, err := r.BindIndex("movies")
	if err != nil {
		t.Fatalf("BindIndex() error: %v", err)
	}
	if uuidStr == "" {
		t.Fatal("BindIndex() returned an empty uuid")
	}

	got, found, err := r.ResolveIndex("movies")
	if err != nil {
		t.Fatalf("ResolveIndex() error: %v", err)
	}
	if !found || got != uuidStr {
		t.Fatalf("ResolveIndex() = (%q, %v), want (%q, true)", got, found, uuidStr)
	}

	if err := r.UnbindIndex("movies"); err != nil {
		t.Fatalf("UnbindIndex() error: %v", err)
	}
	_, found, err = r.ResolveIndex("movies")
	if err != nil {
		t.Fatalf("ResolveIndex() error: %v", err)
	}
	if found {
		t.Fatal("index should be unbound")
	}
}

func TestBindIndexRejectsDuplicateBinding(t *testing.T) {
	r, _ := openTestRegistry(t)
	if _, err := r.BindIndex("movies"); err != nil {
		t.Fatalf("BindIndex() error: %v", err)
	}
	if _, err := r.BindIndex("movies"); err == nil {
		t.Fatal("binding the same index_uid twice should fail")
	}
}

func TestSwapIndexes(t *testing.T) {
	r, _ := openTestRegistry(t)
	lhsUUID, err := r.BindIndex("movies")
	if err != nil {
		t.Fatalf("BindIndex() error: %v", err)
	}
	rhsUUID, err := r.BindIndex("movies_new")
	if err != nil {
		t.Fatalf("BindIndex() error: %v", err)
	}

	if err := r.SwapIndexes("movies", "movies_new"); err != nil {
		t.Fatalf("SwapIndexes() error: %v", err)
	}

	gotLHS, _, err := r.ResolveIndex("movies")
	if err != nil {
		t.Fatalf("ResolveIndex() error: %v", err)
	}
	gotRHS, _, err := r.ResolveIndex("movies_new")
	if err != nil {
		t.Fatalf("ResolveIndex() error: %v", err)
	}
	if gotLHS != rhsUUID || gotRHS != lhsUUID {
		t.Fatalf("after swap: movies -> %q (want %q), movies_new -> %q (want %q)", gotLHS, rhsUUID, gotRHS, lhsUUID)
	}
}
