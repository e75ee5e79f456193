package indexengine

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/sift/internal/store"
)

func openTestEnv(t *testing.T) *store.Env {
	t.Helper()
	env, err := store.Open(filepath.Join(t.TempDir(), "index.db"), "test")
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func searchableSettings(attrs ...string) Settings {
	s := DefaultSettings()
	s.SearchableAttributes = Tri[[]string]{State: TriSet, Value: attrs}
	filterable := make([]FilterableAttribute, len(attrs))
	for i, a := range attrs {
		filterable[i] = FilterableAttribute{Attribute: a, Equality: true, Comparison: true}
	}
	s.FilterableAttributes = Tri[[]FilterableAttribute]{State: TriSet, Value: filterable}
	return s
}

func TestLoadSettingsDefaultsWhenUnset(t *testing.T) {
	env := openTestEnv(t)
	var got Settings
	err := env.View(func(tx store.Tx) error {
		var err error
		got, err = LoadSettings(tx)
		return err
	})
	if err != nil {
		t.Fatalf("LoadSettings() error: %v", err)
	}
	if got.Pagination.Value.MaxTotalHits != 1000 {
		t.Fatalf("LoadSettings() defaults = %+v, want MaxTotalHits=1000", got)
	}
}

func TestApplySettingsPersists(t *testing.T) {
	env := openTestEnv(t)
	incoming := Settings{SearchableAttributes: Tri[[]string]{State: TriSet, Value: []string{"title"}}}

	err := env.Update(func(tx store.RwTx) error {
		_, err := ApplySettings(tx, incoming)
		return err
	})
	if err != nil {
		t.Fatalf("ApplySettings() error: %v", err)
	}

	var got Settings
	err = env.View(func(tx store.Tx) error {
		var err error
		got, err = LoadSettings(tx)
		return err
	})
	if err != nil {
		t.Fatalf("LoadSettings() error: %v", err)
	}
	if len(got.SearchableAttributes.Value) != 1 || got.SearchableAttributes.Value[0] != "title" {
		t.Fatalf("persisted SearchableAttributes = %v, want [title]", got.SearchableAttributes.Value)
	}
}

func TestIndexAndRetrieveDocuments(t *testing.T) {
	env := openTestEnv(t)
	settings := searchableSettings("title", "color")

	plan, err := PlanDocumentOperation("id", []DocBatch{{
		Method: MethodReplaceMarker,
		Documents: [][]byte{
			[]byte(`{"id":"1","title":"red shoes","color":"red"}`),
			[]byte(`{"id":"2","title":"blue hat","color":"blue"}`),
		},
	}})
	if err != nil {
		t.Fatalf("PlanDocumentOperation() error: %v", err)
	}

	var stats Stats
	err = env.Update(func(tx store.RwTx) error {
		var err error
		stats, err = Index(tx, settings, plan)
		return err
	})
	if err != nil {
		t.Fatalf("Index() error: %v", err)
	}
	if stats.Received != 2 || stats.Indexed != 2 {
		t.Fatalf("stats = %+v, want Received=2 Indexed=2", stats)
	}

	err = env.View(func(tx store.Tx) error {
		docID, ok := ResolveExternalID(tx, "1")
		if !ok {
			t.Fatal("ResolveExternalID(1) not found")
		}
		doc, ok := GetDocument(tx, docID)
		if !ok {
			t.Fatal("GetDocument() not found")
		}
		if string(doc) != `{"id":"1","title":"red shoes","color":"red"}` {
			t.Fatalf("GetDocument() = %s", doc)
		}

		postings := PostingsFor(tx, "shoes")
		if postings.Len() != 1 || !postings.Contains(docID) {
			t.Fatalf("PostingsFor(shoes) = %v, want [%d]", postings.ToArray(), docID)
		}

		facet := FacetBitmap(tx, "color", "red")
		if facet.Len() != 1 || !facet.Contains(docID) {
			t.Fatalf("FacetBitmap(color,red) = %v, want [%d]", facet.ToArray(), docID)
		}

		all := AllDocumentIDs(tx)
		if all.Len() != 2 {
			t.Fatalf("AllDocumentIDs() len = %d, want 2", all.Len())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
}

func TestPlanDocumentOperationUpdateMergesOverReplace(t *testing.T) {
	plan, err := PlanDocumentOperation("id", []DocBatch{
		{Method: MethodReplaceMarker, Documents: [][]byte{[]byte(`{"id":"1","a":"x","b":"y"}`)}},
		{Method: MethodUpdateMarker, Documents: [][]byte{[]byte(`{"id":"1","b":"z"}`)}},
	})
	if err != nil {
		t.Fatalf("PlanDocumentOperation() error: %v", err)
	}
	pd := plan["1"]
	if pd == nil {
		t.Fatal("plan missing doc 1")
	}
	if pd.LastMethod != MarkerUpdate {
		t.Fatalf("LastMethod = %v, want MarkerUpdate", pd.LastMethod)
	}
	if got := string(pd.Fields); got != `{"id":"1","a":"x","b":"z"}` {
		t.Fatalf("merged fields = %s, want a unchanged and b overwritten", got)
	}
}

func TestPlanDocumentOperationDeleteByID(t *testing.T) {
	plan, err := PlanDocumentOperation("id", []DocBatch{
		{Delete: true, DeleteIDs: []string{"7"}},
	})
	if err != nil {
		t.Fatalf("PlanDocumentOperation() error: %v", err)
	}
	if !plan["7"].Delete {
		t.Fatal("expected plan[7] to be a delete")
	}
}

func TestDocumentClearRemovesAllAndCounts(t *testing.T) {
	env := openTestEnv(t)
	settings := searchableSettings("title")
	plan, err := PlanDocumentOperation("id", []DocBatch{{
		Method:    MethodReplaceMarker,
		Documents: [][]byte{[]byte(`{"id":"1","title":"a"}`), []byte(`{"id":"2","title":"b"}`)},
	}})
	if err != nil {
		t.Fatalf("PlanDocumentOperation() error: %v", err)
	}
	err = env.Update(func(tx store.RwTx) error {
		_, err := Index(tx, settings, plan)
		return err
	})
	if err != nil {
		t.Fatalf("Index() error: %v", err)
	}

	var cleared int64
	err = env.Update(func(tx store.RwTx) error {
		var err error
		cleared, err = DocumentClear(tx)
		return err
	})
	if err != nil {
		t.Fatalf("DocumentClear() error: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("DocumentClear() = %d, want 2", cleared)
	}

	err = env.View(func(tx store.Tx) error {
		if all := AllDocumentIDs(tx); all.Len() != 0 {
			t.Fatalf("documents remain after clear: %v", all.ToArray())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
}

func TestDeleteByIDs(t *testing.T) {
	env := openTestEnv(t)
	settings := searchableSettings("title")
	plan, err := PlanDocumentOperation("id", []DocBatch{{
		Method:    MethodReplaceMarker,
		Documents: [][]byte{[]byte(`{"id":"1","title":"a"}`)},
	}})
	if err != nil {
		t.Fatalf("PlanDocumentOperation() error: %v", err)
	}
	err = env.Update(func(tx store.RwTx) error {
		_, err := Index(tx, settings, plan)
		return err
	})
	if err != nil {
		t.Fatalf("Index() error: %v", err)
	}

	var provided, deleted int64
	err = env.Update(func(tx store.RwTx) error {
		var err error
		provided, deleted, err = DeleteByIDs(tx, []string{"1", "missing"})
		return err
	})
	if err != nil {
		t.Fatalf("DeleteByIDs() error: %v", err)
	}
	if provided != 2 || deleted != 1 {
		t.Fatalf("DeleteByIDs() = (%d, %d), want (2, 1)", provided, deleted)
	}
}

func TestEditRejectsPrimaryKeyChange(t *testing.T) {
	env := openTestEnv(t)
	settings := searchableSettings("title")
	plan, err := PlanDocumentOperation("id", []DocBatch{{
		Method:    MethodReplaceMarker,
		Documents: [][]byte{[]byte(`{"id":"1","title":"a"}`)},
	}})
	if err != nil {
		t.Fatalf("PlanDocumentOperation() error: %v", err)
	}
	err = env.Update(func(tx store.RwTx) error {
		_, err := Index(tx, settings, plan)
		return err
	})
	if err != nil {
		t.Fatalf("Index() error: %v", err)
	}

	err = env.Update(func(tx store.RwTx) error {
		candidates := AllDocumentIDs(tx)
		_, err := Edit(tx, "id", candidates, func(doc []byte) ([]byte, error) {
			return []byte(`{"id":"2","title":"a"}`), nil
		})
		return err
	})
	if err == nil {
		t.Fatal("Edit() changing the primary key should fail")
	}
}

func TestEditDeletesOnNilReturn(t *testing.T) {
	env := openTestEnv(t)
	settings := searchableSettings("title")
	plan, err := PlanDocumentOperation("id", []DocBatch{{
		Method:    MethodReplaceMarker,
		Documents: [][]byte{[]byte(`{"id":"1","title":"a"}`)},
	}})
	if err != nil {
		t.Fatalf("PlanDocumentOperation() error: %v", err)
	}
	err = env.Update(func(tx store.RwTx) error {
		_, err := Index(tx, settings, plan)
		return err
	})
	if err != nil {
		t.Fatalf("Index() error: %v", err)
	}

	err = env.Update(func(tx store.RwTx) error {
		candidates := AllDocumentIDs(tx)
		_, err := Edit(tx, "id", candidates, func(doc []byte) ([]byte, error) {
			return nil, nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("Edit() error: %v", err)
	}

	err = env.View(func(tx store.Tx) error {
		if all := AllDocumentIDs(tx); all.Len() != 0 {
			t.Fatalf("document should be deleted, got %v", all.ToArray())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
}
