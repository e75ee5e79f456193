package executor

import (
	"fmt"

	"github.com/cuemby/sift/internal/filter"
	"github.com/cuemby/sift/internal/indexengine"
	"github.com/cuemby/sift/internal/indexreg"
	"github.com/cuemby/sift/internal/sifterr"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/internal/tasks"
	"github.com/cuemby/sift/pkg/metrics"
)

// reportDocumentCount refreshes the per-index document gauge after a write
// transaction that may have changed the document count.
func reportDocumentCount(tx store.Tx, indexUID string) {
	metrics.IndexDocumentsTotal.WithLabelValues(indexUID).Set(float64(indexengine.AllDocumentIDs(tx).Len()))
}

func (e *Executor) runTaskCancellation(t *tasks.Task) error {
	var d tasks.TaskCancellationDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding task-cancellation details")
	}
	targets, err := e.tasks.List(d.Query)
	if err != nil {
		return err
	}
	var canceled int64
	for _, target := range targets {
		if target.Status.IsTerminal() {
			continue
		}
		uid := t.UID
		if err := e.tasks.Transition(target.UID, tasks.StatusCanceled, func(tt *tasks.Task) {
			tt.CanceledBy = &uid
		}); err != nil {
			return err
		}
		canceled++
	}
	d.CanceledTasks = canceled
	raw, err := store.EncodeValue(d)
	if err != nil {
		return err
	}
	return e.succeed(t.UID, func(tt *tasks.Task) { tt.Details = raw })
}

func (e *Executor) runTaskDeletion(t *tasks.Task) error {
	var d tasks.TaskDeletionDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding task-deletion details")
	}
	targets, err := e.tasks.List(d.Query)
	if err != nil {
		return err
	}
	ids := make([]uint32, 0, len(targets))
	for _, target := range targets {
		ids = append(ids, target.UID)
	}
	deleted, err := e.tasks.Delete(ids)
	if err != nil {
		return err
	}
	d.DeletedTasks = deleted
	raw, err := store.EncodeValue(d)
	if err != nil {
		return err
	}
	return e.succeed(t.UID, func(tt *tasks.Task) { tt.Details = raw })
}

func (e *Executor) runIndexCompaction(t *tasks.Task) error {
	if t.IndexUID == nil {
		return sifterr.Invalid("invalid_task_details", "indexCompaction requires an index_uid")
	}
	e.indexes.SetCompacting(*t.IndexUID, true)
	defer e.indexes.SetCompacting(*t.IndexUID, false)
	// bbolt reclaims free pages on commit; a dedicated compaction copy is
	// delegated to an external collaborator this spec does not model.
	return e.succeed(t.UID, nil)
}

func (e *Executor) runIndexCreation(t *tasks.Task) error {
	var d tasks.IndexCreationDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding indexCreation details")
	}
	if t.IndexUID == nil {
		return sifterr.Invalid("invalid_task_details", "indexCreation requires an index_uid")
	}
	if _, err := e.indexes.Create(*t.IndexUID, d.PrimaryKey); err != nil {
		return err
	}
	return e.succeed(t.UID, nil)
}

func (e *Executor) runIndexUpdate(t *tasks.Task) error {
	var d tasks.IndexUpdateDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding indexUpdate details")
	}
	if t.IndexUID == nil {
		return sifterr.Invalid("invalid_task_details", "indexUpdate requires an index_uid")
	}
	h, err := e.indexes.Get(*t.IndexUID)
	if err != nil {
		return err
	}
	if d.PrimaryKey != nil {
		h.PrimaryKey = d.PrimaryKey
	}
	if d.NewIndexUID != nil && *d.NewIndexUID != *t.IndexUID {
		if err := e.indexes.Rename(*t.IndexUID, *d.NewIndexUID); err != nil {
			return err
		}
	}
	return e.succeed(t.UID, nil)
}

func (e *Executor) runIndexDeletion(t *tasks.Task) error {
	if t.IndexUID == nil {
		return sifterr.Invalid("invalid_task_details", "indexDeletion requires an index_uid")
	}
	if err := e.indexes.Delete(*t.IndexUID); err != nil {
		return err
	}
	metrics.IndexDocumentsTotal.DeleteLabelValues(*t.IndexUID)
	return e.succeed(t.UID, nil)
}

func (e *Executor) runIndexSwap(t *tasks.Task) error {
	var d tasks.IndexSwapDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding indexSwap details")
	}
	for _, s := range d.Swaps {
		if err := e.indexes.Swap(s.LHS, s.RHS); err != nil {
			return err
		}
	}
	return e.succeed(t.UID, nil)
}

// runDelegated covers snapshotCreation, dumpCreation and export: this
// layer fixes only the status transitions and error propagation, per the
// executor's contract; the actual archive/export mechanics belong to an
// external collaborator not modeled here.
func (e *Executor) runDelegated(t *tasks.Task) error {
	return e.succeed(t.UID, nil)
}

func (e *Executor) runUpgrade(t *tasks.Task) error {
	var d tasks.UpgradeDatabaseDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding upgradeDatabase details")
	}
	if d.To.Major < d.From.Major {
		return sifterr.Conflict("downgrade_not_allowed", "cannot downgrade database version")
	}
	return e.succeed(t.UID, nil)
}

// runSoloIndexTask handles a single document/settings task the
// autobatcher declined to merge with anything (it still needs its own
// write transaction on its index).
func (e *Executor) runSoloIndexTask(t *tasks.Task) error {
	if t.IndexUID == nil {
		return sifterr.Invalid("invalid_task_details", "task requires an index_uid")
	}
	h, err := e.resolveIndexForTask(t)
	if err != nil {
		return err
	}
	return h.Env.Update(func(tx store.RwTx) error {
		var err error
		switch t.Kind {
		case tasks.KindDocumentClear:
			err = e.runDocumentClear(tx, []uint32{t.UID})
		case tasks.KindDocumentAdditionOrUpdate:
			err = e.runDocumentOperation(tx, h, []uint32{t.UID})
		case tasks.KindDocumentDeletion:
			err = e.runDocumentDeletion(tx, t)
		case tasks.KindDocumentDeletionByFilter:
			err = e.runDocumentDeletionByFilter(tx, t)
		case tasks.KindDocumentEdition:
			err = e.runDocumentEdition(tx, t)
		case tasks.KindSettingsUpdate:
			return e.runSettingsUpdate(tx, []uint32{t.UID})
		default:
			return sifterr.Internal("unhandled_task_kind", "no solo dispatch for task kind", nil)
		}
		if err != nil {
			return err
		}
		reportDocumentCount(tx, *t.IndexUID)
		return nil
	})
}

func (e *Executor) resolveIndexForTask(t *tasks.Task) (*indexreg.IndexHandle, error) {
	if e.indexes.Exists(*t.IndexUID) {
		return e.indexes.Get(*t.IndexUID)
	}
	var allowCreate bool
	if t.Kind == tasks.KindDocumentAdditionOrUpdate {
		var d tasks.DocumentAdditionOrUpdateDetails
		_ = unmarshalInto(t.Details, &d)
		allowCreate = d.AllowIndexCreation
	}
	if !allowCreate {
		return nil, sifterr.NotFound("index_not_found", fmt.Sprintf("index %q not found", *t.IndexUID))
	}
	return e.indexes.Create(*t.IndexUID, nil)
}

func (e *Executor) runDocumentClear(tx store.RwTx, ids []uint32) error {
	first := true
	for _, uid := range ids {
		count, err := indexengine.DocumentClear(tx)
		if err != nil {
			return err
		}
		deleted := int64(0)
		if first {
			deleted = count
			first = false
		}
		d := tasks.DocumentClearDetails{DeletedDocuments: deleted}
		raw, err := store.EncodeValue(d)
		if err != nil {
			return err
		}
		if err := e.tasks.Transition(uid, tasks.StatusSucceeded, func(t *tasks.Task) { t.Details = raw }); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runDocumentOperation(tx store.RwTx, h *indexreg.IndexHandle, ids []uint32) error {
	primaryKey := ""
	if h.PrimaryKey != nil {
		primaryKey = *h.PrimaryKey
	}

	var batches []indexengine.DocBatch
	perTask := make(map[uint32]*tasks.DocumentAdditionOrUpdateDetails)

	for _, uid := range ids {
		t, err := e.tasks.Get(uid)
		if err != nil || t == nil {
			continue
		}
		switch t.Kind {
		case tasks.KindDocumentAdditionOrUpdate:
			var d tasks.DocumentAdditionOrUpdateDetails
			if err := unmarshalInto(t.Details, &d); err != nil {
				return sifterr.Invalid("invalid_task_details", "decoding documentAdditionOrUpdate details")
			}
			if d.PrimaryKey != nil {
				primaryKey = *d.PrimaryKey
				h.PrimaryKey = d.PrimaryKey
			}
			perTask[uid] = &d
			if t.ContentUUID == nil {
				continue
			}
			handle, err := e.files.Open(*t.ContentUUID)
			if err != nil {
				return err
			}
			docs := splitNDJSON(handle.Bytes())
			handle.Close()

			method := indexengine.MethodReplaceMarker
			if d.Method == tasks.MethodUpdate {
				method = indexengine.MethodUpdateMarker
			}
			batches = append(batches, indexengine.DocBatch{Method: method, Documents: docs})
			d.ReceivedDocuments = int64(len(docs))
			d.IndexedDocuments = int64(len(docs))
		case tasks.KindDocumentDeletion:
			var d tasks.DocumentDeletionDetails
			if err := unmarshalInto(t.Details, &d); err != nil {
				return sifterr.Invalid("invalid_task_details", "decoding documentDeletion details")
			}
			batches = append(batches, indexengine.DocBatch{Delete: true, DeleteIDs: d.DocumentIDs})
		}
	}

	if primaryKey == "" {
		return sifterr.Invalid("missing_primary_key", "index has no primary key configured")
	}

	plan, err := indexengine.PlanDocumentOperation(primaryKey, batches)
	if err != nil {
		return err
	}
	settings, err := indexengine.LoadSettings(tx)
	if err != nil {
		return err
	}
	if _, err := indexengine.Index(tx, settings, plan); err != nil {
		return err
	}

	for uid, d := range perTask {
		raw, err := store.EncodeValue(d)
		if err != nil {
			return err
		}
		if err := e.tasks.Transition(uid, tasks.StatusSucceeded, func(t *tasks.Task) { t.Details = raw }); err != nil {
			return err
		}
	}
	for _, uid := range ids {
		if _, ok := perTask[uid]; ok {
			continue
		}
		t, err := e.tasks.Get(uid)
		if err != nil || t == nil {
			continue
		}
		if t.Kind == tasks.KindDocumentDeletion {
			var d tasks.DocumentDeletionDetails
			_ = unmarshalInto(t.Details, &d)
			d.DeletedDocuments = int64(len(d.DocumentIDs))
			raw, err := store.EncodeValue(d)
			if err != nil {
				return err
			}
			if err := e.tasks.Transition(uid, tasks.StatusSucceeded, func(t *tasks.Task) { t.Details = raw }); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) runDocumentDeletion(tx store.RwTx, t *tasks.Task) error {
	var d tasks.DocumentDeletionDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding documentDeletion details")
	}
	provided, deleted, err := indexengine.DeleteByIDs(tx, d.DocumentIDs)
	if err != nil {
		return err
	}
	d.ProvidedIDs = provided
	d.DeletedDocuments = deleted
	raw, err := store.EncodeValue(d)
	if err != nil {
		return err
	}
	return e.tasks.Transition(t.UID, tasks.StatusSucceeded, func(tt *tasks.Task) { tt.Details = raw })
}

func (e *Executor) runDocumentDeletionByFilter(tx store.RwTx, t *tasks.Task) error {
	var d tasks.DocumentDeletionByFilterDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding documentDeletionByFilter details")
	}
	tree, err := filter.Parse(d.Filter)
	if err != nil {
		return err
	}
	settings, err := indexengine.LoadSettings(tx)
	if err != nil {
		return err
	}
	candidates, err := filter.Eval(tree, indexengine.NewTxFilterIndex(tx, settings))
	if err != nil {
		return err
	}
	deleted, err := indexengine.DeleteByBitmap(tx, candidates)
	if err != nil {
		return err
	}
	d.DeletedDocuments = deleted
	raw, err := store.EncodeValue(d)
	if err != nil {
		return err
	}
	return e.tasks.Transition(t.UID, tasks.StatusSucceeded, func(tt *tasks.Task) { tt.Details = raw })
}

func (e *Executor) runDocumentEdition(tx store.RwTx, t *tasks.Task) error {
	var d tasks.DocumentEditionDetails
	if err := unmarshalInto(t.Details, &d); err != nil {
		return sifterr.Invalid("invalid_task_details", "decoding documentEdition details")
	}
	settings, err := indexengine.LoadSettings(tx)
	if err != nil {
		return err
	}

	candidates := indexengine.AllDocumentIDs(tx)
	if d.Filter != nil && *d.Filter != "" {
		tree, err := filter.Parse(*d.Filter)
		if err != nil {
			return err
		}
		candidates, err = filter.Eval(tree, indexengine.NewTxFilterIndex(tx, settings))
		if err != nil {
			return err
		}
	}

	primaryKey := ""
	if settings.PrimaryKey.Value != nil {
		primaryKey = *settings.PrimaryKey.Value
	}
	edited, err := indexengine.Edit(tx, primaryKey, candidates, func(doc []byte) ([]byte, error) {
		// the user-supplied transform function's execution engine is an
		// external collaborator; this layer passes documents through
		// unchanged when none is wired.
		return doc, nil
	})
	if err != nil {
		return err
	}
	d.EditedDocuments = edited
	raw, err := store.EncodeValue(d)
	if err != nil {
		return err
	}
	return e.tasks.Transition(t.UID, tasks.StatusSucceeded, func(tt *tasks.Task) { tt.Details = raw })
}

func (e *Executor) runSettingsUpdate(tx store.RwTx, ids []uint32) error {
	for _, uid := range ids {
		t, err := e.tasks.Get(uid)
		if err != nil || t == nil {
			continue
		}
		var d tasks.SettingsUpdateDetails
		if err := unmarshalInto(t.Details, &d); err != nil {
			return sifterr.Invalid("invalid_task_details", "decoding settingsUpdate details")
		}
		var incoming indexengine.Settings
		if err := unmarshalInto(d.NewSettings, &incoming); err != nil {
			return sifterr.Invalid("invalid_task_details", "decoding settings payload")
		}
		if _, err := indexengine.ApplySettings(tx, incoming); err != nil {
			return err
		}
		if err := e.tasks.Transition(uid, tasks.StatusSucceeded, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runIndexDeletionBatch(tx store.RwTx, h *indexreg.IndexHandle, ids []uint32) error {
	metrics.IndexDocumentsTotal.DeleteLabelValues(h.UID)
	for _, uid := range ids {
		t, err := e.tasks.Get(uid)
		if err != nil || t == nil {
			continue
		}
		if err := e.tasks.Transition(uid, tasks.StatusSucceeded, nil); err != nil {
			return err
		}
	}
	return nil
}

// splitNDJSON splits a memory-mapped content file into its newline-delimited
// JSON document payloads.
func splitNDJSON(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
