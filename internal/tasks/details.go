package tasks

import json "github.com/goccy/go-json"

// MergeMethod selects how a documentAdditionOrUpdate task combines with
// an existing document sharing the same external id.
type MergeMethod uint8

const (
	MethodReplace MergeMethod = iota
	MethodUpdate
)

// DocumentAdditionOrUpdateDetails is the Details payload for
// KindDocumentAdditionOrUpdate.
type DocumentAdditionOrUpdateDetails struct {
	IndexUID           string      `json:"index_uid"`
	PrimaryKey         *string     `json:"primary_key,omitempty"`
	Method             MergeMethod `json:"method"`
	ContentUUID        string      `json:"content_uuid"`
	DocumentsCount     int64       `json:"documents_count"`
	AllowIndexCreation bool        `json:"allow_index_creation"`

	ReceivedDocuments int64 `json:"received_documents,omitempty"`
	IndexedDocuments  int64 `json:"indexed_documents,omitempty"`
}

// DocumentDeletionDetails is the Details payload for KindDocumentDeletion.
type DocumentDeletionDetails struct {
	IndexUID      string   `json:"index_uid"`
	DocumentIDs   []string `json:"documents_ids"`
	ProvidedIDs   int64    `json:"provided_ids,omitempty"`
	DeletedDocuments int64 `json:"deleted_documents,omitempty"`
}

// DocumentDeletionByFilterDetails is the Details payload for
// KindDocumentDeletionByFilter.
type DocumentDeletionByFilterDetails struct {
	IndexUID        string `json:"index_uid"`
	Filter          string `json:"filter"`
	DeletedDocuments int64 `json:"deleted_documents,omitempty"`
}

// DocumentEditionDetails is the Details payload for KindDocumentEdition.
type DocumentEditionDetails struct {
	IndexUID     string  `json:"index_uid"`
	Filter       *string `json:"filter,omitempty"`
	Context      *string `json:"context,omitempty"`
	Function     string  `json:"function"`
	EditedDocuments int64 `json:"edited_documents,omitempty"`
}

// DocumentClearDetails is the Details payload for KindDocumentClear.
type DocumentClearDetails struct {
	IndexUID       string `json:"index_uid"`
	DeletedDocuments int64 `json:"deleted_documents,omitempty"`
}

// SettingsUpdateDetails is the Details payload for KindSettingsUpdate.
type SettingsUpdateDetails struct {
	IndexUID    string          `json:"index_uid"`
	NewSettings json.RawMessage `json:"new_settings"`
	IsDeletion  bool            `json:"is_deletion"`
}

// IndexCreationDetails is the Details payload for KindIndexCreation.
type IndexCreationDetails struct {
	IndexUID   string  `json:"index_uid"`
	PrimaryKey *string `json:"primary_key,omitempty"`
}

// IndexUpdateDetails is the Details payload for KindIndexUpdate.
type IndexUpdateDetails struct {
	IndexUID    string  `json:"index_uid"`
	PrimaryKey  *string `json:"primary_key,omitempty"`
	NewIndexUID *string `json:"new_index_uid,omitempty"`
}

// IndexDeletionDetails is the Details payload for KindIndexDeletion.
type IndexDeletionDetails struct {
	IndexUID       string `json:"index_uid"`
	DeletedDocuments int64 `json:"deleted_documents,omitempty"`
}

// IndexSwap is one {lhs, rhs} pair within an indexSwap task.
type IndexSwap struct {
	LHS string `json:"lhs"`
	RHS string `json:"rhs"`
}

// IndexSwapDetails is the Details payload for KindIndexSwap.
type IndexSwapDetails struct {
	Swaps []IndexSwap `json:"swaps"`
}

// IndexCompactionDetails is the Details payload for KindIndexCompaction.
type IndexCompactionDetails struct {
	IndexUID string `json:"index_uid"`
}

// TaskCancellationDetails is the Details payload for KindTaskCancellation.
type TaskCancellationDetails struct {
	Query          Query `json:"query"`
	CanceledTasks  int64 `json:"canceled_tasks,omitempty"`
}

// TaskDeletionDetails is the Details payload for KindTaskDeletion.
type TaskDeletionDetails struct {
	Query         Query `json:"query"`
	DeletedTasks  int64 `json:"deleted_tasks,omitempty"`
}

// SnapshotCreationDetails is the Details payload for KindSnapshotCreation.
type SnapshotCreationDetails struct{}

// DumpCreationDetails is the Details payload for KindDumpCreation.
type DumpCreationDetails struct {
	DumpUID string `json:"dump_uid,omitempty"`
}

// ExportDetails is the Details payload for KindExport.
type ExportDetails struct {
	IndexUIDs []string `json:"index_uids"`
	URL       string   `json:"url"`
}

// Version is a (major, minor, patch) triple.
type Version struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Patch uint32 `json:"patch"`
}

// UpgradeDatabaseDetails is the Details payload for KindUpgradeDatabase.
type UpgradeDatabaseDetails struct {
	From Version `json:"from"`
	To   Version `json:"to"`
}
