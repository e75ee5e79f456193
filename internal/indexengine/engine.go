// Package indexengine implements the six document/settings sub-operations
// that run inside one write transaction per batch: DocumentClear,
// DocumentOperation (replace/update), DocumentDeletion, DocumentEdition,
// Settings, and the combined DocumentClearAndSetting.
package indexengine

import (
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/sift/internal/bitmap"
	"github.com/cuemby/sift/internal/sifterr"
	"github.com/cuemby/sift/internal/store"
)

const (
	tableDocuments   = "documents"    // internal doc id -> document JSON
	tableExternalIDs = "external-ids" // external id -> internal doc id
	tableFieldIDs    = "field-ids"    // field name -> field id
	tablePostings    = "postings"     // word -> bitmap(doc id)
	tableFacets      = "facets"       // attr\x00value -> bitmap(doc id)
	tableSettings    = "settings"     // single key "settings" -> Settings
	tableMeta        = "meta"         // counters: next-doc-id, next-field-id
)

const maxAttributeCount = 1 << 16

// EngineTables lists every table the engine expects present in an index
// environment; callers create them once when opening an index.
var EngineTables = []string{
	tableDocuments, tableExternalIDs, tableFieldIDs, tablePostings,
	tableFacets, tableSettings, tableMeta,
}

// Stats reports per-document outcome counts for an operation, surfaced
// into the owning task's Details.
type Stats struct {
	Received int64
	Indexed  int64
	Errors   int64
}

// LoadSettings reads the current settings, defaulting if none are stored.
func LoadSettings(tx store.Tx) (Settings, error) {
	var s Settings
	found, err := store.GetJSON(tx.Table(tableSettings), []byte("settings"), &s)
	if err != nil {
		return Settings{}, err
	}
	if !found {
		return DefaultSettings(), nil
	}
	return s, nil
}

func putSettings(tx store.RwTx, s Settings) error {
	b, err := tx.CreateTableIfNotExists(tableSettings)
	if err != nil {
		return err
	}
	return store.PutJSON(b, []byte("settings"), s)
}

// ApplySettings merges incoming over the stored settings and persists the
// result, returning the diff used to decide what to reindex.
func ApplySettings(tx store.RwTx, incoming Settings) (Diff, error) {
	current, err := LoadSettings(tx)
	if err != nil {
		return Diff{}, err
	}
	merged, diff := MergeSettings(current, incoming)
	return diff, putSettings(tx, merged)
}

func nextID(tx store.RwTx, key string) (uint32, error) {
	b, err := tx.CreateTableIfNotExists(tableMeta)
	if err != nil {
		return 0, err
	}
	var next uint32
	if raw := b.Get([]byte(key)); raw != nil {
		next = store.DecodeUint32(raw) + 1
	}
	return next, b.Put([]byte(key), store.EncodeUint32(next))
}

// fieldID returns the id for name, allocating one if it is new, failing
// with attribute-limit-reached once the per-index attribute limit is hit.
func fieldID(tx store.RwTx, name string) (uint32, error) {
	b, err := tx.CreateTableIfNotExists(tableFieldIDs)
	if err != nil {
		return 0, err
	}
	if raw := b.Get([]byte(name)); raw != nil {
		return store.DecodeUint32(raw), nil
	}
	id, err := nextID(tx, "next-field-id")
	if err != nil {
		return 0, err
	}
	if id >= maxAttributeCount {
		return 0, sifterr.Invalid("attribute-limit-reached", "index has reached its attribute limit")
	}
	return id, b.Put([]byte(name), store.EncodeUint32(id))
}

// DocumentClear drops every document, returning the number removed. The
// first clear in a batch reports the real count; callers invoking it a
// second time within the same batch should report 0 themselves.
func DocumentClear(tx store.RwTx) (int64, error) {
	var count int64
	docsB := tx.Table(tableDocuments)
	cur := docsB.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		count++
	}
	for _, t := range []string{tableDocuments, tableExternalIDs, tablePostings, tableFacets} {
		if err := tx.DeleteTable(t); err != nil && !isBucketNotFound(err) {
			return count, err
		}
		if _, err := tx.CreateTableIfNotExists(t); err != nil {
			return count, err
		}
	}
	return count, nil
}

func isBucketNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "bucket not found")
}

// Tokenize lowercases and splits on runs of non-alphanumeric characters,
// the same coarse word boundary used for both indexing and query parsing.
func Tokenize(s string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}

// PlannedDocument is one external id's resolved outcome within a
// DocumentOperation batch: Delete is true for a delete-by-id merged into
// the operation; otherwise Fields holds the final document body after
// replace/update merge rules are applied in task order.
type PlannedDocument struct {
	ExternalID  string
	Fields      []byte // JSON object
	Delete      bool
	LastMethod  MergeMethodMarker
}

// MergeMethodMarker distinguishes which method last touched a planned
// document, so a later update may partial-merge over an earlier replace
// within the same batch but not vice versa.
type MergeMethodMarker uint8

const (
	MarkerNone MergeMethodMarker = iota
	MarkerReplace
	MarkerUpdate
)

// PlanDocumentOperation folds an ordered sequence of replace/update
// payloads (each a stream of JSON objects keyed implicitly by primaryKey)
// and delete-by-id requests into a per-external-id plan. Later occurrences
// win under replace; under update, fields merge over the prior occurrence
// in order, except a later update is not allowed to partial-merge over an
// earlier document produced by a later replace (method order is
// respected: once a replace establishes a document, only updates that
// follow it in task order may merge over it).
func PlanDocumentOperation(primaryKey string, batches []DocBatch) (map[string]*PlannedDocument, error) {
	plan := make(map[string]*PlannedDocument)

	for _, batch := range batches {
		if batch.Delete {
			for _, id := range batch.DeleteIDs {
				plan[id] = &PlannedDocument{ExternalID: id, Delete: true}
			}
			continue
		}
		for _, doc := range batch.Documents {
			id := gjson.GetBytes(doc, primaryKey).String()
			if id == "" {
				continue
			}
			existing, ok := plan[id]
			switch {
			case !ok || batch.Method == MethodReplaceMarker || existing.Delete:
				plan[id] = &PlannedDocument{ExternalID: id, Fields: doc, LastMethod: markerFor(batch.Method)}
			default: // update-method merges over whatever is there
				merged, err := mergeJSON(existing.Fields, doc)
				if err != nil {
					return nil, err
				}
				plan[id] = &PlannedDocument{ExternalID: id, Fields: merged, LastMethod: MarkerUpdate}
			}
		}
	}
	return plan, nil
}

// MergeMethodForBatch mirrors tasks.MergeMethod without importing the
// tasks package, keeping indexengine's document-planning logic free of a
// dependency on the task wire format.
type MergeMethodForBatch uint8

const (
	MethodReplaceMarker MergeMethodForBatch = iota
	MethodUpdateMarker
)

func markerFor(m MergeMethodForBatch) MergeMethodMarker {
	if m == MethodReplaceMarker {
		return MarkerReplace
	}
	return MarkerUpdate
}

// DocBatch is one content file's contribution to a DocumentOperation plan.
type DocBatch struct {
	Method    MergeMethodForBatch
	Documents [][]byte
	Delete    bool
	DeleteIDs []string
}

// mergeJSON applies sjson.SetRawBytes for each top-level key of update
// over base, preserving base's field order for untouched fields.
func mergeJSON(base, update []byte) ([]byte, error) {
	result := append([]byte(nil), base...)
	var outerErr error
	gjson.ParseBytes(update).ForEach(func(key, value gjson.Result) bool {
		var err error
		result, err = sjson.SetRawBytes(result, key.String(), []byte(value.Raw))
		if err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return result, outerErr
}

// Index commits a resolved document plan: writes documents, updates the
// external-id index, and rebuilds the word/facet postings touched by the
// plan. Words and facet values are extracted in the sequential pass over
// the plan; a worker pool of at most 8 goroutines then adds each document
// to the posting and facet bitmaps.
func Index(tx store.RwTx, settings Settings, plan map[string]*PlannedDocument) (Stats, error) {
	var stats Stats
	docsB, err := tx.CreateTableIfNotExists(tableDocuments)
	if err != nil {
		return stats, err
	}
	extB, err := tx.CreateTableIfNotExists(tableExternalIDs)
	if err != nil {
		return stats, err
	}

	type tokenized struct {
		docID uint32
		words []string
		facets map[string]string
	}

	var mu sync.Mutex
	var toTokenize []tokenized

	for _, pd := range plan {
		stats.Received++
		if pd.Delete {
			if raw := extB.Get([]byte(pd.ExternalID)); raw != nil {
				docID := store.DecodeUint32(raw)
				if err := docsB.Delete(store.EncodeUint32(docID)); err != nil {
					return stats, err
				}
				if err := extB.Delete([]byte(pd.ExternalID)); err != nil {
					return stats, err
				}
			}
			continue
		}

		var docID uint32
		if raw := extB.Get([]byte(pd.ExternalID)); raw != nil {
			docID = store.DecodeUint32(raw)
		} else {
			docID, err = nextID(tx, "next-doc-id")
			if err != nil {
				return stats, err
			}
			if err := extB.Put([]byte(pd.ExternalID), store.EncodeUint32(docID)); err != nil {
				return stats, err
			}
		}

		if err := docsB.Put(store.EncodeUint32(docID), pd.Fields); err != nil {
			return stats, err
		}

		mu.Lock()
		toTokenize = append(toTokenize, tokenized{docID: docID, words: extractWords(pd.Fields, settings), facets: extractFacets(pd.Fields, settings)})
		mu.Unlock()
		stats.Indexed++
	}

	postings := make(map[string]*bitmap.Bitmap)
	facetIdx := make(map[string]*bitmap.Bitmap)
	var pmu sync.Mutex

	var g errgroup.Group
	g.SetLimit(8)
	for _, tk := range toTokenize {
		tk := tk
		g.Go(func() error {
			local := make(map[string]struct{}, len(tk.words))
			for _, w := range tk.words {
				local[w] = struct{}{}
			}
			localFacets := make(map[string]struct{}, len(tk.facets))
			for attr, val := range tk.facets {
				localFacets[attr+"\x00"+val] = struct{}{}
			}
			pmu.Lock()
			for w := range local {
				bm, ok := postings[w]
				if !ok {
					bm = bitmap.New()
					postings[w] = bm
				}
				bm.Add(tk.docID)
			}
			for key := range localFacets {
				bm, ok := facetIdx[key]
				if !ok {
					bm = bitmap.New()
					facetIdx[key] = bm
				}
				bm.Add(tk.docID)
			}
			pmu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	postingsB, err := tx.CreateTableIfNotExists(tablePostings)
	if err != nil {
		return stats, err
	}
	for word, bm := range postings {
		if err := mergeBitmapInto(postingsB, []byte(word), bm); err != nil {
			return stats, err
		}
	}

	facetsB, err := tx.CreateTableIfNotExists(tableFacets)
	if err != nil {
		return stats, err
	}
	for key, bm := range facetIdx {
		if err := mergeBitmapInto(facetsB, []byte(key), bm); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func mergeBitmapInto(b store.RwBucket, key []byte, add *bitmap.Bitmap) error {
	existing := bitmap.New()
	if raw := b.Get(key); raw != nil {
		if err := existing.UnmarshalBinary(raw); err != nil {
			return err
		}
	}
	existing.Or(add)
	data, err := existing.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func extractWords(doc []byte, settings Settings) []string {
	searchable := settings.SearchableAttributes.Value
	stopWords := settings.StopWords.Value
	var words []string
	gjson.ParseBytes(doc).ForEach(func(key, value gjson.Result) bool {
		if len(searchable) > 0 && !contains(searchable, key.String()) {
			return true
		}
		if value.Type == gjson.String {
			for _, w := range Tokenize(value.String()) {
				if contains(stopWords, w) {
					continue
				}
				words = append(words, w)
			}
		}
		return true
	})
	return words
}

func extractFacets(doc []byte, settings Settings) map[string]string {
	facets := make(map[string]string)
	for _, fa := range settings.FilterableAttributes.Value {
		v := gjson.GetBytes(doc, fa.Attribute)
		if v.Exists() {
			facets[fa.Attribute] = v.String()
		}
	}
	return facets
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// DeleteByIDs resolves external ids to internal ids and removes them. Ids
// not found are silently skipped but still counted toward provided.
func DeleteByIDs(tx store.RwTx, externalIDs []string) (provided, deleted int64, err error) {
	docsB, err := tx.CreateTableIfNotExists(tableDocuments)
	if err != nil {
		return 0, 0, err
	}
	extB, err := tx.CreateTableIfNotExists(tableExternalIDs)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range externalIDs {
		provided++
		raw := extB.Get([]byte(id))
		if raw == nil {
			continue
		}
		docID := store.DecodeUint32(raw)
		if err := docsB.Delete(store.EncodeUint32(docID)); err != nil {
			return provided, deleted, err
		}
		if err := extB.Delete([]byte(id)); err != nil {
			return provided, deleted, err
		}
		deleted++
	}
	return provided, deleted, nil
}

// DeleteByBitmap removes every document whose internal id is in ids,
// used by filter-based deletion once the filter evaluator has produced a
// candidate set.
func DeleteByBitmap(tx store.RwTx, ids *bitmap.Bitmap) (int64, error) {
	docsB, err := tx.CreateTableIfNotExists(tableDocuments)
	if err != nil {
		return 0, err
	}
	var deleted int64
	it := ids.Iterator()
	for it.HasNext() {
		docID := it.Next()
		if err := docsB.Delete(store.EncodeUint32(docID)); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// EditFunction transforms a document; returning a nil slice deletes it,
// and the primary key field must not change.
type EditFunction func(doc []byte) (edited []byte, err error)

// Edit applies fn to every document whose internal id is in candidates.
func Edit(tx store.RwTx, primaryKey string, candidates *bitmap.Bitmap, fn EditFunction) (int64, error) {
	docsB, err := tx.CreateTableIfNotExists(tableDocuments)
	if err != nil {
		return 0, err
	}
	var edited int64
	it := candidates.Iterator()
	for it.HasNext() {
		docID := it.Next()
		key := store.EncodeUint32(docID)
		current := docsB.Get(key)
		if current == nil {
			continue
		}
		oldPK := gjson.GetBytes(current, primaryKey).String()
		next, err := fn(current)
		if err != nil {
			return edited, err
		}
		if next == nil {
			if err := docsB.Delete(key); err != nil {
				return edited, err
			}
			edited++
			continue
		}
		newPK := gjson.GetBytes(next, primaryKey).String()
		if newPK != oldPK {
			return edited, sifterr.Invalid("primary_key_changed", "document edition must not change the primary key")
		}
		if err := docsB.Put(key, next); err != nil {
			return edited, err
		}
		edited++
	}
	return edited, nil
}

// GetDocument loads a document by its internal id.
func GetDocument(tx store.Tx, docID uint32) ([]byte, bool) {
	raw := tx.Table(tableDocuments).Get(store.EncodeUint32(docID))
	return raw, raw != nil
}

// ResolveExternalID looks up the internal id for an external document id.
func ResolveExternalID(tx store.Tx, externalID string) (uint32, bool) {
	raw := tx.Table(tableExternalIDs).Get([]byte(externalID))
	if raw == nil {
		return 0, false
	}
	return store.DecodeUint32(raw), true
}

// PostingsFor returns the document-id bitmap for word, or an empty bitmap.
func PostingsFor(tx store.Tx, word string) *bitmap.Bitmap {
	bm := bitmap.New()
	if raw := tx.Table(tablePostings).Get([]byte(word)); raw != nil {
		_ = bm.UnmarshalBinary(raw)
	}
	return bm
}

// FacetBitmap returns the document-id bitmap for attr == value.
func FacetBitmap(tx store.Tx, attr, value string) *bitmap.Bitmap {
	bm := bitmap.New()
	if raw := tx.Table(tableFacets).Get([]byte(attr + "\x00" + value)); raw != nil {
		_ = bm.UnmarshalBinary(raw)
	}
	return bm
}

// AllDocumentIDs returns the bitmap of every currently stored document.
func AllDocumentIDs(tx store.Tx) *bitmap.Bitmap {
	bm := bitmap.New()
	cur := tx.Table(tableDocuments).Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		bm.Add(store.DecodeUint32(k))
	}
	return bm
}

// TypoMatch is one term in the index vocabulary considered a match for a
// query word, together with the edit distance that earned it.
type TypoMatch struct {
	Term     string
	Distance int
}

// ExpandTypos scans the posting vocabulary for every indexed term within
// maxDistance edits of word, always including word itself at distance 0 so
// callers never lose the exact match. maxDistance <= 0 disables expansion.
// The scan is linear in vocabulary size, acceptable at the scale a
// single-node index targets.
func ExpandTypos(tx store.Tx, word string, maxDistance int) []TypoMatch {
	if maxDistance <= 0 {
		return []TypoMatch{{Term: word, Distance: 0}}
	}
	matches := []TypoMatch{{Term: word, Distance: 0}}
	seen := map[string]bool{word: true}
	cur := tx.Table(tablePostings).Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		term := string(k)
		if seen[term] {
			continue
		}
		if d := levenshtein(word, term); d <= maxDistance {
			matches = append(matches, TypoMatch{Term: term, Distance: d})
			seen[term] = true
		}
	}
	return matches
}

// levenshtein computes the classic edit distance between two already
// lowercased words.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cur := row[j]
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			min := row[j] + 1 // deletion
			if ins := row[j-1] + 1; ins < min {
				min = ins
			}
			if sub := prev + cost; sub < min {
				min = sub
			}
			row[j] = min
			prev = cur
		}
	}
	return row[len(b)]
}

// GeoPoints scans every document for a `_geo` field shaped
// {"lat": <float>, "lng": <float>} and returns the per-document coordinate
// map consulted by _geoRadius filters and _geoPoint sorts.
func GeoPoints(tx store.Tx) map[uint32][2]float64 {
	out := make(map[uint32][2]float64)
	cur := tx.Table(tableDocuments).Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		geo := gjson.GetBytes(v, "_geo")
		if !geo.Exists() {
			continue
		}
		lat, lng := geo.Get("lat"), geo.Get("lng")
		if !lat.Exists() || !lng.Exists() {
			continue
		}
		out[store.DecodeUint32(k)] = [2]float64{lat.Float(), lng.Float()}
	}
	return out
}

// MarshalDoc is a small convenience wrapper kept alongside the engine so
// callers never reach for encoding/json directly for document bodies.
func MarshalDoc(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}
