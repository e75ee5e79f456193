package indexengine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/sift/internal/bitmap"
	"github.com/cuemby/sift/internal/filter"
	"github.com/cuemby/sift/internal/store"
)

// TxFilterIndex adapts a read transaction plus the current settings into
// internal/filter.Index, so the filter evaluator never has to know about
// bbolt tables directly.
type TxFilterIndex struct {
	tx       store.Tx
	settings Settings
}

// NewTxFilterIndex builds the adapter used by DocumentDeletion-by-filter,
// DocumentEdition and the search evaluator.
func NewTxFilterIndex(tx store.Tx, settings Settings) *TxFilterIndex {
	return &TxFilterIndex{tx: tx, settings: settings}
}

func (f *TxFilterIndex) Filterable(attr string) (equality, comparison bool, ok bool) {
	for _, a := range f.settings.FilterableAttributes.Value {
		if a.Attribute == attr {
			return a.Equality, a.Comparison, true
		}
	}
	return false, false, false
}

func (f *TxFilterIndex) Universe() *bitmap.Bitmap {
	return AllDocumentIDs(f.tx)
}

func (f *TxFilterIndex) Exists(attr string) *bitmap.Bitmap {
	out := bitmap.New()
	cur := f.tx.Table(tableFacets).Cursor()
	prefix := attr + "\x00"
	for k, v := cur.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = cur.Next() {
		bm := bitmap.New()
		if err := bm.UnmarshalBinary(v); err == nil {
			out.Or(bm)
		}
	}
	return out
}

func (f *TxFilterIndex) Facets(attr string) *filter.FacetValues {
	cur := f.tx.Table(tableFacets).Cursor()
	prefix := attr + "\x00"

	type entry struct {
		value string
		bm    *bitmap.Bitmap
	}
	var entries []entry
	for k, v := cur.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = cur.Next() {
		value := strings.TrimPrefix(string(k), prefix)
		bm := bitmap.New()
		_ = bm.UnmarshalBinary(v)
		entries = append(entries, entry{value: value, bm: bm})
	}
	if len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].value < entries[j].value })

	fv := &filter.FacetValues{Attribute: attr}
	for _, e := range entries {
		fv.Values = append(fv.Values, e.value)
		fv.Bitmaps = append(fv.Bitmaps, e.bm)
		n, err := strconv.ParseFloat(e.value, 64)
		if err != nil {
			n = nan()
		}
		fv.Numeric = append(fv.Numeric, n)
	}
	return fv
}

func (f *TxFilterIndex) Geo() (map[uint32][2]float64, bool) {
	points := GeoPoints(f.tx)
	if len(points) == 0 {
		return nil, false
	}
	return points, true
}

func nan() float64 {
	var zero float64
	return zero / zero
}
