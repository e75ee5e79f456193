package filter

import (
	"math"
	"sort"
	"strconv"

	"github.com/cuemby/sift/internal/bitmap"
	"github.com/cuemby/sift/internal/sifterr"
	"github.com/cuemby/sift/pkg/metrics"
)

// FacetValues is the sorted, per-attribute value index an evaluator needs
// for equality and range comparisons: a list of distinct values, sorted,
// each paired with its document-id bitmap. The sort gives the evaluator
// logarithmic descent over bounds instead of a linear scan.
type FacetValues struct {
	Attribute string
	Values    []string            // sorted ascending, string collation for strings, numeric-padded for numbers
	Numeric   []float64           // parsed numeric value per entry, NaN if non-numeric
	Bitmaps   []*bitmap.Bitmap    // Bitmaps[i] = docs whose Attribute == Values[i]
}

// Index is the read-only facet index snapshot an evaluator runs against.
type Index interface {
	// Facets returns the FacetValues for attr, or nil if attr has no
	// indexed values.
	Facets(attr string) *FacetValues
	// Filterable reports whether attr is configured filterable and, if so,
	// which features (equality, comparison) it supports.
	Filterable(attr string) (equality, comparison bool, ok bool)
	// Exists returns the bitmap of documents that have a non-null value
	// for attr.
	Exists(attr string) *bitmap.Bitmap
	// Universe returns every document currently in the index, used for
	// negation's complement.
	Universe() *bitmap.Bitmap
	// Geo returns the per-document (lat, lng) for the configured _geo
	// field, or ok=false if no _geo field is configured.
	Geo() (points map[uint32][2]float64, ok bool)
}

// Eval validates every referenced attribute against idx's filterable
// settings, then evaluates t's normalized form into a document-id bitmap.
func Eval(t *Tree, idx Index) (*bitmap.Bitmap, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FilterEvaluationDuration)

	if err := validateFilterable(t, t.Root, idx); err != nil {
		return nil, err
	}
	norm := Normalize(t)
	return evalNode(norm, norm.Root, idx)
}

// validateFilterable walks t and checks every referenced attribute against
// idx's filterable feature set, rejecting a comparison (>, >=, <, <=, a
// BETWEEN range) against an attribute configured equality-only, and any use
// of an attribute that isn't filterable at all.
func validateFilterable(t *Tree, i int, idx Index) error {
	n := t.at(i)
	switch n.Kind {
	case NodeAnd, NodeOr:
		if err := validateFilterable(t, n.Left, idx); err != nil {
			return err
		}
		return validateFilterable(t, n.Right, idx)
	case NodeNot:
		return validateFilterable(t, n.Child, idx)
	case NodeExists:
		if _, _, ok := idx.Filterable(n.Attribute); !ok {
			return sifterr.Invalid("attribute-not-filterable", "attribute "+n.Attribute+" is not filterable")
		}
	case NodeBetween:
		_, cmp, ok := idx.Filterable(n.Attribute)
		if !ok {
			return sifterr.Invalid("attribute-not-filterable", "attribute "+n.Attribute+" is not filterable")
		}
		if !cmp {
			return sifterr.Invalid("attribute-not-filterable", "attribute "+n.Attribute+" does not support range comparisons")
		}
	case NodeCondition:
		eq, cmp, ok := idx.Filterable(n.Attribute)
		if !ok {
			return sifterr.Invalid("attribute-not-filterable", "attribute "+n.Attribute+" is not filterable")
		}
		switch n.Op {
		case OpGt, OpGte, OpLt, OpLte:
			if !cmp {
				return sifterr.Invalid("attribute-not-filterable", "attribute "+n.Attribute+" does not support range comparisons")
			}
		default:
			if !eq {
				return sifterr.Invalid("attribute-not-filterable", "attribute "+n.Attribute+" does not support equality comparisons")
			}
		}
	}
	return nil
}

func evalNode(t *Tree, i int, idx Index) (*bitmap.Bitmap, error) {
	n := t.at(i)
	switch n.Kind {
	case NodeAnd:
		l, err := evalNode(t, n.Left, idx)
		if err != nil {
			return nil, err
		}
		r, err := evalNode(t, n.Right, idx)
		if err != nil {
			return nil, err
		}
		return bitmap.Intersection(l, r), nil
	case NodeOr:
		l, err := evalNode(t, n.Left, idx)
		if err != nil {
			return nil, err
		}
		r, err := evalNode(t, n.Right, idx)
		if err != nil {
			return nil, err
		}
		return bitmap.Union(l, r), nil
	case NodeNot:
		inner, err := evalNode(t, n.Child, idx)
		if err != nil {
			return nil, err
		}
		universe := idx.Universe()
		out := universe.Clone()
		out.AndNot(inner)
		return out, nil
	case NodeExists:
		ex := idx.Exists(n.Attribute)
		if n.Negated {
			out := idx.Universe().Clone()
			out.AndNot(ex)
			return out, nil
		}
		return ex, nil
	case NodeCondition:
		return evalCondition(n, idx)
	case NodeBetween:
		return evalBetween(n, idx)
	case NodeGeoRadius:
		return evalGeoRadius(n, idx)
	default:
		return bitmap.New(), nil
	}
}

func evalCondition(n Node, idx Index) (*bitmap.Bitmap, error) {
	fv := idx.Facets(n.Attribute)
	if fv == nil {
		return bitmap.New(), nil
	}
	switch n.Op {
	case OpEq:
		i := sort.SearchStrings(fv.Values, n.Value)
		if i < len(fv.Values) && fv.Values[i] == n.Value {
			return fv.Bitmaps[i].Clone(), nil
		}
		return bitmap.New(), nil
	case OpNeq:
		matched, _ := evalCondition(Node{Kind: NodeCondition, Attribute: n.Attribute, Op: OpEq, Value: n.Value}, idx)
		out := idx.Universe().Clone()
		out.AndNot(matched)
		return out, nil
	case OpGt, OpGte, OpLt, OpLte:
		return rangeBitmap(fv, n.Op, n.Value, n.Value, n.Op == OpGte || n.Op == OpLte, false), nil
	default:
		return bitmap.New(), nil
	}
}

func evalBetween(n Node, idx Index) (*bitmap.Bitmap, error) {
	fv := idx.Facets(n.Attribute)
	if fv == nil {
		return bitmap.New(), nil
	}
	return rangeBitmap(fv, OpGte, n.Low, n.High, true, true), nil
}

// rangeBitmap descends fv's sorted value list to find the contiguous run
// of entries within [low, high] (or just the op-relative half for a plain
// comparison), unioning their bitmaps. inclusive applies to both bounds
// for a between and op-specific for a single comparison.
func rangeBitmap(fv *FacetValues, op Op, low, high string, inclusive, isBetween bool) *bitmap.Bitmap {
	n := len(fv.Values)
	loF, loOK := strconv.ParseFloat(low, 64)
	hiF, hiOK := strconv.ParseFloat(high, 64)

	var start, end int // half-open range [start, end) of indices to union
	if isBetween {
		start = sort.Search(n, func(i int) bool {
			if loOK && !numIsNaN(fv.Numeric[i]) {
				return fv.Numeric[i] >= loF
			}
			return fv.Values[i] >= low
		})
		end = sort.Search(n, func(i int) bool {
			if hiOK && !numIsNaN(fv.Numeric[i]) {
				return fv.Numeric[i] > hiF
			}
			return fv.Values[i] > high
		})
	} else {
		switch op {
		case OpGt, OpGte:
			start = sort.Search(n, func(i int) bool {
				if loOK && !numIsNaN(fv.Numeric[i]) {
					if op == OpGte {
						return fv.Numeric[i] >= loF
					}
					return fv.Numeric[i] > loF
				}
				if op == OpGte {
					return fv.Values[i] >= low
				}
				return fv.Values[i] > low
			})
			end = n
		case OpLt, OpLte:
			start = 0
			end = sort.Search(n, func(i int) bool {
				if loOK && !numIsNaN(fv.Numeric[i]) {
					if op == OpLte {
						return fv.Numeric[i] > loF
					}
					return fv.Numeric[i] >= loF
				}
				if op == OpLte {
					return fv.Values[i] > low
				}
				return fv.Values[i] >= low
			})
		}
	}
	_ = inclusive

	if start >= end {
		return bitmap.New()
	}
	return bitmap.Union(fv.Bitmaps[start:end]...)
}

func numIsNaN(f float64) bool { return f != f }

// HaversineMeters computes great-circle distance between two lat/lng
// points in meters. Shared with internal/search for _geoPoint sorting.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	sinLat, sinLng := math.Sin(dLat/2), math.Sin(dLng/2)
	a := sinLat*sinLat + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*sinLng*sinLng
	c := 2 * math.Asin(math.Sqrt(a))
	return earthRadiusM * c
}

func evalGeoRadius(n Node, idx Index) (*bitmap.Bitmap, error) {
	points, ok := idx.Geo()
	if !ok {
		return nil, sifterr.Invalid("invalid-filter-syntax", "_geoRadius requires a configured _geo field")
	}
	out := bitmap.New()
	for docID, p := range points {
		if HaversineMeters(n.Lat, n.Lng, p[0], p[1]) <= n.RadiusM {
			out.Add(docID)
		}
	}
	return out, nil
}
