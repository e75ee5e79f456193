// Package search implements the ranked bucket-sort query evaluator: query
// parsing/expansion, candidate retrieval against the filter evaluator,
// the criteria chain, pagination, distinct dedup, and result formatting.
package search

import (
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cuemby/sift/internal/bitmap"
	"github.com/cuemby/sift/internal/filter"
	"github.com/cuemby/sift/internal/indexengine"
	"github.com/cuemby/sift/internal/store"
	"github.com/cuemby/sift/pkg/metrics"
)

// MatchingStrategy controls whether the last query term may be dropped to
// widen the candidate set when too few documents match.
type MatchingStrategy uint8

const (
	MatchLast MatchingStrategy = iota
	MatchAll
)

// Criterion is one link in the bucket-sort chain.
type Criterion string

const (
	CriterionWords      Criterion = "words"
	CriterionTypo       Criterion = "typo"
	CriterionProximity  Criterion = "proximity"
	CriterionAttribute  Criterion = "attribute"
	CriterionSort       Criterion = "sort"
	CriterionExactness  Criterion = "exactness"
)

// DefaultCriteria is the standard ranking rule order before any
// user-defined asc()/desc() rules are spliced in.
var DefaultCriteria = []Criterion{
	CriterionWords, CriterionTypo, CriterionProximity,
	CriterionAttribute, CriterionSort, CriterionExactness,
}

// Query is a search request, already resolved against an index's settings.
type Query struct {
	Text               string
	Offset             int
	Limit              int
	Filter             *filter.Tree
	SortKeys           []string // "field:asc" / "field:desc"
	FacetsRequested    []string
	Strategy           MatchingStrategy
	AttributesToRetrieve []string
	CropLength         int

	// IndexUID labels the metrics this query records; callers outside the
	// executor/CLI that don't track an index uid may leave it empty.
	IndexUID string
}

// Hit is one result row: the raw stored document plus its computed rank.
type Hit struct {
	DocID      uint32
	Document   map[string]any
	Formatted  map[string]any
	RankScore  [6]int // one slot per DefaultCriteria position, lower is better
}

// Result is a full search response.
type Result struct {
	Hits             []Hit
	EstimatedTotal   int
	ExactTotal       bool
	FacetDistribution map[string]map[string]int
}

// scoredDoc carries per-document intermediate ranking signals computed
// during candidate retrieval, consumed by the bucket-sort criteria.
type scoredDoc struct {
	docID        uint32
	doc          []byte // raw document JSON, reused by bucketSort's sort-key comparisons
	wordsMatched int
	typoDistance int
	proximity    int
	attributePos int
	exactness    int
}

// Run executes q against an open index environment, producing a Result.
// tx must be a read-only snapshot transaction; Run never mutates storage.
func Run(tx store.Tx, settings indexengine.Settings, idx filter.Index, q Query) (result Result, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.SearchDuration, q.IndexUID)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.SearchRequestsTotal.WithLabelValues(q.IndexUID, outcome).Inc()
	}()

	candidates := indexengine.AllDocumentIDs(tx)

	words := tokenizeQuery(q.Text)

	var filtered *bitmap.Bitmap
	if q.Filter != nil {
		fb, err := filter.Eval(q.Filter, idx)
		if err != nil {
			return Result{}, err
		}
		filtered = fb
	}

	criteria := buildCriteriaChain(settings, q.SortKeys)
	scored := retrieveCandidates(tx, settings, words, candidates, filtered, q.Strategy)
	buckets := bucketSort(scored, criteria)

	distinctAttr := ""
	if settings.DistinctAttribute.State != indexengine.TriUnchanged && settings.DistinctAttribute.Value != nil {
		distinctAttr = *settings.DistinctAttribute.Value
	}

	hits, estimated, exact := paginate(buckets, q.Offset, q.Limit, distinctAttr, settings.Pagination.Value.MaxTotalHits)

	geoSpec, hasGeo := geoSortSpec(criteria)
	for i := range hits {
		if hasGeo {
			if d, ok := geoDistanceFromDoc(hits[i].Document, geoSpec); ok {
				hits[i].Document["_geoDistance"] = d
			} else {
				hits[i].Document["_geoDistance"] = 0
			}
		}
		hits[i].Document, hits[i].Formatted = formatDocument(hits[i].Document, settings, q)
	}

	result = Result{Hits: hits, EstimatedTotal: estimated, ExactTotal: exact}
	if len(q.FacetsRequested) > 0 {
		matchSet := bitmap.New()
		for _, s := range scored {
			matchSet.Add(s.docID)
		}
		result.FacetDistribution = facetDistribution(idx, matchSet, q.FacetsRequested, settings.Faceting.Value.MaxValuesPerFacet)
	}
	return result, nil
}

func tokenizeQuery(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
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

// wordExpansion is one query word together with every indexed term within
// its typo budget plus any configured synonyms, and the union of their
// posting lists.
type wordExpansion struct {
	word     string
	matches  []indexengine.TypoMatch
	postings *bitmap.Bitmap
}

// expandQueryWords resolves each query word into its typo- and
// synonym-expanded match set, per settings.TypoTolerance and
// settings.Synonyms.
func expandQueryWords(tx store.Tx, settings indexengine.Settings, words []string) []wordExpansion {
	tt := settings.TypoTolerance.Value
	synonyms := settings.Synonyms.Value

	out := make([]wordExpansion, 0, len(words))
	for _, w := range words {
		matches := indexengine.ExpandTypos(tx, w, typoBudget(w, tt))
		for _, syn := range synonyms[w] {
			matches = append(matches, indexengine.TypoMatch{Term: syn, Distance: 0})
		}

		postings := bitmap.New()
		for _, m := range matches {
			postings.Or(indexengine.PostingsFor(tx, m.Term))
		}
		out = append(out, wordExpansion{word: w, matches: matches, postings: postings})
	}
	return out
}

// typoBudget returns the max edit distance word is allowed per the
// configured minimum word lengths, 0 if typo tolerance is disabled or word
// is too short for either threshold.
func typoBudget(word string, tt indexengine.TypoTolerance) int {
	switch {
	case !tt.Enabled:
		return 0
	case tt.MinWordSizeFor2Typo > 0 && len(word) >= tt.MinWordSizeFor2Typo:
		return 2
	case tt.MinWordSizeFor1Typo > 0 && len(word) >= tt.MinWordSizeFor1Typo:
		return 1
	default:
		return 0
	}
}

// missingTermProximityPenalty is the proximity contribution assessed when
// one side of a consecutive query-word pair has no match in a document,
// keeping it rankable without letting it compete with a true adjacency.
const missingTermProximityPenalty = 100

// retrieveCandidates intersects per-word (typo- and synonym-expanded)
// posting lists with the filter result to build the initial scored
// candidate set. Matching strategy Last drops the final term in a
// fallback pass if the strict intersection is empty; All never drops a
// term.
func retrieveCandidates(tx store.Tx, settings indexengine.Settings, words []string, universe, filtered *bitmap.Bitmap, strategy MatchingStrategy) []scoredDoc {
	expansions := expandQueryWords(tx, settings, words)

	tryExpansions := func(exps []wordExpansion) *bitmap.Bitmap {
		if len(exps) == 0 {
			return universe
		}
		postings := make([]*bitmap.Bitmap, len(exps))
		for i, e := range exps {
			postings[i] = e.postings
		}
		return bitmap.Intersection(postings...)
	}

	matched := tryExpansions(expansions)
	if filtered != nil {
		matched = bitmap.Intersection(matched, filtered)
	}

	if matched.IsEmpty() && strategy == MatchLast && len(expansions) > 1 {
		fallback := tryExpansions(expansions[:len(expansions)-1])
		if filtered != nil {
			fallback = bitmap.Intersection(fallback, filtered)
		}
		matched = fallback
	}

	searchable := settings.SearchableAttributes.Value

	var out []scoredDoc
	it := matched.Iterator()
	for it.HasNext() {
		docID := it.Next()
		doc, ok := indexengine.GetDocument(tx, docID)
		if !ok {
			continue
		}

		unmatched, typoDistance, exactness, attributePos, proximity := scoreAgainstDocument(doc, searchable, expansions)

		out = append(out, scoredDoc{
			docID:        docID,
			doc:          doc,
			wordsMatched: unmatched, // fewer unmatched ranks better
			typoDistance: typoDistance,
			proximity:    proximity,
			attributePos: attributePos,
			exactness:    exactness,
		})
	}
	return out
}

// tokenizeFields tokenizes doc's configured searchable attributes, one
// token slice per attribute in declared order (searchable-attribute order
// doubles as attribute ranking precedence). With no searchable attributes
// configured, every string field is tokenized into a single bucket.
func tokenizeFields(doc []byte, searchable []string) [][]string {
	if len(searchable) == 0 {
		var tokens []string
		gjson.ParseBytes(doc).ForEach(func(key, value gjson.Result) bool {
			if value.Type == gjson.String {
				tokens = append(tokens, indexengine.Tokenize(value.String())...)
			}
			return true
		})
		return [][]string{tokens}
	}
	fields := make([][]string, len(searchable))
	for i, attr := range searchable {
		v := gjson.GetBytes(doc, attr)
		if v.Type == gjson.String {
			fields[i] = indexengine.Tokenize(v.String())
		}
	}
	return fields
}

// scoreAgainstDocument computes, per query-word expansion, the signals the
// bucket-sort criteria chain consumes: how many words found no match at
// all, the summed typo edit distance of the matches that did, how many of
// those matches were not the literal query word (typo or synonym), the
// summed searchable-attribute rank of where each match landed, and the
// proximity between consecutive matched query words.
func scoreAgainstDocument(doc []byte, searchable []string, expansions []wordExpansion) (unmatched, typoDistance, exactness, attributePos, proximity int) {
	fields := tokenizeFields(doc, searchable)
	attrCount := len(searchable)
	if attrCount == 0 {
		attrCount = 1
	}

	positions := make([]int, len(expansions))
	for i := range positions {
		positions[i] = -1
	}

	for i, exp := range expansions {
		bestDistance := -1
		bestAttr := attrCount
		bestPos := -1
		globalPos := 0
		for attrIdx, tokens := range fields {
			for pos, tok := range tokens {
				for _, m := range exp.matches {
					if tok == m.Term && (bestDistance == -1 || m.Distance < bestDistance) {
						bestDistance = m.Distance
						bestAttr = attrIdx
						bestPos = globalPos + pos
					}
				}
			}
			globalPos += len(tokens)
		}
		if bestDistance == -1 {
			unmatched++
			attributePos += attrCount
			continue
		}
		typoDistance += bestDistance
		if bestDistance > 0 {
			exactness++
		}
		attributePos += bestAttr
		positions[i] = bestPos
	}

	for i := 1; i < len(positions); i++ {
		if positions[i-1] < 0 || positions[i] < 0 {
			proximity += missingTermProximityPenalty
			continue
		}
		gap := positions[i] - positions[i-1]
		if gap < 0 {
			gap = -gap
		}
		proximity += gap
	}
	return
}

// sortSpec is one resolved sort criterion, either a plain field (optionally
// descending) or a _geoPoint(lat,lng) distance sort.
type sortSpec struct {
	field      string
	descending bool
	geo        bool
	lat, lng   float64
}

// parseSortKey resolves a "field:asc"/"field:desc" request sort key, or a
// "_geoPoint(lat,lng):asc" key into its geo-distance form.
func parseSortKey(k string) sortSpec {
	parts := strings.SplitN(k, ":", 2)
	desc := len(parts) == 2 && parts[1] == "desc"
	field := parts[0]

	if strings.HasPrefix(field, "_geoPoint(") && strings.HasSuffix(field, ")") {
		args := strings.Split(field[len("_geoPoint("):len(field)-1], ",")
		if len(args) == 2 {
			lat, latErr := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
			lng, lngErr := strconv.ParseFloat(strings.TrimSpace(args[1]), 64)
			if latErr == nil && lngErr == nil {
				return sortSpec{field: "_geoDistance", descending: desc, geo: true, lat: lat, lng: lng}
			}
		}
	}
	return sortSpec{field: field, descending: desc}
}

// buildCriteriaChain resolves the query's requested sort keys, falling
// back to the index's configured asc()/desc() ranking rules when the
// request carries none.
func buildCriteriaChain(settings indexengine.Settings, sortKeys []string) []sortSpec {
	if len(sortKeys) > 0 {
		specs := make([]sortSpec, len(sortKeys))
		for i, k := range sortKeys {
			specs[i] = parseSortKey(k)
		}
		return specs
	}

	var specs []sortSpec
	for _, rule := range settings.RankingRules.Value {
		r := string(rule)
		switch {
		case strings.HasPrefix(r, "asc(") && strings.HasSuffix(r, ")"):
			specs = append(specs, sortSpec{field: r[len("asc(") : len(r)-1]})
		case strings.HasPrefix(r, "desc(") && strings.HasSuffix(r, ")"):
			specs = append(specs, sortSpec{field: r[len("desc(") : len(r)-1], descending: true})
		}
	}
	return specs
}

// geoSortSpec returns the first geo sort criterion in specs, if any.
func geoSortSpec(specs []sortSpec) (sortSpec, bool) {
	for _, sp := range specs {
		if sp.geo {
			return sp, true
		}
	}
	return sortSpec{}, false
}

// bucketSort orders scored docs by the standard criteria chain (words
// first, an ascending score of unmatched terms, then typo, proximity and
// attribute signals), splicing the resolved sort criteria in at the
// "sort" position ahead of the final exactness tie-break.
func bucketSort(scored []scoredDoc, sortSpecs []sortSpec) []scoredDoc {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.wordsMatched != b.wordsMatched {
			return a.wordsMatched < b.wordsMatched
		}
		if a.typoDistance != b.typoDistance {
			return a.typoDistance < b.typoDistance
		}
		if a.proximity != b.proximity {
			return a.proximity < b.proximity
		}
		if a.attributePos != b.attributePos {
			return a.attributePos < b.attributePos
		}
		if c := compareBySpecs(a, b, sortSpecs); c != 0 {
			return c < 0
		}
		return a.exactness < b.exactness
	})
	return scored
}

// compareBySpecs applies sortSpecs in order, returning the first
// non-tying comparison, or 0 if every spec ties (or none were given).
func compareBySpecs(a, b scoredDoc, sortSpecs []sortSpec) int {
	for _, sp := range sortSpecs {
		if c := compareOneSpec(a, b, sp); c != 0 {
			return c
		}
	}
	return 0
}

func compareOneSpec(a, b scoredDoc, sp sortSpec) int {
	if sp.geo {
		av, aok := geoDistance(a.doc, sp)
		bv, bok := geoDistance(b.doc, sp)
		return compareFloats(av, aok, bv, bok, sp.descending)
	}

	av := gjson.GetBytes(a.doc, sp.field)
	bv := gjson.GetBytes(b.doc, sp.field)
	if !av.Exists() && !bv.Exists() {
		return 0
	}
	if !av.Exists() {
		return 1
	}
	if !bv.Exists() {
		return -1
	}
	if av.Type == gjson.Number && bv.Type == gjson.Number {
		return compareFloats(av.Float(), true, bv.Float(), true, sp.descending)
	}

	as, bs := av.String(), bv.String()
	if as == bs {
		return 0
	}
	if (as < bs) != sp.descending {
		return -1
	}
	return 1
}

func geoDistance(doc []byte, sp sortSpec) (float64, bool) {
	geo := gjson.GetBytes(doc, "_geo")
	if !geo.Exists() {
		return 0, false
	}
	lat, lng := geo.Get("lat"), geo.Get("lng")
	if !lat.Exists() || !lng.Exists() {
		return 0, false
	}
	return filter.HaversineMeters(sp.lat, sp.lng, lat.Float(), lng.Float()), true
}

func compareFloats(av float64, aok bool, bv float64, bok bool, descending bool) int {
	if !aok && !bok {
		return 0
	}
	if !aok {
		return 1
	}
	if !bok {
		return -1
	}
	if av == bv {
		return 0
	}
	if (av < bv) != descending {
		return -1
	}
	return 1
}

// geoDistanceFromDoc mirrors geoDistance but reads from an already-decoded
// document map, used once pagination has produced the final hit set.
func geoDistanceFromDoc(doc map[string]any, sp sortSpec) (float64, bool) {
	geoRaw, ok := doc["_geo"].(map[string]any)
	if !ok {
		return 0, false
	}
	lat, latOK := toFloat(geoRaw["lat"])
	lng, lngOK := toFloat(geoRaw["lng"])
	if !latOK || !lngOK {
		return 0, false
	}
	return filter.HaversineMeters(sp.lat, sp.lng, lat, lng), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// paginate slices the ordered candidate list to [offset, offset+limit),
// applying distinct dedup along the way. ExactTotal is false once the
// scan has to stop early at maxTotalHits.
func paginate(ordered []scoredDoc, offset, limit int, distinctAttr string, maxTotalHits int) ([]Hit, int, bool) {
	seen := map[string]bool{}
	var hits []Hit
	emitted := 0
	total := 0
	exact := true

	for _, s := range ordered {
		if total >= maxTotalHits {
			exact = false
			break
		}
		var parsed map[string]any
		_ = store.DecodeValue(s.doc, &parsed)

		if distinctAttr != "" {
			key, _ := parsed[distinctAttr].(string)
			if key != "" {
				if seen[key] {
					total++
					continue
				}
				seen[key] = true
			}
		}

		total++
		if emitted < offset {
			emitted++
			continue
		}
		if len(hits) >= limit {
			continue
		}
		hits = append(hits, Hit{DocID: s.docID, Document: parsed})
		emitted++
	}
	return hits, total, exact
}

func formatDocument(doc map[string]any, settings indexengine.Settings, q Query) (map[string]any, map[string]any) {
	displayed := doc
	if settings.DisplayedAttributes.State == indexengine.TriSet && len(settings.DisplayedAttributes.Value) > 0 {
		displayed = make(map[string]any, len(settings.DisplayedAttributes.Value))
		for _, attr := range settings.DisplayedAttributes.Value {
			if v, ok := doc[attr]; ok {
				displayed[attr] = v
			}
		}
	}
	formatted := make(map[string]any, len(displayed))
	for k, v := range displayed {
		if s, ok := v.(string); ok && q.Text != "" {
			formatted[k] = highlightCrop(s, q.Text, q.CropLength)
			continue
		}
		formatted[k] = v
	}
	return displayed, formatted
}

func highlightCrop(text, query string, cropLength int) string {
	lower := strings.ToLower(text)
	q := strings.ToLower(query)
	idx := strings.Index(lower, q)
	if idx < 0 {
		if cropLength > 0 && len(text) > cropLength {
			return text[:cropLength] + "…"
		}
		return text
	}
	highlighted := text[:idx] + "<em>" + text[idx:idx+len(query)] + "</em>" + text[idx+len(query):]
	if cropLength <= 0 || len(highlighted) <= cropLength {
		return highlighted
	}
	return highlighted[:cropLength] + "…"
}

func facetDistribution(idx filter.Index, matched *bitmap.Bitmap, attrs []string, maxValues int) map[string]map[string]int {
	out := make(map[string]map[string]int, len(attrs))
	for _, attr := range attrs {
		fv := idx.Facets(attr)
		if fv == nil {
			continue
		}
		counts := make(map[string]int)
		for i, val := range fv.Values {
			if len(counts) >= maxValues {
				break
			}
			c := fv.Bitmaps[i].AndCardinality(matched)
			if c > 0 {
				counts[val] = int(c)
			}
		}
		out[attr] = counts
	}
	return out
}
