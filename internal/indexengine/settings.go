package indexengine

// TriState models a settings field that can be left unchanged, explicitly
// set to a value, or explicitly reset to its zero value — a uniform tri-state
// merge applied across every settings field.
type TriState uint8

const (
	TriUnchanged TriState = iota
	TriSet
	TriReset
)

// Tri pairs a TriState with the value to apply when State == TriSet.
type Tri[T any] struct {
	State TriState `json:"state"`
	Value T        `json:"value,omitempty"`
}

// Merge applies incoming over current: Unchanged keeps current, Reset
// zeroes the field, Set replaces it.
func (incoming Tri[T]) Merge(current T) T {
	switch incoming.State {
	case TriSet:
		return incoming.Value
	case TriReset:
		var zero T
		return zero
	default:
		return current
	}
}

// RankingRule is either a built-in criterion name ("words", "typo",
// "proximity", "attribute", "sort", "exactness") or a user-defined
// "asc(field)" / "desc(field)" rule.
type RankingRule string

// FilterableAttribute names one attribute eligible for filtering and the
// filter features it supports. An attribute configured equality-only
// accepts "=" / "!=" but rejects ">" / "<" / a BETWEEN range.
type FilterableAttribute struct {
	Attribute  string `json:"attribute"`
	Equality   bool   `json:"equality"`
	Comparison bool   `json:"comparison"`
}

// Settings is an index's full configuration, every field tri-state
// mergeable independently.
type Settings struct {
	DisplayedAttributes  Tri[[]string]              `json:"displayedAttributes"`
	SearchableAttributes Tri[[]string]              `json:"searchableAttributes"`
	FilterableAttributes Tri[[]FilterableAttribute] `json:"filterableAttributes"`
	SortableAttributes   Tri[[]string]              `json:"sortableAttributes"`
	RankingRules         Tri[[]RankingRule]         `json:"rankingRules"`
	StopWords            Tri[[]string]              `json:"stopWords"`
	Synonyms             Tri[map[string][]string]   `json:"synonyms"`
	DistinctAttribute    Tri[*string]               `json:"distinctAttribute"`
	TypoTolerance        Tri[TypoTolerance]         `json:"typoTolerance"`
	Pagination           Tri[Pagination]            `json:"pagination"`
	Faceting             Tri[Faceting]              `json:"faceting"`
	PrimaryKey           Tri[*string]               `json:"primaryKey"`
}

// TypoTolerance bounds the edit-distance automaton used at query expansion.
type TypoTolerance struct {
	Enabled             bool `json:"enabled"`
	MinWordSizeFor1Typo int  `json:"minWordSizeFor1Typo"`
	MinWordSizeFor2Typo int  `json:"minWordSizeFor2Typo"`
}

// Pagination bounds estimated-vs-exact total hit counting.
type Pagination struct {
	MaxTotalHits int `json:"maxTotalHits"`
}

// Faceting bounds facet distribution computation.
type Faceting struct {
	MaxValuesPerFacet int `json:"maxValuesPerFacet"`
}

// DefaultSettings returns the out-of-the-box defaults applied to a new index.
func DefaultSettings() Settings {
	return Settings{
		RankingRules: Tri[[]RankingRule]{State: TriSet, Value: []RankingRule{
			"words", "typo", "proximity", "attribute", "sort", "exactness",
		}},
		TypoTolerance: Tri[TypoTolerance]{State: TriSet, Value: TypoTolerance{
			Enabled: true, MinWordSizeFor1Typo: 5, MinWordSizeFor2Typo: 9,
		}},
		Pagination: Tri[Pagination]{State: TriSet, Value: Pagination{MaxTotalHits: 1000}},
		Faceting:   Tri[Faceting]{State: TriSet, Value: Faceting{MaxValuesPerFacet: 100}},
	}
}

// Diff reports which rebuild classes a settings update triggers, consulted
// by the batch executor to decide what to reindex.
type Diff struct {
	SearchableChanged bool
	FilterableChanged bool
	SortableChanged   bool
	StopWordsChanged  bool
	SynonymsChanged   bool
}

// MergeSettings applies incoming's tri-state fields over current and
// returns the merged result plus the diff of what changed.
func MergeSettings(current, incoming Settings) (Settings, Diff) {
	merged := current
	var diff Diff

	if incoming.DisplayedAttributes.State != TriUnchanged {
		merged.DisplayedAttributes.Value = incoming.DisplayedAttributes.Merge(current.DisplayedAttributes.Value)
		merged.DisplayedAttributes.State = TriSet
	}
	if incoming.SearchableAttributes.State != TriUnchanged {
		merged.SearchableAttributes.Value = incoming.SearchableAttributes.Merge(current.SearchableAttributes.Value)
		merged.SearchableAttributes.State = TriSet
		diff.SearchableChanged = true
	}
	if incoming.FilterableAttributes.State != TriUnchanged {
		merged.FilterableAttributes.Value = incoming.FilterableAttributes.Merge(current.FilterableAttributes.Value)
		merged.FilterableAttributes.State = TriSet
		diff.FilterableChanged = true
	}
	if incoming.SortableAttributes.State != TriUnchanged {
		merged.SortableAttributes.Value = incoming.SortableAttributes.Merge(current.SortableAttributes.Value)
		merged.SortableAttributes.State = TriSet
		diff.SortableChanged = true
	}
	if incoming.RankingRules.State != TriUnchanged {
		merged.RankingRules.Value = incoming.RankingRules.Merge(current.RankingRules.Value)
		merged.RankingRules.State = TriSet
	}
	if incoming.StopWords.State != TriUnchanged {
		merged.StopWords.Value = incoming.StopWords.Merge(current.StopWords.Value)
		merged.StopWords.State = TriSet
		diff.StopWordsChanged = true
	}
	if incoming.Synonyms.State != TriUnchanged {
		merged.Synonyms.Value = incoming.Synonyms.Merge(current.Synonyms.Value)
		merged.Synonyms.State = TriSet
		diff.SynonymsChanged = true
	}
	if incoming.DistinctAttribute.State != TriUnchanged {
		merged.DistinctAttribute.Value = incoming.DistinctAttribute.Merge(current.DistinctAttribute.Value)
		merged.DistinctAttribute.State = TriSet
	}
	if incoming.TypoTolerance.State != TriUnchanged {
		merged.TypoTolerance.Value = incoming.TypoTolerance.Merge(current.TypoTolerance.Value)
		merged.TypoTolerance.State = TriSet
	}
	if incoming.Pagination.State != TriUnchanged {
		merged.Pagination.Value = incoming.Pagination.Merge(current.Pagination.Value)
		merged.Pagination.State = TriSet
	}
	if incoming.Faceting.State != TriUnchanged {
		merged.Faceting.Value = incoming.Faceting.Merge(current.Faceting.Value)
		merged.Faceting.State = TriSet
	}
	if incoming.PrimaryKey.State != TriUnchanged {
		merged.PrimaryKey.Value = incoming.PrimaryKey.Merge(current.PrimaryKey.Value)
		merged.PrimaryKey.State = TriSet
	}

	return merged, diff
}
