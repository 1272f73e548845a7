package taxonomy

import (
	"maps"
	"slices"
	"sort"
)

// Record is one taxonomy entry. Only Parents, Related and Annotation take
// part in correlation.
type Record struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Parents     []string `json:"parents,omitempty"`
	Related     []string `json:"related,omitempty"`
	Annotation  string   `json:"annotation,omitempty"`
}

// Table is an immutable mapping from normalized identifier to Record
type Table struct {
	scheme  Scheme
	records map[string]Record
}

// NewTable copies records into a table keyed by normalized id. When two
// source keys normalize to the same id their relations are merged.
func NewTable(scheme Scheme, records map[string]Record) *Table {
	t := &Table{
		scheme:  scheme,
		records: make(map[string]Record, len(records)),
	}
	// sorted for a stable merge order
	for _, id := range slices.Sorted(maps.Keys(records)) {
		key := scheme.Normalize(id)
		if key == "" {
			continue
		}
		rec := records[id]
		rec.Parents = slices.Clone(rec.Parents)
		rec.Related = slices.Clone(rec.Related)
		if prev, ok := t.records[key]; ok {
			rec.Parents = append(prev.Parents, rec.Parents...)
			rec.Related = append(prev.Related, rec.Related...)
			if rec.Annotation == "" {
				rec.Annotation = prev.Annotation
			}
		}
		t.records[key] = rec
	}
	return t
}

// EmptyTable returns a table with no records
func EmptyTable(scheme Scheme) *Table {
	return &Table{scheme: scheme, records: map[string]Record{}}
}

// Scheme returns the identifier scheme of the table's keys
func (t *Table) Scheme() Scheme {
	return t.scheme
}

// Lookup returns the record for id in any prefix form. A missing id is not an error.
func (t *Table) Lookup(id string) (Record, bool) {
	rec, ok := t.records[t.scheme.Normalize(id)]
	return rec, ok
}

// Parents returns the direct parents of id, nil when unknown
func (t *Table) Parents(id string) []string {
	rec, _ := t.Lookup(id)
	return rec.Parents
}

// Related returns the next-tier ids related to id, nil when unknown
func (t *Table) Related(id string) []string {
	rec, _ := t.Lookup(id)
	return rec.Related
}

// Len returns the number of records
func (t *Table) Len() int {
	return len(t.records)
}

// Keys returns the normalized ids in sorted order
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.records))
	for k := range t.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithRelated returns a copy of t where each id in related has its Related
// list replaced. Ids not already in t are added.
func (t *Table) WithRelated(related map[string][]string) *Table {
	out := &Table{
		scheme:  t.scheme,
		records: make(map[string]Record, len(t.records)),
	}
	maps.Copy(out.records, t.records)
	for id, ids := range related {
		key := t.scheme.Normalize(id)
		rec := out.records[key]
		rec.Related = slices.Clone(ids)
		out.records[key] = rec
	}
	return out
}

// Tables bundles the tier tables. The risk table maps category id to its
// weakness ids in Related; it is reverse-indexed at construction.
type Tables struct {
	Weaknesses     *Table
	AttackPatterns *Table
	Techniques     *Table
	RiskCategories *Table
	Schemes        Schemes

	riskByWeakness map[string][]string
}

// NewTables builds the bundle. Nil tables are replaced with empty ones.
func NewTables(schemes Schemes, weaknesses, attackPatterns, techniques, risk *Table) *Tables {
	if weaknesses == nil {
		weaknesses = EmptyTable(schemes.Weakness)
	}
	if attackPatterns == nil {
		attackPatterns = EmptyTable(schemes.AttackPattern)
	}
	if techniques == nil {
		techniques = EmptyTable(schemes.Technique)
	}
	if risk == nil {
		risk = EmptyTable(schemes.RiskCategory)
	}

	ts := &Tables{
		Weaknesses:     weaknesses,
		AttackPatterns: attackPatterns,
		Techniques:     techniques,
		RiskCategories: risk,
		Schemes:        schemes,
		riskByWeakness: make(map[string][]string),
	}
	for _, category := range risk.Keys() {
		for _, w := range risk.records[category].Related {
			key := schemes.Weakness.Normalize(w)
			if key == "" || slices.Contains(ts.riskByWeakness[key], category) {
				continue
			}
			ts.riskByWeakness[key] = append(ts.riskByWeakness[key], category)
		}
	}
	return ts
}

// RiskCategoriesFor returns the categories listing weakness, in any prefix form
func (ts *Tables) RiskCategoriesFor(weakness string) []string {
	return ts.riskByWeakness[ts.Schemes.Weakness.Normalize(weakness)]
}
