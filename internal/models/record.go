package models

import (
	"encoding/json"
	"slices"
)

// CVERecord is one line of the input stream: a CVE and the weakness
// identifiers it was published with
type CVERecord struct {
	ID          string
	WeaknessIDs []string
}

// MarshalLine encodes the record as one input-stream line:
// {cve_id: {"weakness_ids": [...]}}
func (r CVERecord) MarshalLine() ([]byte, error) {
	ids := r.WeaknessIDs
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(map[string]map[string][]string{
		r.ID: {"weakness_ids": ids},
	})
}

// IDSet is a sorted, duplicate-free list of identifiers. A nil IDSet encodes
// as an empty JSON array.
type IDSet []string

// NewIDSet sorts and deduplicates ids, dropping empty strings
func NewIDSet(ids ...string) IDSet {
	set := make(IDSet, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			set = append(set, id)
		}
	}
	slices.Sort(set)
	return slices.Compact(set)
}

// Contains reports whether id is in the set
func (s IDSet) Contains(id string) bool {
	_, found := slices.BinarySearch(s, id)
	return found
}

// MarshalJSON always emits an array, never null
func (s IDSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// EnrichedRecord is the per-CVE correlation output, one set per taxonomy tier
type EnrichedRecord struct {
	CVE                 string `json:"-"`
	Weaknesses          IDSet  `json:"weaknesses"`
	AttackPatterns      IDSet  `json:"attack_patterns"`
	Techniques          IDSet  `json:"techniques"`
	DefensiveTechniques IDSet  `json:"defensive_techniques"`
	RiskCategories      IDSet  `json:"risk_categories"`
}

// MarshalLine encodes the record as one output line: {cve_id: {tiers...}}
func (r EnrichedRecord) MarshalLine() ([]byte, error) {
	return json.Marshal(map[string]EnrichedRecord{r.CVE: r})
}
