// Package taxonomy holds the read-only taxonomy tables consumed by the
// correlation engine and the identifier schemes used to normalize lookups.
package taxonomy

import (
	"strings"

	"github.com/ethanolivertroy/cvechain/internal/models"
)

// Scheme describes how identifiers of one tier are written.
// "CWE-79", "cwe-79" and "79" all normalize to "79" under {Prefix: "CWE"}.
type Scheme struct {
	Prefix       string
	Separator    string // placed between prefix and key by Canonical
	PreserveCase bool   // skip upper-casing, for free-form ids
}

// Normalize returns the lookup key for id: trimmed, upper-cased, with the
// tier prefix and any separator after it removed. It is idempotent.
func (s Scheme) Normalize(id string) string {
	key := strings.TrimSpace(id)
	if !s.PreserveCase {
		key = strings.ToUpper(key)
	}
	if s.Prefix == "" {
		return key
	}

	prefix := s.Prefix
	if !s.PreserveCase {
		prefix = strings.ToUpper(prefix)
	}
	if rest, ok := strings.CutPrefix(key, prefix); ok {
		rest = strings.TrimLeft(rest, "-:_ ")
		if rest != "" {
			key = rest
		}
	}
	return key
}

// Canonical returns the display form of id, used in output records
func (s Scheme) Canonical(id string) string {
	key := s.Normalize(id)
	if key == "" || s.Prefix == "" {
		return key
	}
	return s.Prefix + s.Separator + key
}

// Canonicalize maps ids to their canonical forms, dropping empty ones
func (s Scheme) Canonicalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if c := s.Canonical(id); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Schemes groups the scheme of every tier
type Schemes struct {
	Weakness      Scheme
	AttackPattern Scheme
	Technique     Scheme
	Defensive     Scheme
	RiskCategory  Scheme
}

// SchemesFrom builds the tier schemes from configuration
func SchemesFrom(cfg models.TaxonomyConfig) Schemes {
	return Schemes{
		Weakness:      Scheme{Prefix: cfg.WeaknessPrefix, Separator: "-"},
		AttackPattern: Scheme{Prefix: cfg.AttackPatternPrefix, Separator: "-"},
		Technique:     Scheme{Prefix: cfg.TechniquePrefix, Separator: cfg.TechniqueSeparator},
		Defensive:     Scheme{PreserveCase: true},
		RiskCategory:  Scheme{},
	}
}
