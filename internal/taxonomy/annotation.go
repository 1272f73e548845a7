package taxonomy

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/ethanolivertroy/cvechain/internal/faults"
)

// annotationMarker starts each technique entry in an attack-pattern
// annotation, e.g. "::TAXONOMY NAME:ATTACK:ENTRY ID:1574.010:ENTRY NAME:...::"
const annotationMarker = "NAME:ATTACK:ENTRY "

var techniqueKey = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseTechniques extracts technique ids from an annotation string.
// Malformed entries are skipped; the returned error aggregates one
// validation error per skipped entry and is nil when all entries parsed.
func ParseTechniques(annotation string, scheme Scheme) ([]string, error) {
	if annotation == "" {
		return nil, nil
	}

	entries := strings.Split(annotation, annotationMarker)[1:]
	var (
		ids  []string
		errs error
	)
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			errs = multierr.Append(errs, faults.Validation("taxonomy.parse_techniques",
				fmt.Errorf("entry %q has no id field", truncate(entry, 40))))
			continue
		}
		raw := strings.TrimSpace(parts[1])
		if !ValidTechniqueID(raw, scheme) {
			errs = multierr.Append(errs, faults.Validation("taxonomy.parse_techniques",
				fmt.Errorf("invalid technique id %q", raw)))
			continue
		}
		ids = append(ids, scheme.Canonical(raw))
	}
	return ids, errs
}

// ValidTechniqueID reports whether id is digits with an optional ".digits"
// sub-technique, with or without the technique prefix
func ValidTechniqueID(id string, scheme Scheme) bool {
	return techniqueKey.MatchString(scheme.Normalize(id))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
