package parsers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/models"
)

const opParseFeed = "parsers.nvd_feed"

var cweMention = regexp.MustCompile(`CWE-(\d+)`)

// NVDFeedParser parses NVD CVE API 2.0 JSON, either a saved API page or a
// bulk feed file
type NVDFeedParser struct{}

// CanParse returns true for .json files
func (p *NVDFeedParser) CanParse(filename string) bool {
	return strings.HasSuffix(filename, ".json")
}

// Parse extracts one record per CVE. Entries without an id are skipped.
func (p *NVDFeedParser) Parse(filepath string, content []byte) ([]models.CVERecord, error) {
	var resp models.NVDResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return nil, faults.Validation(opParseFeed, fmt.Errorf("%s: %w", filepath, err))
	}
	return RecordsFromNVD(resp.Vulnerabilities)
}

// RecordsFromNVD converts catalog entries into input records
func RecordsFromNVD(vulns []models.NVDVulnerability) ([]models.CVERecord, error) {
	records := make([]models.CVERecord, 0, len(vulns))
	var errs error
	for i, v := range vulns {
		if v.CVE.ID == "" {
			errs = multierr.Append(errs, faults.Validation(opParseFeed,
				fmt.Errorf("entry %d: missing CVE id", i)))
			continue
		}
		records = append(records, models.CVERecord{
			ID:          v.CVE.ID,
			WeaknessIDs: ExtractWeaknesses(v.CVE),
		})
	}
	return records, errs
}

// ExtractWeaknesses collects CWE ids from the structured weakness list and
// from mentions in the English descriptions, deduplicated in first-seen order.
// Placeholders like NVD-CWE-Other do not match.
func ExtractWeaknesses(cve models.NVDCVE) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(text string) {
		for _, m := range cweMention.FindAllStringSubmatch(text, -1) {
			id := "CWE-" + m[1]
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	for _, w := range cve.Weaknesses {
		for _, d := range w.Description {
			add(d.Value)
		}
	}
	for _, d := range cve.Descriptions {
		if d.Lang == "en" {
			add(d.Value)
		}
	}
	return ids
}
