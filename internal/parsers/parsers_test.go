package parsers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/models"
)

func TestRecordStreamParser(t *testing.T) {
	input := `{"CVE-2024-0001": {"weakness_ids": ["W-79"]}}

{"CVE-2024-0002": {"weakness_ids": []}}
not json
{"CVE-2024-0003": {"weakness_ids": ["CWE-89"]}, "CVE-2024-0004": {}}
{"GHSA-xxxx": {"weakness_ids": ["CWE-1"]}}
{"cve-2024-0005": {"CWE": ["CWE-20", "CWE-22"]}}
`
	p := &RecordStreamParser{}
	records, err := p.Parse("input.jsonl", []byte(input))

	assert.Equal(t, []models.CVERecord{
		{ID: "CVE-2024-0001", WeaknessIDs: []string{"W-79"}},
		{ID: "CVE-2024-0002", WeaknessIDs: []string{}},
		{ID: "CVE-2024-0005", WeaknessIDs: []string{"CWE-20", "CWE-22"}},
	}, records)

	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 3)
	for _, e := range errs {
		assert.True(t, faults.IsValidation(e))
	}
	assert.Contains(t, errs[0].Error(), "input.jsonl:4")
}

func TestRecordLineRoundTrip(t *testing.T) {
	rec := models.CVERecord{ID: "CVE-2024-0001", WeaknessIDs: []string{"CWE-79"}}
	line, err := rec.MarshalLine()
	require.NoError(t, err)
	assert.JSONEq(t, `{"CVE-2024-0001": {"weakness_ids": ["CWE-79"]}}`, string(line))

	got, err := ParseRecordLine(line)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestExtractWeaknesses(t *testing.T) {
	cve := models.NVDCVE{
		ID: "CVE-2024-0001",
		Weaknesses: []models.NVDWeakness{
			{Type: "Primary", Description: []models.NVDLangString{{Lang: "en", Value: "CWE-79"}}},
			{Type: "Secondary", Description: []models.NVDLangString{{Lang: "en", Value: "NVD-CWE-Other"}, {Lang: "en", Value: "CWE-20"}}},
		},
		Descriptions: []models.NVDLangString{
			{Lang: "en", Value: "Improper neutralization (CWE-79) leading to CWE-116 issues."},
			{Lang: "es", Value: "Vulnerabilidad CWE-999"},
		},
	}
	assert.Equal(t, []string{"CWE-79", "CWE-20", "CWE-116"}, ExtractWeaknesses(cve))
	assert.Nil(t, ExtractWeaknesses(models.NVDCVE{ID: "CVE-2024-0002"}))
}

func TestNVDFeedParser(t *testing.T) {
	feed := `{"resultsPerPage": 3, "startIndex": 0, "totalResults": 3, "vulnerabilities": [
		{"cve": {"id": "CVE-2024-0001", "weaknesses": [{"description": [{"lang": "en", "value": "CWE-79"}]}]}},
		{"cve": {"descriptions": [{"lang": "en", "value": "no id"}]}},
		{"cve": {"id": "CVE-2024-0003"}}
	]}`

	p := &NVDFeedParser{}
	records, err := p.Parse("nvdcve-2.0-2024.json", []byte(feed))

	assert.Equal(t, []models.CVERecord{
		{ID: "CVE-2024-0001", WeaknessIDs: []string{"CWE-79"}},
		{ID: "CVE-2024-0003"},
	}, records)
	assert.Len(t, multierr.Errors(err), 1)

	_, err = p.Parse("broken.json", []byte(`{"vulnerabilities": [`))
	assert.True(t, faults.IsValidation(err))
}

func TestParseFileSelectsParser(t *testing.T) {
	dir := t.TempDir()

	stream := filepath.Join(dir, "records.jsonl")
	require.NoError(t, os.WriteFile(stream, []byte(`{"CVE-2024-0001": {"weakness_ids": ["CWE-79"]}}`+"\n"), 0644))
	records, err := ParseFile(stream)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	feed := filepath.Join(dir, "feed.json")
	require.NoError(t, os.WriteFile(feed, []byte(`{"vulnerabilities": [{"cve": {"id": "CVE-2024-0009"}}]}`), 0644))
	records, err = ParseFile(feed)
	require.NoError(t, err)
	assert.Equal(t, "CVE-2024-0009", records[0].ID)

	_, err = ParseFile(filepath.Join(dir, "records.csv"))
	assert.Error(t, err)

	_, err = ParseFile(filepath.Join(dir, "missing.jsonl"))
	assert.Error(t, err)
}
