package reporter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethanolivertroy/cvechain/internal/models"
)

func sampleSummary() models.Summary {
	return models.Summary{
		RunID:            "run-1",
		Started:          time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Duration:         1500 * time.Millisecond,
		PagesFetched:     3,
		RecordsRetrieved: 4200,
		InputRecords:     4200,
		OutputRecords:    4200,
		DegradedRecords:  2,
		CacheHits:        30,
		CacheMisses:      10,
		OutputFile:       "results/new_cves.jsonl",
	}
}

func TestGet(t *testing.T) {
	assert.IsType(t, &JSONReporter{}, Get("json"))
	assert.IsType(t, &TerminalReporter{}, Get("terminal"))
	assert.IsType(t, &TerminalReporter{}, Get(""))
}

func TestJSONReporter(t *testing.T) {
	out, err := (&JSONReporter{}).Report(sampleSummary())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "2024-06-01T12:00:00Z", got["started"])
	assert.Equal(t, 1.5, got["duration_seconds"])
	assert.Equal(t, true, got["degraded"])

	corr := got["correlation"].(map[string]any)
	assert.Equal(t, 4200.0, corr["output_records"])
	assert.Equal(t, 2.0, corr["degraded_records"])
}

func TestTerminalReporter(t *testing.T) {
	out, err := (&TerminalReporter{}).Report(sampleSummary())
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "PARTIAL RESULTS")
	assert.Contains(t, text, "Records retrieved: 4200")
	assert.Contains(t, text, "Degraded:       2")
	assert.Contains(t, text, "75.0%")
	assert.Contains(t, text, "results/new_cves.jsonl")

	clean := models.Summary{InputRecords: 1, OutputRecords: 1}
	out, err = (&TerminalReporter{}).Report(clean)
	require.NoError(t, err)
	assert.Contains(t, string(out), "RUN COMPLETED")
	assert.NotContains(t, string(out), "PARTIAL")
	assert.NotContains(t, string(out), "Retrieval")
}

func TestWriteRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "records.jsonl")
	records := []models.EnrichedRecord{
		{CVE: "CVE-2024-0001", Weaknesses: models.NewIDSet("W-79", "W-20")},
		{CVE: "CVE-2024-0002"},
	}
	require.NoError(t, WriteRecords(path, records))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"CVE-2024-0001": {"weaknesses": ["W-20", "W-79"], "attack_patterns": [], "techniques": [], "defensive_techniques": [], "risk_categories": []}}`, lines[0])

	// rewriting truncates
	require.NoError(t, WriteRecords(path, records[:1]))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))

	_, err = os.Stat(path + ".partial")
	assert.True(t, os.IsNotExist(err), "temp file is renamed into place")
}

func TestLineWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")

	w, err := OpenLines(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Write(models.CVERecord{ID: "CVE-2024-0001", WeaknessIDs: []string{"CWE-79"}}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w, err = OpenLines(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Write(models.CVERecord{ID: "CVE-2024-0002"}))
	assert.Equal(t, 1, w.Count())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"CVE-2024-0001":{"weakness_ids":["CWE-79"]}}`+"\n"+`{"CVE-2024-0002":{"weakness_ids":[]}}`+"\n", string(data))
}

func TestLineWriterTruncateToCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")
	first := `{"CVE-2024-0001":{"weakness_ids":[]}}` + "\n"

	w, err := OpenLines(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Write(models.CVERecord{ID: "CVE-2024-0001"}))
	assert.Equal(t, int64(0), w.Committed(), "unsynced lines are not committed")
	require.NoError(t, w.Sync())
	committed := w.Committed()
	assert.Equal(t, int64(len(first)), committed)
	require.NoError(t, w.Write(models.CVERecord{ID: "CVE-2024-0002"}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w, err = OpenLines(path, true)
	require.NoError(t, err)
	assert.Equal(t, 2*committed, w.Committed())
	require.NoError(t, w.TruncateTo(committed))
	require.NoError(t, w.Write(models.CVERecord{ID: "CVE-2024-0003"}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first+`{"CVE-2024-0003":{"weakness_ids":[]}}`+"\n", string(data))

	w, err = OpenLines(path, true)
	require.NoError(t, err)
	defer w.Close()
	assert.Error(t, w.TruncateTo(10*committed), "cannot grow the spool")
}
