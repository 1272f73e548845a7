package reporter

import (
	"encoding/json"
	"time"

	"github.com/ethanolivertroy/cvechain/internal/models"
)

// JSONReporter outputs the run summary in JSON format
type JSONReporter struct{}

// jsonOutput represents the JSON output structure
type jsonOutput struct {
	RunID       string          `json:"run_id"`
	Started     string          `json:"started,omitempty"`
	DurationSec float64         `json:"duration_seconds"`
	Retrieval   jsonRetrieval   `json:"retrieval"`
	Correlation jsonCorrelation `json:"correlation"`
	Cache       jsonCache       `json:"cache"`
	OutputFile  string          `json:"output_file,omitempty"`
	Degraded    bool            `json:"degraded"`
}

type jsonRetrieval struct {
	PagesFetched     int `json:"pages_fetched"`
	RecordsRetrieved int `json:"records_retrieved"`
	ResumedFrom      int `json:"resumed_from"`
}

type jsonCorrelation struct {
	InputRecords    int `json:"input_records"`
	InvalidRecords  int `json:"invalid_records"`
	OutputRecords   int `json:"output_records"`
	DegradedRecords int `json:"degraded_records"`
	FailedChunks    int `json:"failed_chunks"`
}

type jsonCache struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Report generates JSON output for the given summary
func (r *JSONReporter) Report(s models.Summary) ([]byte, error) {
	output := jsonOutput{
		RunID:       s.RunID,
		DurationSec: s.Duration.Seconds(),
		Retrieval: jsonRetrieval{
			PagesFetched:     s.PagesFetched,
			RecordsRetrieved: s.RecordsRetrieved,
			ResumedFrom:      s.ResumedFrom,
		},
		Correlation: jsonCorrelation{
			InputRecords:    s.InputRecords,
			InvalidRecords:  s.InvalidRecords,
			OutputRecords:   s.OutputRecords,
			DegradedRecords: s.DegradedRecords,
			FailedChunks:    s.FailedChunks,
		},
		Cache: jsonCache{
			Hits:      s.CacheHits,
			Misses:    s.CacheMisses,
			Evictions: s.CacheEvictions,
		},
		OutputFile: s.OutputFile,
		Degraded:   s.HasDegraded(),
	}
	if !s.Started.IsZero() {
		output.Started = s.Started.UTC().Format(time.RFC3339)
	}

	return json.MarshalIndent(output, "", "  ")
}
