package models

import "time"

// Summary describes the outcome of a pipeline run
type Summary struct {
	RunID    string
	Started  time.Time
	Duration time.Duration

	// Retrieval
	PagesFetched     int
	RecordsRetrieved int
	ResumedFrom      int

	// Correlation
	InputRecords    int
	InvalidRecords  int
	OutputRecords   int
	DegradedRecords int
	FailedChunks    int

	// Cache
	CacheHits      int64
	CacheMisses    int64
	CacheEvictions int64

	OutputFile string
}

// HasDegraded reports whether any record was emitted as a partial result
func (s Summary) HasDegraded() bool {
	return s.DegradedRecords > 0 || s.FailedChunks > 0 || s.InvalidRecords > 0
}
