package reporter

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethanolivertroy/cvechain/internal/models"
)

// TerminalReporter outputs the run summary in a human-readable format
type TerminalReporter struct{}

// Report generates terminal output for the given summary
func (r *TerminalReporter) Report(s models.Summary) ([]byte, error) {
	var sb strings.Builder

	if s.HasDegraded() {
		sb.WriteString("\n⚠️  RUN COMPLETED WITH PARTIAL RESULTS\n")
	} else {
		sb.WriteString("\n✅ RUN COMPLETED\n")
	}
	sb.WriteString(strings.Repeat("=", 60) + "\n\n")

	if s.RunID != "" {
		sb.WriteString(fmt.Sprintf("Run:        %s\n", s.RunID))
	}
	sb.WriteString(fmt.Sprintf("Duration:   %s\n", s.Duration.Round(time.Millisecond)))

	if s.PagesFetched > 0 || s.RecordsRetrieved > 0 {
		sb.WriteString("\n📥 Retrieval\n")
		sb.WriteString(fmt.Sprintf("   Pages fetched:     %d\n", s.PagesFetched))
		sb.WriteString(fmt.Sprintf("   Records retrieved: %d\n", s.RecordsRetrieved))
		if s.ResumedFrom > 0 {
			sb.WriteString(fmt.Sprintf("   Resumed from:      %d\n", s.ResumedFrom))
		}
	}

	sb.WriteString("\n🔗 Correlation\n")
	sb.WriteString(fmt.Sprintf("   Input records:     %d\n", s.InputRecords))
	if s.InvalidRecords > 0 {
		sb.WriteString(fmt.Sprintf("   Invalid records:   %d (skipped)\n", s.InvalidRecords))
	}
	sb.WriteString(fmt.Sprintf("   Output records:    %d\n", s.OutputRecords))
	if s.DegradedRecords > 0 {
		sb.WriteString(fmt.Sprintf("   🔴 Degraded:       %d\n", s.DegradedRecords))
	}
	if s.FailedChunks > 0 {
		sb.WriteString(fmt.Sprintf("   🔴 Failed chunks:  %d\n", s.FailedChunks))
	}

	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		sb.WriteString("\n🗄  Cache\n")
		sb.WriteString(fmt.Sprintf("   Hit rate:          %.1f%% (%d/%d)\n",
			float64(s.CacheHits)*100/float64(lookups), s.CacheHits, lookups))
		if s.CacheEvictions > 0 {
			sb.WriteString(fmt.Sprintf("   Evictions:         %d\n", s.CacheEvictions))
		}
	}

	if s.OutputFile != "" {
		sb.WriteString(fmt.Sprintf("\nResults written to %s\n", s.OutputFile))
	}

	return []byte(sb.String()), nil
}
