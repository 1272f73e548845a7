package parsers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/models"
)

const opParseRecord = "parsers.record_stream"

// maxLineSize bounds a single input line
const maxLineSize = 4 * 1024 * 1024

// RecordStreamParser parses newline-delimited input records of the form
// {"CVE-2024-0001": {"weakness_ids": ["CWE-79"]}}
type RecordStreamParser struct{}

// CanParse returns true for .jsonl and .ndjson files
func (p *RecordStreamParser) CanParse(filename string) bool {
	return strings.HasSuffix(filename, ".jsonl") || strings.HasSuffix(filename, ".ndjson")
}

// recordBody is the value of an input line. "CWE" is the older key name.
type recordBody struct {
	WeaknessIDs []string `json:"weakness_ids"`
	CWE         []string `json:"CWE"`
}

// Parse extracts records line by line. Blank lines are ignored.
func (p *RecordStreamParser) Parse(filepath string, content []byte) ([]models.CVERecord, error) {
	var (
		records []models.CVERecord
		errs    error
	)

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		rec, err := ParseRecordLine(line)
		if err != nil {
			errs = multierr.Append(errs, faults.Validation(opParseRecord,
				fmt.Errorf("%s:%d: %w", filepath, lineNum, err)))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to read %s: %w", filepath, err))
	}

	return records, errs
}

// ParseRecordLine decodes one input line
func ParseRecordLine(line []byte) (models.CVERecord, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return models.CVERecord{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(obj) != 1 {
		return models.CVERecord{}, fmt.Errorf("expected one CVE per line, found %d keys", len(obj))
	}

	for id, raw := range obj {
		id = strings.TrimSpace(id)
		if !strings.HasPrefix(strings.ToUpper(id), "CVE-") {
			return models.CVERecord{}, fmt.Errorf("invalid CVE ID format: %q", id)
		}

		var body recordBody
		if err := json.Unmarshal(raw, &body); err != nil {
			return models.CVERecord{}, fmt.Errorf("%s: invalid record: %w", id, err)
		}
		ids := body.WeaknessIDs
		if ids == nil {
			ids = body.CWE
		}
		return models.CVERecord{ID: strings.ToUpper(id), WeaknessIDs: ids}, nil
	}
	return models.CVERecord{}, nil
}
