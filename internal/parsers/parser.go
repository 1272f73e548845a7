package parsers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethanolivertroy/cvechain/internal/models"
)

// Parser is the interface for CVE input parsers
type Parser interface {
	// CanParse returns true if this parser can handle the given filename
	CanParse(filename string) bool

	// Parse extracts CVE records from the file content. Malformed entries are
	// skipped; the returned error then aggregates one validation error per
	// skipped entry alongside the records that did parse.
	Parse(filepath string, content []byte) ([]models.CVERecord, error)
}

// GetAllParsers returns all available parsers
func GetAllParsers() []Parser {
	return []Parser{
		&RecordStreamParser{},
		&NVDFeedParser{},
	}
}

// ParseFile reads path with the first parser that accepts its name
func ParseFile(path string) ([]models.CVERecord, error) {
	filename := filepath.Base(path)

	for _, parser := range GetAllParsers() {
		if parser.CanParse(filename) {
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return parser.Parse(path, content)
		}
	}

	return nil, fmt.Errorf("no parser for %s", filename)
}
