package taxonomy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/mod/semver"

	"github.com/ethanolivertroy/cvechain/internal/models"
)

// SchemaVersion is written by SaveTable. Readers accept any 1.x.y.
const SchemaVersion = "1.0.0"

// tableFile is the on-disk layout of a taxonomy table
type tableFile struct {
	SchemaVersion string            `json:"schema_version"`
	Records       map[string]Record `json:"records"`
}

// checkSchemaVersion rejects files written for an incompatible layout
func checkSchemaVersion(v string) error {
	if v == "" {
		return errors.New("missing schema_version")
	}
	sv := v
	if sv[0] != 'v' {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return fmt.Errorf("invalid schema_version %q", v)
	}
	if semver.Major(sv) != semver.Major("v"+SchemaVersion) {
		return fmt.Errorf("unsupported schema_version %s (want %s)", v, semver.Major("v"+SchemaVersion)+".x")
	}
	return nil
}

// ReadTable decodes a table from r
func ReadTable(r io.Reader, scheme Scheme) (*Table, error) {
	var f tableFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode taxonomy table: %w", err)
	}
	if err := checkSchemaVersion(f.SchemaVersion); err != nil {
		return nil, err
	}
	return NewTable(scheme, f.Records), nil
}

// LoadTable reads a table file. An empty path yields an empty table.
func LoadTable(path string, scheme Scheme) (*Table, error) {
	if path == "" {
		return EmptyTable(scheme), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open taxonomy table: %w", err)
	}
	defer f.Close()

	t, err := ReadTable(f, scheme)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// SaveTable writes t to path atomically, keyed by canonical id
func SaveTable(path string, t *Table) error {
	f := tableFile{
		SchemaVersion: SchemaVersion,
		Records:       make(map[string]Record, t.Len()),
	}
	for _, key := range t.Keys() {
		f.Records[t.scheme.Canonical(key)] = t.records[key]
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode taxonomy table: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create table directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write taxonomy table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write taxonomy table: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadTables reads every table named in cfg and builds the reverse indexes
func LoadTables(cfg models.TaxonomyConfig) (*Tables, error) {
	schemes := SchemesFrom(cfg)

	weaknesses, err := LoadTable(cfg.WeaknessesFile, schemes.Weakness)
	if err != nil {
		return nil, err
	}
	attackPatterns, err := LoadTable(cfg.AttackPatternsFile, schemes.AttackPattern)
	if err != nil {
		return nil, err
	}
	techniques, err := LoadTable(cfg.TechniquesFile, schemes.Technique)
	if err != nil {
		return nil, err
	}
	risk, err := LoadTable(cfg.RiskCategoriesFile, schemes.RiskCategory)
	if err != nil {
		return nil, err
	}

	return NewTables(schemes, weaknesses, attackPatterns, techniques, risk), nil
}
