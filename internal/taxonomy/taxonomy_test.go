package taxonomy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/models"
)

var cwe = Scheme{Prefix: "CWE", Separator: "-"}

func TestNormalizeForms(t *testing.T) {
	for _, id := range []string{"CWE-79", "cwe-79", "79", " CWE-79 ", "CWE:79", "CWE_79"} {
		assert.Equal(t, "79", cwe.Normalize(id), id)
		assert.Equal(t, "CWE-79", cwe.Canonical(id), id)
	}

	tech := Scheme{Prefix: "T"}
	assert.Equal(t, "1574.010", tech.Normalize("T1574.010"))
	assert.Equal(t, "T1574.010", tech.Canonical("1574.010"))

	assert.Equal(t, "A03:2021", Scheme{}.Normalize(" a03:2021"))
	assert.Equal(t, "ExecutableAllowlisting", Scheme{PreserveCase: true}.Canonical("ExecutableAllowlisting "))
}

func TestNormalizeIdempotent(t *testing.T) {
	schemes := []Scheme{cwe, {Prefix: "CAPEC", Separator: "-"}, {Prefix: "T"}, {Prefix: "W", Separator: "-"}, {}}
	for _, s := range schemes {
		for _, id := range []string{"CWE-79", "79", "capec-66", "T1059.001", "W-20", "A01:2021", ""} {
			once := s.Normalize(id)
			assert.Equal(t, once, s.Normalize(once), "%+v %q", s, id)
			assert.Equal(t, once, s.Normalize(s.Canonical(id)), "%+v %q", s, id)
		}
	}
}

func TestTableLookupAnyForm(t *testing.T) {
	table := NewTable(cwe, map[string]Record{
		"CWE-79": {Name: "XSS", Parents: []string{"CWE-20"}, Related: []string{"CAPEC-63"}},
		"20":     {Name: "Improper Input Validation"},
	})

	for _, id := range []string{"CWE-79", "79", "cwe-79"} {
		rec, ok := table.Lookup(id)
		require.True(t, ok, id)
		assert.Equal(t, "XSS", rec.Name)
	}
	assert.Equal(t, []string{"CWE-20"}, table.Parents("79"))
	assert.Equal(t, []string{"CAPEC-63"}, table.Related("CWE-79"))

	_, ok := table.Lookup("CWE-9999")
	assert.False(t, ok)
	assert.Nil(t, table.Parents("CWE-9999"), "missing key means no relations")
	assert.Equal(t, []string{"20", "79"}, table.Keys())
}

func TestTableMergesDuplicateForms(t *testing.T) {
	table := NewTable(cwe, map[string]Record{
		"CWE-79": {Parents: []string{"20"}},
		"79":     {Parents: []string{"74"}},
	})
	assert.Equal(t, 1, table.Len())
	assert.ElementsMatch(t, []string{"20", "74"}, table.Parents("79"))
}

func TestWithRelatedDoesNotMutate(t *testing.T) {
	tech := Scheme{Prefix: "T"}
	table := NewTable(tech, map[string]Record{"T1059": {Name: "Command"}})

	updated := table.WithRelated(map[string][]string{"T1059": {"ProcessTermination"}, "1190": {"InboundTrafficFiltering"}})
	assert.Nil(t, table.Related("T1059"))
	assert.Equal(t, []string{"ProcessTermination"}, updated.Related("1059"))
	assert.Equal(t, "Command", updated.records["1059"].Name)
	assert.Equal(t, 2, updated.Len())
}

func TestRiskReverseIndex(t *testing.T) {
	schemes := SchemesFrom(models.DefaultConfig().Taxonomy)
	risk := NewTable(schemes.RiskCategory, map[string]Record{
		"A03:2021": {Name: "Injection", Related: []string{"CWE-79", "89"}},
		"A01:2021": {Name: "Broken Access Control", Related: []string{"285", "79", "79"}},
	})
	ts := NewTables(schemes, nil, nil, nil, risk)

	assert.Equal(t, []string{"A01:2021", "A03:2021"}, ts.RiskCategoriesFor("CWE-79"))
	assert.Equal(t, []string{"A03:2021"}, ts.RiskCategoriesFor("89"))
	assert.Empty(t, ts.RiskCategoriesFor("CWE-1"))
	assert.Equal(t, 0, ts.Weaknesses.Len())
}

func TestParseTechniques(t *testing.T) {
	tech := Scheme{Prefix: "T"}
	annotation := "::TAXONOMY NAME:ATTACK:ENTRY ID:1574.010:ENTRY NAME:Hijack Execution Flow: Services File Permissions Weakness" +
		"::TAXONOMY NAME:ATTACK:ENTRY ID:T1059:ENTRY NAME:Command and Scripting Interpreter::"

	ids, err := ParseTechniques(annotation, tech)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1574.010", "T1059"}, ids)
}

func TestParseTechniquesSkipsMalformed(t *testing.T) {
	tech := Scheme{Prefix: "T"}
	annotation := "::TAXONOMY NAME:ATTACK:ENTRY ID:1574.010:ENTRY NAME:Good" +
		"::TAXONOMY NAME:ATTACK:ENTRY ID:not-a-technique:ENTRY NAME:Bad" +
		"::TAXONOMY NAME:ATTACK:ENTRY garbage" +
		"::TAXONOMY NAME:ATTACK:ENTRY ID:1003.1.2:ENTRY NAME:Bad"

	ids, err := ParseTechniques(annotation, tech)
	assert.Equal(t, []string{"T1574.010"}, ids, "partially parseable annotation keeps good entries")
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.True(t, faults.IsValidation(err))
}

func TestParseTechniquesEmpty(t *testing.T) {
	ids, err := ParseTechniques("", Scheme{Prefix: "T"})
	assert.NoError(t, err)
	assert.Nil(t, ids)

	ids, err = ParseTechniques("no markers here", Scheme{Prefix: "T"})
	assert.NoError(t, err)
	assert.Empty(t, ids)
}

func TestValidTechniqueID(t *testing.T) {
	tech := Scheme{Prefix: "T"}
	for _, id := range []string{"T1059", "1059", "T1059.001", "1574.010"} {
		assert.True(t, ValidTechniqueID(id, tech), id)
	}
	for _, id := range []string{"", "T", "T10a", "1059.", ".001", "TA0001"} {
		assert.False(t, ValidTechniqueID(id, tech), id)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTableSchemaVersion(t *testing.T) {
	dir := t.TempDir()

	ok := writeFile(t, dir, "ok.json", `{"schema_version": "1.4.2", "records": {"CWE-79": {"parents": ["CWE-20"]}}}`)
	table, err := LoadTable(ok, cwe)
	require.NoError(t, err)
	assert.Equal(t, []string{"CWE-20"}, table.Parents("79"))

	for name, content := range map[string]string{
		"v2.json":      `{"schema_version": "2.0.0", "records": {}}`,
		"missing.json": `{"records": {}}`,
		"bad.json":     `{"schema_version": "one", "records": {}}`,
		"broken.json":  `{"schema_version": `,
	} {
		_, err := LoadTable(writeFile(t, dir, name, content), cwe)
		assert.Error(t, err, name)
	}

	_, err = LoadTable(filepath.Join(dir, "absent.json"), cwe)
	assert.Error(t, err)

	empty, err := LoadTable("", cwe)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestSaveTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tech := Scheme{Prefix: "T"}
	table := NewTable(tech, map[string]Record{"1059": {Name: "Command", Related: []string{"ProcessTermination"}}})

	path := filepath.Join(dir, "nested", "techniques.json")
	require.NoError(t, SaveTable(path, table))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"T1059"`), "saved with canonical keys")

	loaded, err := LoadTable(path, tech)
	require.NoError(t, err)
	assert.Equal(t, []string{"ProcessTermination"}, loaded.Related("T1059"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadTables(t *testing.T) {
	dir := t.TempDir()
	cfg := models.DefaultConfig().Taxonomy
	cfg.WeaknessesFile = writeFile(t, dir, "cwe.json", `{"schema_version": "1.0.0", "records": {"79": {"related": ["CAPEC-63"]}}}`)
	cfg.AttackPatternsFile = ""
	cfg.TechniquesFile = ""
	cfg.RiskCategoriesFile = writeFile(t, dir, "owasp.json", `{"schema_version": "1.0.0", "records": {"A03:2021": {"related": ["79"]}}}`)

	ts, err := LoadTables(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"CAPEC-63"}, ts.Weaknesses.Related("CWE-79"))
	assert.Equal(t, []string{"A03:2021"}, ts.RiskCategoriesFor("CWE-79"))
	assert.Equal(t, 0, ts.AttackPatterns.Len())
}
