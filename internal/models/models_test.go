package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDSetSortsAndDeduplicates(t *testing.T) {
	set := NewIDSet("CWE-79", "CWE-20", "CWE-79", "", "CWE-100")
	assert.Equal(t, IDSet{"CWE-100", "CWE-20", "CWE-79"}, set)
	assert.True(t, set.Contains("CWE-20"))
	assert.False(t, set.Contains("CWE-21"))
}

func TestIDSetMarshalsNilAsEmptyArray(t *testing.T) {
	var set IDSet
	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestEnrichedRecordMarshalLine(t *testing.T) {
	rec := EnrichedRecord{
		CVE:            "CVE-2024-0001",
		Weaknesses:     NewIDSet("W-79", "W-20"),
		AttackPatterns: NewIDSet("AP-1"),
		Techniques:     NewIDSet("T-100"),
	}
	line, err := rec.MarshalLine()
	require.NoError(t, err)
	assert.Equal(t,
		`{"CVE-2024-0001":{"weaknesses":["W-20","W-79"],"attack_patterns":["AP-1"],"techniques":["T-100"],"defensive_techniques":[],"risk_categories":[]}}`,
		string(line))
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigOverlaysFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cvechain.toml")
	content := `
[nvd]
results_per_page = 500
api_key_env = "TEST_CVECHAIN_KEY"

[retry]
strategy = "linear"
base_delay = "250ms"

[processing]
max_workers = 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("TEST_CVECHAIN_KEY", "secret")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 500, config.NVD.ResultsPerPage)
	assert.Equal(t, "secret", config.NVD.APIKey)
	assert.Equal(t, "linear", config.Retry.Strategy)
	assert.Equal(t, 250*time.Millisecond, config.Retry.BaseDelay)
	assert.Equal(t, 4, config.Processing.MaxWorkers)
	assert.Equal(t, 1000, config.Processing.BatchSize, "unset fields keep defaults")
}

func TestValidateRejectsBadValues(t *testing.T) {
	config := DefaultConfig()
	config.Retry.Strategy = "fibonacci"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.RateLimit.MaxCallsPerSec = 0.01
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Retrieval.ThrottleFactor = 2.0
	assert.Error(t, config.Validate(), "429 backoff must be steeper than 2x")
}
