package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"monitor": {"interval": "2s"},
		"nats": {"url": "nats://localhost:4222"}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, time.Duration(cfg.Monitor.Interval))
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.3, cfg.Monitor.ErrorRate)
	assert.Equal(t, 3, cfg.Adaptation.RetryBudget)
	assert.Equal(t, "samstraumr", cfg.NATS.SubjectPrefix)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"monitor": {"error_rate": 1.5}}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error_rate")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }},
		{"negative error rate", func(c *Config) { c.Monitor.ErrorRate = -0.1 }},
		{"zero critical after", func(c *Config) { c.Monitor.CriticalAfter = 0 }},
		{"zero retry budget", func(c *Config) { c.Adaptation.RetryBudget = 0 }},
		{"negative dwell", func(c *Config) { c.Adaptation.MinDwell = Duration(-time.Second) }},
		{"zero error budget", func(c *Config) { c.Machine.ErrorBudget = 0 }},
		{"zero window", func(c *Config) { c.Tube.WindowSize = 0 }},
		{"empty metrics addr", func(c *Config) { c.Metrics.Addr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, time.Duration(d))

	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, time.Duration(d))

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))
}
