package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MOEVA_PROBLEM", "problem.yaml")
	t.Setenv("MOEVA_MODEL", "model.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 10*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Model.CacheTTL)
	assert.Equal(t, 4, cfg.Attack.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.Attack.Retention)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MOEVA_PROBLEM", "problem.yaml")
	t.Setenv("MOEVA_SCORER_URL", "http://model:8501/v1/models/ids:predict")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("MOEVA_MAX_CONCURRENT", "2")
	t.Setenv("MOEVA_SCORE_CACHE_TTL", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 2, cfg.Attack.MaxConcurrent)
	assert.Zero(t, cfg.Model.CacheTTL)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no problem", map[string]string{"MOEVA_MODEL": "m.yaml"}},
		{"no model", map[string]string{"MOEVA_PROBLEM": "p.yaml"}},
		{"bad port", map[string]string{"MOEVA_PROBLEM": "p.yaml", "MOEVA_MODEL": "m.yaml", "HTTP_PORT": "eighty"}},
		{"zero concurrency", map[string]string{"MOEVA_PROBLEM": "p.yaml", "MOEVA_MODEL": "m.yaml", "MOEVA_MAX_CONCURRENT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MOEVA_PROBLEM", "")
			t.Setenv("MOEVA_MODEL", "")
			t.Setenv("MOEVA_SCORER_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
