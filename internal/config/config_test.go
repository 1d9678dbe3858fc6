package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/service"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	defaults := Default()
	assert.Equal(t, defaults.Server.Port, cfg.Server.Port)
	assert.Equal(t, defaults.Routing.MaxAttempts, cfg.Routing.MaxAttempts)
	assert.Equal(t, defaults.Routing.BroadcastTimeoutSec, cfg.Routing.BroadcastTimeoutSec)
	assert.NotEmpty(t, cfg.Services)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
logging:
  level: debug
routing:
  max_attempts: 5
  default_timeout_sec: 60
  broadcast_timeout_sec: 30
  assignments:
    code_review: smart
services:
  - name: fast
    kind: http
    enabled: true
    endpoint: http://localhost:1234
    model: small
  - name: smart
    kind: http
    enabled: true
    endpoint: http://localhost:5678
    model: big
    timeouts:
      first_token_timeout_sec: 300
`)

	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Routing.MaxAttempts)
	assert.Equal(t, 60, cfg.Routing.DefaultTimeoutSec)
	assert.Equal(t, 30, cfg.Routing.BroadcastTimeoutSec)
	assert.Equal(t, "smart", cfg.Routing.Assignments["code_review"])

	require.Len(t, cfg.Services, 2)
	assert.Equal(t, service.KindHTTP, cfg.Services[0].Kind)
	assert.Equal(t, "small", cfg.Services[0].Model)
	require.NotNil(t, cfg.Services[1].Timeouts)
	assert.Equal(t, 300, cfg.Services[1].Timeouts.FirstTokenTimeoutSec)

	// Unset values fall back to defaults.
	assert.Equal(t, Default().Routing.AnalysisTimeoutSec, cfg.Routing.AnalysisTimeoutSec)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Services = append(cfg.Services, cfg.Services[0])
	assert.Error(t, cfg.Validate(), "duplicate service names")

	cfg = Default()
	cfg.Services[0].Name = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Routing.Assignments = map[string]string{"not_a_category": "local"}
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsUnknownAssignmentCategory(t *testing.T) {
	path := writeConfig(t, `
routing:
  assignments:
    nonsense: whatever
`)
	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestRouteConfigConversion(t *testing.T) {
	cfg := Default()
	cfg.Routing.Assignments = map[string]string{"code_review": "smart"}
	cfg.Routing.DefaultTimeoutSec = 42

	rc := cfg.RouteConfig()
	assert.Equal(t, "smart", rc.Assignments[classify.CategoryCodeReview])
	assert.Equal(t, 42, rc.DefaultTimeoutSec)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	original := Default()
	original.Server.Port = 7777
	original.Routing.Assignments = map[string]string{"generation": "local"}

	require.NoError(t, Save(original, path))

	loaded, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, loaded.Server.Port)
	assert.Equal(t, "local", loaded.Routing.Assignments["generation"])
	assert.Len(t, loaded.Services, len(original.Services))
}
