package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.OpenDuration)
	assert.Equal(t, 256, cfg.Events.QueueCapacity)
	assert.Contains(t, cfg.Degrade.CoreDependencies, "cache")
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentry.yaml")
	content := []byte(`
breaker:
  failure_threshold: 5
  open_duration: 10s
events:
  queue_capacity: 16
registry:
  max_agents_per_session: 4
  warning_agents_per_session: 3
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.OpenDuration)
	assert.Equal(t, 16, cfg.Events.QueueCapacity)
	assert.Equal(t, 4, cfg.Registry.MaxAgentsPerSession)
	// Untouched values stay at defaults.
	assert.Equal(t, Default().Events.EmitTimeout, cfg.Events.EmitTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("breaker:\n  failure_threshold: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateWarningBand(t *testing.T) {
	cfg := Default()
	cfg.Registry.WarningAgentsPerSession = cfg.Registry.MaxAgentsPerSession + 1
	assert.Error(t, cfg.Validate())
}

func TestRenderRoundTrips(t *testing.T) {
	out, err := Default().Render()
	require.NoError(t, err)
	assert.Contains(t, out, "failure_threshold: 3")
	assert.Contains(t, out, "queue_capacity: 256")
}
