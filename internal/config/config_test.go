package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, types.StrategyLocal, cfg.Worker.Mode)
	assert.Equal(t, 2, cfg.Worker.Count)
	assert.Equal(t, 30*time.Minute, cfg.Worker.JobTimeout)
	assert.Equal(t, EngineOpenAIWhisper, cfg.Engine.Kind)
	assert.Equal(t, "python", cfg.Engine.Command)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, uint(3), cfg.Retry.MaxAttempts)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
worker:
  job_timeout: 90s
engine:
  kind: whisper-cpp
cleanup:
  interval: 1m
`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, time.Minute, cfg.Cleanup.Interval)
	assert.Equal(t, "whisper-cli", cfg.Engine.Command)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown mode", "worker:\n  mode: hybrid\n"},
		{"unknown engine", "engine:\n  kind: vosk\n"},
		{"redis without url", "queue:\n  backend: redis\n"},
		{"s3 without bucket", "storage:\n  backend: s3\n"},
		{"remote without endpoint", "worker:\n  mode: remote\n"},
		{"callback without public url", "worker:\n  mode: remote\nremote:\n  endpoint: http://x\n  mode: callback\n"},
		{"scratch max age within job timeout", "worker:\n  job_timeout: 2h\ncleanup:\n  max_age: 2h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  public_url: https://api.example.com
worker:
  mode: remote
remote:
  endpoint: https://gpu.example.com/transcribe
  mode: callback
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRemote, cfg.Worker.Mode)
	assert.Equal(t, "https://api.example.com/v1/callbacks/transcription", cfg.CallbackURL())
	assert.Equal(t, cfg.Worker.JobTimeout, cfg.Remote.Timeout)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
