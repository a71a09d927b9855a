package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/tts-studio/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
[api]
base_url = "https://tts.example.com"
token = "secret"
timeout_seconds = 30

[polling]
interval_ms = 1500
tick_ms = 500

[audio]
max_upload_bytes = 5242880
min_duration_seconds = 2.5
sample_rate = 44100
channels = 1

[catalog]
ttl_seconds = 60

[nats]
url = "nats://127.0.0.1:4222"
job_state_subject = "studio.state"
command_subject = "studio.commands"
recordings_bucket = "TAKES"

[server]
addr = "127.0.0.1:9000"

[paths]
base_logs_dir = "/var/log/tts-studio"
output_dir = "/tmp/out"
`

func TestConfig_Unmarshal(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	err := toml.Unmarshal([]byte(fullConfig), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "https://tts.example.com", cfg.API.BaseURL)
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, 30*time.Second, cfg.APITimeout())
	assert.Equal(t, 1500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, int64(5242880), cfg.Audio.MaxUploadBytes)
	assert.Equal(t, 2500*time.Millisecond, cfg.MinDuration())
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, time.Minute, cfg.CatalogTTL())
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "studio.state", cfg.NATS.JobStateSubject)
	assert.Equal(t, "studio.commands", cfg.NATS.CommandSubject)
	assert.Equal(t, "TAKES", cfg.NATS.RecordingsBucket)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/var/log/tts-studio", cfg.Paths.BaseLogsDir)
	assert.Equal(t, "/tmp/out", cfg.Paths.OutputDir)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.Config{API: config.APIConfig{BaseURL: "http://backend"}}
	cfg.ApplyDefaults()

	defaults := config.Defaults()
	assert.Equal(t, "http://backend", cfg.API.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, time.Second, cfg.TickInterval())
	assert.Equal(t, int64(10*1024*1024), cfg.Audio.MaxUploadBytes)
	assert.Equal(t, 3*time.Second, cfg.MinDuration())
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, 2, cfg.Audio.Channels)
	assert.Equal(t, defaults.NATS.RecordingsBucket, cfg.NATS.RecordingsBucket)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, defaults.Server.Addr, cfg.Server.Addr)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "studio.toml")

	require.NoError(t, os.WriteFile(path, []byte("[api]\nbase_url = \"http://tts:8000\"\n"), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://tts:8000", cfg.API.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.APITimeout())

	_, err = config.LoadFile(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[api\nbase_url ="), 0o600))

	_, err = config.LoadFile(bad)
	require.Error(t, err)

	outOfRange := filepath.Join(dir, "range.toml")
	require.NoError(t, os.WriteFile(outOfRange, []byte("[audio]\nchannels = 12\n"), 0o600))

	_, err = config.LoadFile(outOfRange)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
