// Package config provides the configuration structure for the TTS studio.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// ErrInvalidConfig is returned when a loaded configuration is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

// APIConfig locates the TTS backend.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// PollingConfig sets the job lifecycle intervals.
type PollingConfig struct {
	IntervalMS int `toml:"interval_ms"`
	TickMS     int `toml:"tick_ms"`
}

// AudioConfig holds capture preferences and validation limits.
type AudioConfig struct {
	MaxUploadBytes     int64   `toml:"max_upload_bytes"`
	MinDurationSeconds float64 `toml:"min_duration_seconds"`
	SampleRate         int     `toml:"sample_rate"`
	Channels           int     `toml:"channels"`
}

// CatalogConfig sets how long language and speaker lists are cached.
type CatalogConfig struct {
	TTLSeconds int `toml:"ttl_seconds"`
}

// NATSConfig holds the configuration for NATS. An empty URL disables it.
type NATSConfig struct {
	URL              string `toml:"url"`
	JobStateSubject  string `toml:"job_state_subject"`
	CommandSubject   string `toml:"command_subject"`
	RecordingsBucket string `toml:"recordings_bucket"`
}

// ServerConfig configures the companion HTTP server.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	OutputDir   string `toml:"output_dir"`
}

// Config is the root configuration structure.
type Config struct {
	API     APIConfig     `toml:"api"`
	Polling PollingConfig `toml:"polling"`
	Audio   AudioConfig   `toml:"audio"`
	Catalog CatalogConfig `toml:"catalog"`
	NATS    NATSConfig    `toml:"nats"`
	Server  ServerConfig  `toml:"server"`
	Paths   PathsConfig   `toml:"paths"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 60,
		},
		Polling: PollingConfig{
			IntervalMS: 2000,
			TickMS:     1000,
		},
		Audio: AudioConfig{
			MaxUploadBytes:     10 * 1024 * 1024,
			MinDurationSeconds: 3,
			SampleRate:         48000,
			Channels:           2,
		},
		Catalog: CatalogConfig{TTLSeconds: 300},
		NATS: NATSConfig{
			JobStateSubject:  "tts.studio.job.state",
			CommandSubject:   "tts.studio.job.command",
			RecordingsBucket: "TTS_RECORDINGS",
		},
		Server: ServerConfig{Addr: ":8090"},
		Paths: PathsConfig{
			BaseLogsDir: "logs",
			OutputDir:   ".",
		},
	}
}

// ApplyDefaults fills every zero-valued field from Defaults.
func (c *Config) ApplyDefaults() {
	defaults := Defaults()

	setString(&c.API.BaseURL, defaults.API.BaseURL)
	setInt(&c.API.TimeoutSeconds, defaults.API.TimeoutSeconds)
	setInt(&c.Polling.IntervalMS, defaults.Polling.IntervalMS)
	setInt(&c.Polling.TickMS, defaults.Polling.TickMS)

	if c.Audio.MaxUploadBytes <= 0 {
		c.Audio.MaxUploadBytes = defaults.Audio.MaxUploadBytes
	}

	if c.Audio.MinDurationSeconds <= 0 {
		c.Audio.MinDurationSeconds = defaults.Audio.MinDurationSeconds
	}

	setInt(&c.Audio.SampleRate, defaults.Audio.SampleRate)
	setInt(&c.Audio.Channels, defaults.Audio.Channels)
	setInt(&c.Catalog.TTLSeconds, defaults.Catalog.TTLSeconds)
	setString(&c.NATS.JobStateSubject, defaults.NATS.JobStateSubject)
	setString(&c.NATS.CommandSubject, defaults.NATS.CommandSubject)
	setString(&c.NATS.RecordingsBucket, defaults.NATS.RecordingsBucket)
	setString(&c.Server.Addr, defaults.Server.Addr)
	setString(&c.Paths.BaseLogsDir, defaults.Paths.BaseLogsDir)
	setString(&c.Paths.OutputDir, defaults.Paths.OutputDir)
}

// Validate checks the values that have no safe fallback.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url is required", ErrInvalidConfig)
	}

	if c.Audio.SampleRate > 192000 {
		return fmt.Errorf("%w: audio.sample_rate %d is out of range", ErrInvalidConfig, c.Audio.SampleRate)
	}

	if c.Audio.Channels > 8 {
		return fmt.Errorf("%w: audio.channels %d is out of range", ErrInvalidConfig, c.Audio.Channels)
	}

	return nil
}

// APITimeout returns the backend request timeout.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// PollInterval returns the job status poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalMS) * time.Millisecond
}

// TickInterval returns the elapsed-time tick interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Polling.TickMS) * time.Millisecond
}

// MinDuration returns the shortest accepted reference audio.
func (c *Config) MinDuration() time.Duration {
	return time.Duration(c.Audio.MinDurationSeconds * float64(time.Second))
}

// CatalogTTL returns how long catalog lists stay fresh.
func (c *Config) CatalogTTL() time.Duration {
	return time.Duration(c.Catalog.TTLSeconds) * time.Second
}

// Load loads the project configuration through the configurator and fills
// defaults.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile reads an explicit TOML file and fills defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func setString(field *string, fallback string) {
	if *field == "" {
		*field = fallback
	}
}

func setInt(field *int, fallback int) {
	if *field <= 0 {
		*field = fallback
	}
}
