package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.tgsync/config.toml.
type Config struct {
	DefaultProfile string        `toml:"default_profile"`
	Worker         WorkerConfig  `toml:"worker"`
	Ingest         IngestConfig  `toml:"ingest"`
	Metrics        MetricsConfig `toml:"metrics"`
	Log            LogConfig     `toml:"log"`
}

// WorkerConfig describes how to launch and supervise the bridge worker.
type WorkerConfig struct {
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Dir            string   `toml:"dir"`
	EnvFile        string   `toml:"env_file"`
	CallTimeout    Duration `toml:"call_timeout"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	MaxRestarts    int      `toml:"max_restarts"`
	StopGrace      Duration `toml:"stop_grace"`
}

// IngestConfig tunes the live ingestion queue and backfill sizes.
type IngestConfig struct {
	QueueSize        int      `toml:"queue_size"`
	Workers          int      `toml:"workers"`
	SettingsTTL      Duration `toml:"settings_ttl"`
	BackfillDialogs  int      `toml:"backfill_dialogs"`
	BackfillMessages int      `toml:"backfill_messages"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig sets the minimum log level (debug, info, warn, error).
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration that round-trips through TOML as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Command:        "python3",
			Args:           []string{"telegram_service.py"},
			CallTimeout:    Duration{30 * time.Second},
			InitialBackoff: Duration{time.Second},
			MaxBackoff:     Duration{30 * time.Second},
			MaxRestarts:    5,
			StopGrace:      Duration{3 * time.Second},
		},
		Ingest: IngestConfig{
			QueueSize:        2000,
			Workers:          4,
			SettingsTTL:      Duration{30 * time.Second},
			BackfillDialogs:  50,
			BackfillMessages: 50,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fillZero()
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// fillZero restores defaults for values explicitly written as zero.
func (c *Config) fillZero() {
	def := Default()
	if c.Worker.CallTimeout.Duration <= 0 {
		c.Worker.CallTimeout = def.Worker.CallTimeout
	}
	if c.Worker.InitialBackoff.Duration <= 0 {
		c.Worker.InitialBackoff = def.Worker.InitialBackoff
	}
	if c.Worker.MaxBackoff.Duration <= 0 {
		c.Worker.MaxBackoff = def.Worker.MaxBackoff
	}
	if c.Worker.MaxRestarts <= 0 {
		c.Worker.MaxRestarts = def.Worker.MaxRestarts
	}
	if c.Worker.StopGrace.Duration <= 0 {
		c.Worker.StopGrace = def.Worker.StopGrace
	}
	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = def.Ingest.QueueSize
	}
	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = def.Ingest.Workers
	}
	if c.Ingest.SettingsTTL.Duration <= 0 {
		c.Ingest.SettingsTTL = def.Ingest.SettingsTTL
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// WorkerEnv returns the environment for the worker process: the parent
// environment followed by the entries of EnvFile, sorted by key.
func (w WorkerConfig) WorkerEnv() ([]string, error) {
	env := os.Environ()
	if w.EnvFile == "" {
		return env, nil
	}
	vars, err := godotenv.Read(w.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("read worker env file: %w", err)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env, nil
}
