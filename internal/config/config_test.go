package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Worker.Command = "/usr/bin/python3"
	cfg.Worker.CallTimeout = Duration{5 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Worker.Command != "/usr/bin/python3" {
		t.Errorf("Worker.Command = %q", loaded.Worker.Command)
	}
	if loaded.Worker.CallTimeout.Duration != 5*time.Second {
		t.Errorf("CallTimeout = %v, want 5s", loaded.Worker.CallTimeout)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_profile = "alt"

[worker]
command = "node"
max_backoff = "10s"
max_restarts = 0
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.MaxBackoff.Duration != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", cfg.Worker.MaxBackoff)
	}
	if cfg.Worker.MaxRestarts != 5 {
		t.Errorf("MaxRestarts = %d, want default 5", cfg.Worker.MaxRestarts)
	}
	if cfg.Worker.InitialBackoff.Duration != time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", cfg.Worker.InitialBackoff)
	}
	if cfg.Ingest.QueueSize != 2000 || cfg.Ingest.Workers != 4 {
		t.Errorf("ingest defaults = %+v", cfg.Ingest)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[worker]\ncall_timeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Worker.MaxRestarts != 5 {
		t.Errorf("MaxRestarts = %d, want 5", cfg.Worker.MaxRestarts)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestWorkerEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("TELEGRAM_API_ID=123\nTELEGRAM_API_HASH=abc\n"), 0600); err != nil {
		t.Fatal(err)
	}

	env, err := WorkerConfig{EnvFile: envPath}.WorkerEnv()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(env, "TELEGRAM_API_ID=123") || !slices.Contains(env, "TELEGRAM_API_HASH=abc") {
		t.Errorf("env file entries missing from worker env")
	}

	if _, err := (WorkerConfig{EnvFile: "/nonexistent/.env"}).WorkerEnv(); err == nil {
		t.Error("WorkerEnv() expected error for missing env file")
	}
}
