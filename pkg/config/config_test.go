package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Splits != 30 {
		t.Errorf("splits = %d, want 30", cfg.Pipeline.Splits)
	}
	if cfg.Gates.Download != 2 || cfg.Gates.Extract != 16 {
		t.Errorf("gates = %+v", cfg.Gates)
	}
	if cfg.Pipeline.PopTimeout != 60*time.Second {
		t.Errorf("popTimeout = %v", cfg.Pipeline.PopTimeout)
	}
	if got := cfg.Pipeline.DoneDir(); got != filepath.Join("data", "done") {
		t.Errorf("DoneDir = %q", got)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	body := `
pipeline:
  splits: 4
  workers: 2
  queueCapacity: 8
  fillThreshold: 4
  mirrors: ["http://a/%02d", "http://b/%02d"]
trainer:
  vocabSize: 1024
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CV_WORKERS", "3")
	t.Setenv("CV_BASE_DIR", "/tmp/corpus")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Splits != 4 {
		t.Errorf("splits = %d, want 4", cfg.Pipeline.Splits)
	}
	if cfg.Pipeline.Workers != 3 {
		t.Errorf("workers = %d, want env override 3", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.BaseDir != "/tmp/corpus" {
		t.Errorf("baseDir = %q", cfg.Pipeline.BaseDir)
	}
	if len(cfg.Pipeline.Mirrors) != 2 || cfg.Pipeline.Mirrors[1] != "http://b/%02d" {
		t.Errorf("mirrors = %v", cfg.Pipeline.Mirrors)
	}
	if cfg.Trainer.VocabSize != 1024 {
		t.Errorf("vocabSize = %d", cfg.Trainer.VocabSize)
	}
}

func TestLoadRejectsZeroPolls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := `
pipeline:
  artifactPoll: 0s
  fillPoll: 0s
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, apperrors.ErrInvalidConfig) {
		t.Fatalf("Load = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero splits", func(c *Config) { c.Pipeline.Splits = 0 }},
		{"threshold above capacity", func(c *Config) { c.Pipeline.FillThreshold = c.Pipeline.QueueCapacity + 1 }},
		{"unknown exec", func(c *Config) { c.Pipeline.Exec = "threads" }},
		{"no mirrors", func(c *Config) { c.Pipeline.Mirrors = nil }},
		{"zero fill poll", func(c *Config) { c.Pipeline.FillPoll = 0 }},
		{"negative artifact poll", func(c *Config) { c.Pipeline.ArtifactPoll = -time.Second }},
		{"zero gate", func(c *Config) { c.Gates.Convert = 0 }},
		{"zero download attempts", func(c *Config) { c.Commands.DownloadAttempts = 0 }},
		{"tiny vocab", func(c *Config) { c.Trainer.VocabSize = 200 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, apperrors.ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
