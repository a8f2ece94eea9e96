package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `unlockflow:
  name: "TestApp"
  version: "1.0"
channels:
  raw_buffer: 1
  processed_buffer: 1
reader:
  timeout: 5s
processor:
  max_workers: 1
  batch_size: 1
  batch_timeout: 1s
source:
  unlocks:
    base_url: "https://api.unlocks.app"
storage:
  s3:
    enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Unlockflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Unlockflow.Name)
	}
	if cfg.Source.Unlocks.BaseURL != "https://api.unlocks.app" {
		t.Errorf("unexpected base url: %s", cfg.Source.Unlocks.BaseURL)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Unlocks.TokenListPath != "/v1/token/list" {
		t.Errorf("unexpected token list path: %s", cfg.Source.Unlocks.TokenListPath)
	}
	if cfg.Source.Unlocks.EmissionPath != "/v2/emission" {
		t.Errorf("unexpected emission path: %s", cfg.Source.Unlocks.EmissionPath)
	}
	if cfg.Source.Unlocks.CacheTTL != time.Hour {
		t.Errorf("unexpected cache ttl: %v", cfg.Source.Unlocks.CacheTTL)
	}
	if cfg.Source.Unlocks.MaxTokens != 5 {
		t.Errorf("unexpected max tokens: %d", cfg.Source.Unlocks.MaxTokens)
	}
	if cfg.Processor.BucketThresholdPct != 5.0 {
		t.Errorf("unexpected bucket threshold: %f", cfg.Processor.BucketThresholdPct)
	}
}

func TestLoadConfigAPIKeyFromEnv(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	t.Setenv("UNLOCKS_API_KEY", " secret-key ")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Unlocks.APIKey != "secret-key" {
		t.Errorf("api key not taken from environment: %q", cfg.Source.Unlocks.APIKey)
	}
}

func TestLoadConfigMissingBaseURL(t *testing.T) {
	content := `unlockflow:
  name: "TestApp"
  version: "1.0"
channels:
  raw_buffer: 1
  processed_buffer: 1
processor:
  max_workers: 1
  batch_size: 1
  batch_timeout: 1s
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected error for missing base_url")
	} else if !strings.Contains(err.Error(), "base_url") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"unlockflow-archive", "a1.b2", "abc"}
	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	invalid := []string{"ab", "-bad", "Bad.Bucket", "double..dot", strings.Repeat("x", 64)}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike(EnvironmentProduction) || !IsProductionLike(EnvironmentStaging) {
		t.Fatal("production and staging should be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Fatal("development should not be production-like")
	}
}
