package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lahnstrom/trialscout/internal/discovery"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trialscout.yaml")
	yaml := `
models:
  results: custom-model
batch:
  strategies: [linked_at_registration]
  maxTokensPerDay: 1000
  maxRequestsPerBatch: 10
  maxBytesPerBatch: 1048576
  safetyBuffer: 0.9
  completionWindow: 24h
cache:
  ttl:
    pubmed-naive: 60
    default: 120
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Models.Results != "custom-model" {
		t.Fatalf("models: %+v", cfg.Models)
	}
	if cfg.Models.QueryV1 == "" {
		t.Fatal("defaults lost on partial override")
	}
	if len(cfg.Batch.Strategies) != 1 || cfg.Batch.Strategies[0] != discovery.StrategyLinkedAtRegistration {
		t.Fatalf("strategies: %v", cfg.Batch.Strategies)
	}
	ttls, def := cfg.TTLs()
	if ttls["pubmed-naive"] != time.Minute || def != 2*time.Minute {
		t.Fatalf("ttls: %v %v", ttls, def)
	}
}

func TestValidateRejectsBadSafetyBuffer(t *testing.T) {
	cfg := Default()
	cfg.Batch.SafetyBuffer = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error")
	}
	cfg.Batch.SafetyBuffer = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := Default()
	cfg.Batch.Strategies = append(cfg.Batch.Strategies, "made_up")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRejectsBadEffort(t *testing.T) {
	cfg := Default()
	cfg.Reasoning.Results = "extreme"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error")
	}
}

func TestStrategyEnabled(t *testing.T) {
	cfg := Default()
	cfg.Batch.Strategies = []string{discovery.StrategyPubmedNaive}
	if !cfg.StrategyEnabled(discovery.StrategyPubmedNaive) {
		t.Fatal("expected enabled")
	}
	if cfg.StrategyEnabled(discovery.StrategyGoogleScholar) {
		t.Fatal("expected disabled")
	}
}

func TestReadPromptFallback(t *testing.T) {
	got, err := ReadPrompt("", "fallback text")
	if err != nil || got != "fallback text" {
		t.Fatalf("%q %v", got, err)
	}
	if _, err := ReadPrompt(filepath.Join(t.TempDir(), "missing.txt"), "x"); err == nil {
		t.Fatal("expected error for missing prompt file")
	}
}
