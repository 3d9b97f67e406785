// Package config loads and validates trialscout configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/llm"
)

// Models selects LLM model identifiers per concern.
type Models struct {
	QueryV1 string `yaml:"queryV1"`
	QueryV2 string `yaml:"queryV2"`
	Results string `yaml:"results"`
}

// Reasoning selects per-concern reasoning effort.
type Reasoning struct {
	QueryV1 string `yaml:"queryV1"`
	QueryV2 string `yaml:"queryV2"`
	Results string `yaml:"results"`
}

// Batch controls chunking, budgets, and enabled strategies.
type Batch struct {
	Strategies         []string `yaml:"strategies"`
	MaxTokensQueryV1   int      `yaml:"maxTokensQueryV1"`
	MaxTokensQueryV2   int      `yaml:"maxTokensQueryV2"`
	MaxTokensResults   int      `yaml:"maxTokensResults"`
	MaxRequestsPerBatch int     `yaml:"maxRequestsPerBatch"`
	MaxBytesPerBatch   int64    `yaml:"maxBytesPerBatch"`
	SafetyBuffer       float64  `yaml:"safetyBuffer"`
	MaxTokensPerDay    int64    `yaml:"maxTokensPerDay"`
	CompletionWindow   string   `yaml:"completionWindow"`
}

// Cache sets per-cache-type TTLs in seconds.
type Cache struct {
	TTL map[string]int64 `yaml:"ttl"`
}

// SystemPrompts are paths to the prompt files.
type SystemPrompts struct {
	QueryV1 string `yaml:"queryV1"`
	QueryV2 string `yaml:"queryV2"`
	Results string `yaml:"results"`
}

// Service holds the endpoint and key location of one external service.
type Service struct {
	BaseURL   string `yaml:"baseURL"`
	APIKeyEnv string `yaml:"apiKeyEnv"`
}

// Pricing is USD per million tokens for one model, used by cost calculation.
type Pricing struct {
	InputPerMTok  float64 `yaml:"inputPerMTok"`
	OutputPerMTok float64 `yaml:"outputPerMTok"`
}

// Config is the full runtime configuration.
type Config struct {
	Models        Models             `yaml:"models"`
	Reasoning     Reasoning          `yaml:"reasoning"`
	Batch         Batch              `yaml:"batch"`
	Cache         Cache              `yaml:"cache"`
	SystemPrompts SystemPrompts      `yaml:"systemPrompts"`
	LLM           Service            `yaml:"llm"`
	Pubmed        Service            `yaml:"pubmed"`
	WebSearch     Service            `yaml:"websearch"`
	Pricing       map[string]Pricing `yaml:"pricing"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Models: Models{
			QueryV1: "gpt-5-mini",
			QueryV2: "gpt-5-mini",
			Results: "gpt-5-mini",
		},
		Reasoning: Reasoning{
			QueryV1: string(llm.EffortMinimal),
			QueryV2: string(llm.EffortMinimal),
			Results: string(llm.EffortLow),
		},
		Batch: Batch{
			Strategies: []string{
				discovery.StrategyLinkedAtRegistration,
				discovery.StrategyPubmedNaive,
				discovery.StrategyPubmedGPTV1,
				discovery.StrategyPubmedGPTV2,
			},
			MaxTokensQueryV1:    2000,
			MaxTokensQueryV2:    4000,
			MaxTokensResults:    2000,
			MaxRequestsPerBatch: 50000,
			MaxBytesPerBatch:    200 << 20,
			SafetyBuffer:        0.95,
			MaxTokensPerDay:     90_000_000,
			CompletionWindow:    "24h",
		},
		Cache: Cache{
			TTL: map[string]int64{
				"pubmed-naive":           7 * 24 * 3600,
				"linked-at-registration": 30 * 24 * 3600,
				"gpt-queries":            90 * 24 * 3600,
				"gpt-queries-v2":         90 * 24 * 3600,
				"default":                7 * 24 * 3600,
			},
		},
		LLM:    Service{BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
		Pubmed: Service{BaseURL: "https://eutils.ncbi.nlm.nih.gov/entrez/eutils", APIKeyEnv: "PUBMED_API_KEY"},
	}
}

// Load reads path over the defaults. A missing path returns pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate aborts before any external call on a misconfigured run.
func (c *Config) Validate() error {
	if c.Batch.SafetyBuffer <= 0 || c.Batch.SafetyBuffer > 1 {
		return fmt.Errorf("config: batch.safetyBuffer must be in (0, 1], got %v", c.Batch.SafetyBuffer)
	}
	if c.Batch.MaxRequestsPerBatch <= 0 {
		return fmt.Errorf("config: batch.maxRequestsPerBatch must be positive")
	}
	if c.Batch.MaxBytesPerBatch <= 0 {
		return fmt.Errorf("config: batch.maxBytesPerBatch must be positive")
	}
	if c.Batch.MaxTokensPerDay <= 0 {
		return fmt.Errorf("config: batch.maxTokensPerDay must be positive")
	}
	if c.Batch.CompletionWindow == "" {
		return fmt.Errorf("config: batch.completionWindow is required")
	}
	known := map[string]struct{}{}
	for _, id := range discovery.AllStrategies {
		known[id] = struct{}{}
	}
	for _, id := range c.Batch.Strategies {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("config: unknown strategy %q", id)
		}
	}
	for _, effort := range []string{c.Reasoning.QueryV1, c.Reasoning.QueryV2, c.Reasoning.Results} {
		switch llm.ReasoningEffort(effort) {
		case llm.EffortMinimal, llm.EffortLow, llm.EffortMedium, llm.EffortHigh:
		default:
			return fmt.Errorf("config: invalid reasoning effort %q", effort)
		}
	}
	return nil
}

// TTLs converts the cache section into per-type durations plus the default.
func (c *Config) TTLs() (map[string]time.Duration, time.Duration) {
	out := map[string]time.Duration{}
	def := 7 * 24 * time.Hour
	for k, secs := range c.Cache.TTL {
		d := time.Duration(secs) * time.Second
		if k == "default" {
			def = d
			continue
		}
		out[k] = d
	}
	return out, def
}

// StrategyEnabled reports whether a strategy id is configured for batch runs.
func (c *Config) StrategyEnabled(id string) bool {
	for _, s := range c.Batch.Strategies {
		if s == id {
			return true
		}
	}
	return false
}

// ReadPrompt loads a system prompt file, with a fallback default when the
// path is unset.
func ReadPrompt(path, fallback string) (string, error) {
	if path == "" {
		return fallback, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: prompt file: %w", err)
	}
	return string(raw), nil
}
