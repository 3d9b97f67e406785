package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lahnstrom/trialscout/internal/classify"
	"github.com/lahnstrom/trialscout/internal/config"
	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/llm"
	"github.com/lahnstrom/trialscout/internal/logging"
	"github.com/lahnstrom/trialscout/internal/pubmed"
	"github.com/lahnstrom/trialscout/internal/registry"
	"github.com/lahnstrom/trialscout/internal/store"
	"github.com/lahnstrom/trialscout/internal/websearch"
)

// appContext wires the shared components both drivers use: the config, the
// cache store, the PubMed scheduler singleton, and the token spend meter.
type appContext struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	sched  *pubmed.Scheduler
	pubmed *pubmed.Client
	meter  *llm.SpendMeter

	promptV1      string
	promptV2      string
	promptResults string
}

func newAppContext(cmd *cobra.Command, outputDir string) (*appContext, error) {
	configPath, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(debug)
	if err != nil {
		return nil, err
	}

	ttls, def := cfg.TTLs()
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(outputDir, "cache.db"), store.WithTTLs(ttls, def))
	if err != nil {
		return nil, err
	}

	sched := pubmed.NewScheduler()
	var pubmedOpts []pubmed.ClientOption
	pubmedOpts = append(pubmedOpts, pubmed.WithBaseURL(cfg.Pubmed.BaseURL))
	if key := os.Getenv(cfg.Pubmed.APIKeyEnv); key != "" {
		pubmedOpts = append(pubmedOpts, pubmed.WithAPIKey(key))
	}

	app := &appContext{
		cfg:    cfg,
		logger: logger,
		store:  st,
		sched:  sched,
		pubmed: pubmed.NewClient(sched, logger, pubmedOpts...),
		meter:  llm.NewSpendMeter(),
	}

	app.promptV1, err = config.ReadPrompt(cfg.SystemPrompts.QueryV1, discovery.DefaultQueryV1Prompt)
	if err != nil {
		return nil, err
	}
	app.promptV2, err = config.ReadPrompt(cfg.SystemPrompts.QueryV2, discovery.DefaultQueryV2Prompt)
	if err != nil {
		return nil, err
	}
	app.promptResults, err = config.ReadPrompt(cfg.SystemPrompts.Results, classify.DefaultSystemPrompt)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (a *appContext) Close() {
	_ = a.logger.Sync()
	_ = a.store.Close()
}

// openAICompleter builds the OpenAI-compatible client, which carries both the
// sync and batch surfaces.
func (a *appContext) openAICompleter() (*llm.OpenAIClient, error) {
	key, err := requiredEnv(a.cfg.LLM.APIKeyEnv)
	if err != nil {
		return nil, err
	}
	return llm.NewOpenAIClient(key, a.meter, a.logger, llm.WithBaseURL(a.cfg.LLM.BaseURL))
}

// completerFor selects the provider for synchronous calls: claude-* models go
// through the Anthropic SDK, everything else through the OpenAI-compatible
// client.
func (a *appContext) completerFor(model string) (llm.Completer, error) {
	if isClaudeModel(model) {
		return llm.NewAnthropicCompleterFromEnv(a.meter)
	}
	return a.openAICompleter()
}

func isClaudeModel(model string) bool {
	return len(model) >= 7 && model[:7] == "claude-"
}

func effort(s string) llm.ReasoningEffort {
	return llm.ReasoningEffort(s)
}

// fetcher builds the registry dispatch with the optional ctgov local dir.
func (a *appContext) fetcher(localRegistrations string) *registry.Fetcher {
	return &registry.Fetcher{
		CTGov: registry.NewCTGovAdapter(localRegistrations, a.logger),
		EUCTR: registry.NewEUCTRAdapter(a.logger),
		DRKS:  registry.NewDRKSAdapter(a.logger),
	}
}

// strategies assembles the configured discovery strategies.
func (a *appContext) strategies(ids []string, provider discovery.QueryProvider, scholarClient *websearch.Client) ([]discovery.Strategy, error) {
	var out []discovery.Strategy
	for _, id := range ids {
		switch id {
		case discovery.StrategyLinkedAtRegistration:
			out = append(out, discovery.LinkedAtRegistration{Pubmed: a.pubmed})
		case discovery.StrategyPubmedNaive:
			out = append(out, discovery.PubmedNaive{Client: a.pubmed, Cache: a.store})
		case discovery.StrategyGoogleScholar:
			if scholarClient == nil {
				return nil, fmt.Errorf("google_scholar strategy requires a configured websearch service")
			}
			out = append(out, discovery.GoogleScholar{Search: scholarClient, Pubmed: a.pubmed, Cache: a.store})
		case discovery.StrategyPubmedGPTV1:
			out = append(out, discovery.PubmedGPTV1{Provider: provider, Client: a.pubmed})
		case discovery.StrategyPubmedGPTV2:
			out = append(out, discovery.PubmedGPTV2{Provider: provider, Client: a.pubmed})
		default:
			return nil, fmt.Errorf("unknown strategy %q", id)
		}
	}
	return out, nil
}

func (a *appContext) websearchClient() *websearch.Client {
	if a.cfg.WebSearch.BaseURL == "" {
		return nil
	}
	var opts []websearch.Option
	opts = append(opts, websearch.WithBaseURL(a.cfg.WebSearch.BaseURL))
	if key := os.Getenv(a.cfg.WebSearch.APIKeyEnv); key != "" {
		opts = append(opts, websearch.WithAPIKey(key))
	}
	return websearch.NewClient(a.logger, opts...)
}

func (a *appContext) classifier(completer llm.Completer) *classify.Classifier {
	return &classify.Classifier{
		Completer:    completer,
		Model:        a.cfg.Models.Results,
		Effort:       llm.ReasoningEffort(a.cfg.Reasoning.Results),
		MaxTokens:    a.cfg.Batch.MaxTokensResults,
		SystemPrompt: a.promptResults,
	}
}
