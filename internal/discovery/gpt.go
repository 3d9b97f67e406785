package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lahnstrom/trialscout/internal/llm"
	"github.com/lahnstrom/trialscout/internal/pubmed"
	"github.com/lahnstrom/trialscout/internal/registry"
)

const gptResultLimit = 5

// QueryBundleV1 is the single-query output of the v1 query generator.
type QueryBundleV1 struct {
	Query string `json:"query"`
}

// QueryBundleV2 is the richer v2 bundle. Limits are clamped at the parse
// boundary rather than rejected.
type QueryBundleV2 struct {
	Keywords      []string `json:"keywords"`
	Investigators []string `json:"investigators"`
	SearchStrings []string `json:"search_strings"`
	ExtraQueries  []string `json:"extra_queries"`
}

// Clamp enforces the bundle's size limits in place.
func (b *QueryBundleV2) Clamp() {
	b.Keywords = clampList(b.Keywords, 4)
	b.Investigators = clampList(b.Investigators, 3)
	b.SearchStrings = clampList(b.SearchStrings, 6)
	b.ExtraQueries = clampList(b.ExtraQueries, 3)
}

// Queries flattens the bundle into the PubMed queries to execute.
func (b *QueryBundleV2) Queries() []string {
	var out []string
	for _, q := range b.SearchStrings {
		if strings.TrimSpace(q) != "" {
			out = append(out, q)
		}
	}
	for _, q := range b.ExtraQueries {
		if strings.TrimSpace(q) != "" {
			out = append(out, q)
		}
	}
	return out
}

func clampList(in []string, max int) []string {
	if len(in) > max {
		return in[:max]
	}
	return in
}

// QueryV1Schema constrains the v1 generator's response.
var QueryV1Schema = &llm.Schema{
	Name: "pubmed_query",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"],
		"additionalProperties": false
	}`),
}

// QueryV2Schema constrains the v2 generator's response.
var QueryV2Schema = &llm.Schema{
	Name: "pubmed_query_bundle",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"keywords": {"type": "array", "items": {"type": "string"}, "maxItems": 4},
			"investigators": {"type": "array", "items": {"type": "string"}, "maxItems": 3},
			"search_strings": {"type": "array", "items": {"type": "string"}, "maxItems": 6},
			"extra_queries": {"type": "array", "items": {"type": "string"}, "maxItems": 3}
		},
		"required": ["keywords", "investigators", "search_strings", "extra_queries"],
		"additionalProperties": false
	}`),
}

// RegistrationPromptJSON serializes a registration for query-generation
// prompts with fields that would leak the answer stripped.
func RegistrationPromptJSON(reg *registry.Registration) ([]byte, error) {
	clean := *reg
	clean.HasResults = nil
	clean.References = nil
	clean.LinkedPubmedIDs = nil
	return json.MarshalIndent(&clean, "", "  ")
}

// QueryProvider supplies prepared query bundles. The live provider calls the
// LLM synchronously; the pool provider reads bundles materialized by a prior
// batch query-generation run.
type QueryProvider interface {
	QueriesV1(ctx context.Context, reg *registry.Registration) (*QueryBundleV1, error)
	QueriesV2(ctx context.Context, reg *registry.Registration) (*QueryBundleV2, error)
}

// LiveQueryProvider generates bundles with synchronous LLM calls, cached per
// trial in the query pool.
type LiveQueryProvider struct {
	Completer llm.Completer
	Pool      *QueryPool

	ModelV1  string
	ModelV2  string
	EffortV1 llm.ReasoningEffort
	EffortV2 llm.ReasoningEffort

	SystemPromptV1 string
	SystemPromptV2 string

	MaxTokensV1 int
	MaxTokensV2 int
}

func (p *LiveQueryProvider) QueriesV1(ctx context.Context, reg *registry.Registration) (*QueryBundleV1, error) {
	if bundle, err := p.Pool.GetV1(reg.TrialID); err == nil {
		return bundle, nil
	}
	payload, err := RegistrationPromptJSON(reg)
	if err != nil {
		return nil, err
	}
	completion, err := p.Completer.Complete(ctx, llm.Request{
		Model:           p.ModelV1,
		ReasoningEffort: p.EffortV1,
		MaxTokens:       p.MaxTokensV1,
		Schema:          QueryV1Schema,
		Messages: []llm.Message{
			{Role: "system", Content: p.SystemPromptV1},
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return nil, err
	}
	bundle, err := ParseQueryV1(completion.Content)
	if err != nil {
		return nil, err
	}
	if err := p.Pool.PutV1(reg.TrialID, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (p *LiveQueryProvider) QueriesV2(ctx context.Context, reg *registry.Registration) (*QueryBundleV2, error) {
	if bundle, err := p.Pool.GetV2(reg.TrialID); err == nil {
		return bundle, nil
	}
	payload, err := RegistrationPromptJSON(reg)
	if err != nil {
		return nil, err
	}
	completion, err := p.Completer.Complete(ctx, llm.Request{
		Model:           p.ModelV2,
		ReasoningEffort: p.EffortV2,
		MaxTokens:       p.MaxTokensV2,
		Schema:          QueryV2Schema,
		Messages: []llm.Message{
			{Role: "system", Content: p.SystemPromptV2},
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return nil, err
	}
	bundle, err := ParseQueryV2(completion.Content)
	if err != nil {
		return nil, err
	}
	if err := p.Pool.PutV2(reg.TrialID, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// PoolQueryProvider only reads bundles prepared by a batch run; missing
// bundles are a strategy failure, not a trigger for a live call.
type PoolQueryProvider struct {
	Pool *QueryPool
}

func (p *PoolQueryProvider) QueriesV1(_ context.Context, reg *registry.Registration) (*QueryBundleV1, error) {
	return p.Pool.GetV1(reg.TrialID)
}

func (p *PoolQueryProvider) QueriesV2(_ context.Context, reg *registry.Registration) (*QueryBundleV2, error) {
	return p.Pool.GetV2(reg.TrialID)
}

// ParseQueryV1 validates a v1 generator response.
func ParseQueryV1(content string) (*QueryBundleV1, error) {
	var bundle QueryBundleV1
	if err := json.Unmarshal([]byte(content), &bundle); err != nil {
		return nil, fmt.Errorf("query v1 parse: %w", err)
	}
	if strings.TrimSpace(bundle.Query) == "" {
		return nil, fmt.Errorf("query v1 parse: empty query")
	}
	return &bundle, nil
}

// ParseQueryV2 validates and clamps a v2 generator response.
func ParseQueryV2(content string) (*QueryBundleV2, error) {
	var bundle QueryBundleV2
	if err := json.Unmarshal([]byte(content), &bundle); err != nil {
		return nil, fmt.Errorf("query v2 parse: %w", err)
	}
	bundle.Clamp()
	if len(bundle.Queries()) == 0 {
		return nil, fmt.Errorf("query v2 parse: no usable queries")
	}
	return &bundle, nil
}

// PubmedGPTV1 runs the single LLM-generated query against PubMed.
type PubmedGPTV1 struct {
	Provider QueryProvider
	Client   *pubmed.Client
}

func (PubmedGPTV1) ID() string { return StrategyPubmedGPTV1 }

func (s PubmedGPTV1) Run(ctx context.Context, reg *registry.Registration) ([]Candidate, error) {
	bundle, err := s.Provider.QueriesV1(ctx, reg)
	if err != nil {
		return nil, err
	}
	ids, err := s.Client.Search(ctx, bundle.Query, gptResultLimit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(ids))
	for _, pmid := range ids {
		out = append(out, Candidate{PMID: pmid})
	}
	return out, nil
}

// PubmedGPTV2 runs every query of the v2 bundle and unions the results.
type PubmedGPTV2 struct {
	Provider QueryProvider
	Client   *pubmed.Client
}

func (PubmedGPTV2) ID() string { return StrategyPubmedGPTV2 }

func (s PubmedGPTV2) Run(ctx context.Context, reg *registry.Registration) ([]Candidate, error) {
	bundle, err := s.Provider.QueriesV2(ctx, reg)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []Candidate
	for _, query := range bundle.Queries() {
		ids, err := s.Client.Search(ctx, query, gptResultLimit)
		if err != nil {
			return nil, err
		}
		for _, pmid := range ids {
			if _, ok := seen[pmid]; ok {
				continue
			}
			seen[pmid] = struct{}{}
			out = append(out, Candidate{PMID: pmid})
		}
	}
	return out, nil
}
