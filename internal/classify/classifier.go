// Package classify decides, via the LLM, whether a publication reports the
// results of a registered trial.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/llm"
	"github.com/lahnstrom/trialscout/internal/registry"
)

// CustomIDSeparator joins trial id and PMID in batch custom ids. PMIDs are
// unique per trial after dedup, so the pair cannot collide.
const CustomIDSeparator = "__"

// Classification is the judgement for one (trial, publication) pair.
type Classification struct {
	HasResults bool      `json:"has_results"`
	Reason     string    `json:"reason"`
	Tokens     llm.Usage `json:"tokens"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// ResultSchema constrains classifier responses for both modes.
var ResultSchema = &llm.Schema{
	Name: "result_detection",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"has_results": {"type": "boolean"},
			"reason": {"type": "string"}
		},
		"required": ["has_results", "reason"],
		"additionalProperties": false
	}`),
}

// Classifier builds prompts and runs the synchronous mode. Batch mode reuses
// BuildRequest/ParseContent so both modes share one prompt and one validator.
type Classifier struct {
	Completer    llm.Completer
	Model        string
	Effort       llm.ReasoningEffort
	MaxTokens    int
	SystemPrompt string
}

// CustomID returns the batch custom id for a pair.
func CustomID(trialID, pmid string) string {
	return trialID + CustomIDSeparator + pmid
}

// SplitCustomID recovers the pair from a batch custom id.
func SplitCustomID(customID string) (trialID, pmid string, err error) {
	trialID, pmid, ok := strings.Cut(customID, CustomIDSeparator)
	if !ok || trialID == "" || pmid == "" {
		return "", "", fmt.Errorf("malformed custom_id %q", customID)
	}
	return trialID, pmid, nil
}

// BuildUserPrompt assembles the comparison prompt from registration and
// publication content.
func BuildUserPrompt(reg *registry.Registration, pub *discovery.Publication) string {
	var sb strings.Builder
	sb.WriteString("## Trial registration\n")
	writeField(&sb, "Brief title", reg.BriefTitle)
	writeField(&sb, "Official title", reg.OfficialTitle)
	writeField(&sb, "Organization", reg.Organization)
	writeField(&sb, "Trial ID", reg.TrialID)
	writeField(&sb, "Study type", reg.StudyType)
	writeField(&sb, "Summary", reg.BriefSummary)
	writeField(&sb, "Detailed description", reg.DetailedDescription)
	sb.WriteString("\n## Publication\n")
	writeField(&sb, "Title", pub.Title)
	writeField(&sb, "Authors", pub.Authors)
	writeField(&sb, "Abstract", pub.Abstract)
	return sb.String()
}

func writeField(sb *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(sb, "%s: %s\n", label, value)
}

// BuildRequest produces the LLM request for a pair, shared by both modes.
func (c *Classifier) BuildRequest(reg *registry.Registration, pub *discovery.Publication) llm.Request {
	return llm.Request{
		Model:           c.Model,
		ReasoningEffort: c.Effort,
		MaxTokens:       c.MaxTokens,
		Schema:          ResultSchema,
		Messages: []llm.Message{
			{Role: "system", Content: c.SystemPrompt},
			{Role: "user", Content: BuildUserPrompt(reg, pub)},
		},
	}
}

// Classify runs the synchronous mode for one pair. Transport failures are
// returned as an unsuccessful classification rather than an error so that a
// single bad pair never aborts a trial.
func (c *Classifier) Classify(ctx context.Context, reg *registry.Registration, pub *discovery.Publication) Classification {
	completion, err := c.Completer.Complete(ctx, c.BuildRequest(reg, pub))
	if err != nil {
		return Classification{Success: false, Error: err.Error()}
	}
	result := ParseContent(completion.Content)
	result.Tokens = completion.Usage
	return result
}

// ParseContent validates the model's text output. Any parse failure leaves
// HasResults=false and records the error.
func ParseContent(content string) Classification {
	content = strings.TrimSpace(content)
	if content == "" {
		return Classification{Success: false, Error: "empty response"}
	}
	var parsed struct {
		HasResults *bool  `json:"has_results"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return Classification{Success: false, Error: fmt.Sprintf("parse: %v", err)}
	}
	if parsed.HasResults == nil {
		return Classification{Success: false, Error: "missing has_results"}
	}
	return Classification{
		HasResults: *parsed.HasResults,
		Reason:     strings.TrimSpace(parsed.Reason),
		Success:    true,
	}
}
