// Package llm provides the synchronous completion and asynchronous batch
// surfaces of the LLM service, plus process-wide token spend accounting.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ReasoningEffort is the model's configured reasoning budget.
type ReasoningEffort string

const (
	EffortMinimal ReasoningEffort = "minimal"
	EffortLow     ReasoningEffort = "low"
	EffortMedium  ReasoningEffort = "medium"
	EffortHigh    ReasoningEffort = "high"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is a JSON-schema-constrained response format.
type Schema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// Request describes one completion call.
type Request struct {
	Model           string
	ReasoningEffort ReasoningEffort
	MaxTokens       int
	Schema          *Schema
	Messages        []Message
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Completion is the parsed result of a synchronous call.
type Completion struct {
	Content string
	Usage   Usage
}

// Completer is the synchronous surface. Both the OpenAI-compatible client
// and the Anthropic completer satisfy it.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// BatchStatus is the lifecycle state of an asynchronous batch job.
type BatchStatus string

const (
	BatchValidating BatchStatus = "validating"
	BatchInProgress BatchStatus = "in_progress"
	BatchFinalizing BatchStatus = "finalizing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchExpired    BatchStatus = "expired"
	BatchCancelled  BatchStatus = "cancelled"
)

// TerminalFailure reports whether the status is a terminal failure.
func (s BatchStatus) TerminalFailure() bool {
	switch s {
	case BatchFailed, BatchExpired, BatchCancelled:
		return true
	}
	return false
}

// BatchJob is the service's view of one batch.
type BatchJob struct {
	ID            string      `json:"id"`
	Status        BatchStatus `json:"status"`
	InputFileID   string      `json:"input_file_id,omitempty"`
	OutputFileID  string      `json:"output_file_id,omitempty"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

// BatchError is a terminal batch-job failure.
type BatchError struct {
	BatchID string
	Status  BatchStatus
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("llm batch %s ended in terminal status %s", e.BatchID, e.Status)
}

// ErrEmptyResponse marks a completion with no text output.
var ErrEmptyResponse = errors.New("llm: empty response")

// BatchRequest is one line of a batch input file.
type BatchRequest struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// BatchResponseLine is one line of a batch output file.
type BatchResponseLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SpendMeter is the process-wide token spend counter. It is passed
// explicitly; there is no package-level instance.
type SpendMeter struct {
	mu    sync.Mutex
	spend map[string]Usage
}

func NewSpendMeter() *SpendMeter {
	return &SpendMeter{spend: map[string]Usage{}}
}

// Add records usage under a model identifier.
func (m *SpendMeter) Add(model string, u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.spend[model]
	cur.InputTokens += u.InputTokens
	cur.OutputTokens += u.OutputTokens
	cur.TotalTokens += u.TotalTokens
	m.spend[model] = cur
}

// Totals returns a copy of per-model usage.
func (m *SpendMeter) Totals() map[string]Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Usage, len(m.spend))
	for k, v := range m.spend {
		out[k] = v
	}
	return out
}
