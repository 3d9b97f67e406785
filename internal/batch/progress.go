// Package batch drives tens of thousands of trials through the staged,
// resumable publication-discovery and result-classification pipeline backed
// by the LLM batch service.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/registry"
)

// Stage is the orchestrator's durable state-machine position.
type Stage string

const (
	StagePrep              Stage = "PREP"
	StageQueryGenUpload    Stage = "QUERY_GEN_UPLOAD"
	StageQueryGenPoll      Stage = "QUERY_GEN_POLL"
	StageQueryGenProcess   Stage = "QUERY_GEN_PROCESS"
	StagePubDiscovery      Stage = "PUB_DISCOVERY"
	StageResultPreparation Stage = "RESULT_GEN_PREPARATION"
	StageResultUpload      Stage = "RESULT_GEN_UPLOAD"
	StageResultPoll        Stage = "RESULT_GEN_POLL"
	StageResultProcess     Stage = "RESULT_GEN_PROCESS"
	StageFinalize          Stage = "FINALIZE"
	StageCostCalculation   Stage = "COST_CALCULATION"
	StageComplete          Stage = "COMPLETE"
)

// ChunkStatus is a chunk's position in its lifecycle. Transitions are
// monotone: pending → uploaded → {in_progress|validating|finalizing} →
// completed → processed.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkUploaded   ChunkStatus = "uploaded"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkValidating ChunkStatus = "validating"
	ChunkFinalizing ChunkStatus = "finalizing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkProcessed  ChunkStatus = "processed"
	ChunkFailed     ChunkStatus = "failed"
)

// nonTerminal reports whether the chunk still needs polling.
func (s ChunkStatus) nonTerminal() bool {
	switch s {
	case ChunkUploaded, ChunkValidating, ChunkInProgress, ChunkFinalizing:
		return true
	}
	return false
}

// Chunk is one bounded group of classification requests submitted as a
// single batch job.
type Chunk struct {
	Index           int         `json:"index"`
	InputFile       string      `json:"input_file"`
	RequestCount    int         `json:"request_count"`
	EstimatedTokens int64       `json:"estimated_tokens"`
	SizeBytes       int64       `json:"size_bytes"`
	Status          ChunkStatus `json:"status"`
	BatchID         string      `json:"batch_id,omitempty"`
	InputFileID     string      `json:"input_file_id,omitempty"`
	OutputFileID    string      `json:"output_file_id,omitempty"`
	UploadedAt      *time.Time  `json:"uploaded_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	ProcessedAt     *time.Time  `json:"processed_at,omitempty"`
}

// QueryGenJob tracks one query-generation batch variant.
type QueryGenJob struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	InputFileID  string `json:"input_file_id,omitempty"`
	OutputFileID string `json:"output_file_id,omitempty"`
	Processed    bool   `json:"processed,omitempty"`
}

// DailyTokens tracks spend against the daily budget.
type DailyTokens struct {
	Date   string `json:"date"`
	Tokens int64  `json:"tokens"`
}

// ResultDetection is the chunked classification sub-state.
type ResultDetection struct {
	Chunks               []Chunk     `json:"chunks"`
	DailyTokensUsed      DailyTokens `json:"daily_tokens_used"`
	TotalEstimatedTokens int64       `json:"total_estimated_tokens"`
}

// TrialPublications is the per-trial discovery outcome. Candidates are the
// publications that passed both date gates; Filtered were held back.
type TrialPublications struct {
	Candidates []discovery.Publication `json:"candidates"`
	Filtered   []discovery.Publication `json:"filtered"`
	Errors     []discovery.Failure     `json:"errors,omitempty"`
}

// RowState is a row's terminal status with its last error.
type RowState struct {
	Status string `json:"status"` // success | error | processing
	Error  string `json:"error,omitempty"`
}

// Progress is the durable state of one batch run. Every mutation is written
// to disk before the next external call; a crash restores it exactly.
type Progress struct {
	Input         string                            `json:"input"`
	RunID         string                            `json:"run_id"`
	Stage         Stage                             `json:"stage"`
	StartedAt     time.Time                         `json:"started_at"`
	Registrations map[string]*registry.Registration `json:"registrations"`
	Publications  map[string]*TrialPublications     `json:"publications"`
	QueryGen      struct {
		V1 *QueryGenJob `json:"v1,omitempty"`
		V2 *QueryGenJob `json:"v2,omitempty"`
	} `json:"query_gen"`
	ResultDetection ResultDetection     `json:"result_detection"`
	Rows            map[string]RowState `json:"rows"`
	SkippedCounts   map[string]int      `json:"skipped_counts"`
}

// NewProgress initializes a fresh run.
func NewProgress(input string, now time.Time) *Progress {
	return &Progress{
		Input:         input,
		RunID:         uuid.NewString(),
		Stage:         StagePrep,
		StartedAt:     now,
		Registrations: map[string]*registry.Registration{},
		Publications:  map[string]*TrialPublications{},
		Rows:          map[string]RowState{},
		SkippedCounts: map[string]int{},
	}
}

// LoadProgress reads the progress file. A missing file yields (nil, nil) so
// the caller can start fresh.
func LoadProgress(path string) (*Progress, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("progress read: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("progress parse: %w", err)
	}
	if p.Registrations == nil {
		p.Registrations = map[string]*registry.Registration{}
	}
	if p.Publications == nil {
		p.Publications = map[string]*TrialPublications{}
	}
	if p.Rows == nil {
		p.Rows = map[string]RowState{}
	}
	if p.SkippedCounts == nil {
		p.SkippedCounts = map[string]int{}
	}
	return &p, nil
}

// Save writes the progress file atomically (temp file + rename). It is the
// serializable checkpoint everything else hangs off.
func (p *Progress) Save(path string) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("progress encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("progress write: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("progress write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("progress write: %w", err)
	}
	return nil
}

// PendingChunks returns the pending chunks in index order.
func (r *ResultDetection) PendingChunks() []*Chunk {
	var out []*Chunk
	for i := range r.Chunks {
		if r.Chunks[i].Status == ChunkPending {
			out = append(out, &r.Chunks[i])
		}
	}
	return out
}
