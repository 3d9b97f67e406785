// Package live is the single-trial synchronous driver. It reuses the
// discovery engine, filters, and classifier of the batch pipeline without the
// batch service.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lahnstrom/trialscout/internal/classify"
	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/registry"
	"github.com/lahnstrom/trialscout/internal/store"
)

// Result is the joined outcome for one trial.
type Result struct {
	TrialID         string                              `json:"trial_id"`
	Registration    *registry.Registration              `json:"registration"`
	Publications    []discovery.Publication             `json:"publications"`
	Filtered        []discovery.Publication             `json:"filtered"`
	Failures        []discovery.Failure                 `json:"failures,omitempty"`
	Classifications map[string]*classify.Classification `json:"classifications"`
	ToolResults     bool                                `json:"tool_results"`
	ToolResultPMIDs []string                            `json:"tool_result_pmids"`
	Reasons         []string                            `json:"reasons,omitempty"`
	Timestamp       string                              `json:"timestamp"`
}

// Runner drives one trial at a time through discovery and classification.
type Runner struct {
	Registrations   *store.Registrations
	Engine          *discovery.Engine
	Classifier      *classify.Classifier
	Classifications *classify.Store
	RetryErrors     bool
	Logger          *zap.Logger
}

// Run fetches, discovers, filters, and classifies one trial.
func (r *Runner) Run(ctx context.Context, trialID string) (*Result, error) {
	reg, err := r.Registrations.Get(ctx, trialID)
	if err != nil {
		return nil, err
	}

	outcome, err := r.Engine.Discover(ctx, reg)
	if err != nil {
		return nil, err
	}
	filtered := discovery.MinDateFilter(outcome.Publications, reg.StartDate)

	result := &Result{
		TrialID:         trialID,
		Registration:    reg,
		Publications:    filtered.Eligible,
		Filtered:        filtered.Filtered,
		Failures:        outcome.Failures,
		Classifications: map[string]*classify.Classification{},
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}

	// Classify each eligible publication concurrently; stored results are
	// reused unless they failed and --retry-errors is set.
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range result.Publications {
		pub := &result.Publications[i]
		if pub.PMID == "" {
			continue
		}
		wg.Add(1)
		go func(pub *discovery.Publication) {
			defer wg.Done()
			classification := r.classifyOne(ctx, reg, pub)
			mu.Lock()
			result.Classifications[pub.PMID] = classification
			mu.Unlock()
		}(pub)
	}
	wg.Wait()

	for _, pub := range result.Publications {
		c := result.Classifications[pub.PMID]
		if c == nil || !c.Success {
			continue
		}
		if c.Reason != "" {
			result.Reasons = append(result.Reasons, fmt.Sprintf("PMID%s: %s", pub.PMID, c.Reason))
		}
		if c.HasResults {
			result.ToolResults = true
			result.ToolResultPMIDs = append(result.ToolResultPMIDs, pub.PMID)
		}
	}
	sort.Strings(result.ToolResultPMIDs)
	return result, nil
}

func (r *Runner) classifyOne(ctx context.Context, reg *registry.Registration, pub *discovery.Publication) *classify.Classification {
	stored, found, err := r.Classifications.Get(reg.TrialID, pub.PMID)
	if err == nil && found {
		if stored.Success || !r.RetryErrors {
			return stored
		}
	}
	classification := r.Classifier.Classify(ctx, reg, pub)
	if err := r.Classifications.Put(reg.TrialID, pub.PMID, &classification); err != nil {
		r.Logger.Warn("classification store write failed",
			zap.String("trial_id", reg.TrialID),
			zap.String("pmid", pub.PMID),
			zap.Error(err))
	}
	return &classification
}

// WriteResult writes the trial's JSON record under dir.
func WriteResult(dir string, result *Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, result.TrialID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
