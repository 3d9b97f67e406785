package batch

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lahnstrom/trialscout/internal/classify"
	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/trialid"
)

// SummaryColumns is the output table header, in order.
var SummaryColumns = []string{
	"nct_id",
	"trial_id",
	"tool_results",
	"has_error",
	"tool_prompted_pmids",
	"tool_result_pmids",
	"tool_ident_steps",
	"earliest_result_publication",
	"earliest_result_publication_date",
	"failed_publication_discoveries",
	"failed_result_discoveries",
	"reasons",
}

// TrialSummary is one trial's joined outcome.
type TrialSummary struct {
	NCTID                         string   `json:"nct_id,omitempty"`
	TrialID                       string   `json:"trial_id"`
	ToolResults                   bool     `json:"tool_results"`
	HasError                      bool     `json:"has_error"`
	ToolPromptedPMIDs             []string `json:"tool_prompted_pmids"`
	ToolResultPMIDs               []string `json:"tool_result_pmids"`
	ToolIdentSteps                []string `json:"tool_ident_steps"`
	EarliestResultPublication     string   `json:"earliest_result_publication,omitempty"`
	EarliestResultPublicationDate string   `json:"earliest_result_publication_date,omitempty"`
	FailedPublicationDiscoveries  []string `json:"failed_publication_discoveries,omitempty"`
	FailedResultDiscoveries       []string `json:"failed_result_discoveries,omitempty"`
	Reasons                       []string `json:"reasons,omitempty"`
}

// sidecar is the full per-trial record written next to the summary table.
type sidecar struct {
	Registration    any                                `json:"registration"`
	Publications    *TrialPublications                 `json:"publications"`
	Classifications map[string]*classify.Classification `json:"classifications"`
	Summary         *TrialSummary                      `json:"summary"`
	Timestamp       string                             `json:"timestamp"`
}

func (o *Orchestrator) runFinalize(_ context.Context) error {
	outPath := filepath.Join(o.OutputDir, "summary.csv")
	trialsDir := filepath.Join(o.OutputDir, "trials")
	if err := os.MkdirAll(trialsDir, 0o755); err != nil {
		return err
	}

	// The CSV regenerates in full on re-entry; sidecars are authoritative on
	// recovery, so a crash never strands a row without its backing JSON.
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(SummaryColumns); err != nil {
		return err
	}
	w.Flush()

	for _, tid := range o.validTrialIDs() {
		summary, classifications, err := o.summarizeTrial(tid)
		if err != nil {
			return err
		}

		side := sidecar{
			Registration:    o.progress.Registrations[tid],
			Publications:    o.progress.Publications[tid],
			Classifications: classifications,
			Summary:         summary,
			Timestamp:       o.now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
		raw, err := json.MarshalIndent(side, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(trialsDir, tid+".json"), raw, 0o644); err != nil {
			return err
		}

		// The summary row only lands after its sidecar is on disk.
		if err := w.Write(summary.csvRecord()); err != nil {
			return err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}

		if summary.HasError {
			o.progress.Rows[tid] = RowState{Status: "error", Error: firstError(summary)}
		} else {
			o.progress.Rows[tid] = RowState{Status: "success"}
		}
	}
	if err := o.checkpoint(); err != nil {
		return err
	}
	o.Logger.Info("summary written", zap.String("path", outPath))
	return o.setStage(StageCostCalculation)
}

// summarizeTrial joins the registration, publications, and classifications
// for one trial into its summary row.
func (o *Orchestrator) summarizeTrial(tid string) (*TrialSummary, map[string]*classify.Classification, error) {
	summary := &TrialSummary{TrialID: tid}
	if trialid.Detect(tid) == trialid.RegistryCTGov {
		summary.NCTID = tid
	}

	pubs := o.progress.Publications[tid]
	classifications := map[string]*classify.Classification{}
	if pubs == nil {
		summary.HasError = true
		return summary, classifications, nil
	}

	for _, failure := range pubs.Errors {
		summary.FailedPublicationDiscoveries = append(summary.FailedPublicationDiscoveries,
			fmt.Sprintf("%s: %s", failure.Fn, failure.Message))
	}

	var positives []discovery.Publication
	identSteps := map[string]struct{}{}
	for i := range pubs.Candidates {
		pub := &pubs.Candidates[i]
		if pub.PMID == "" {
			continue
		}
		summary.ToolPromptedPMIDs = append(summary.ToolPromptedPMIDs, pub.PMID)

		result, found, err := o.Classifications.Get(tid, pub.PMID)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			summary.FailedResultDiscoveries = append(summary.FailedResultDiscoveries,
				fmt.Sprintf("PMID%s: classification missing", pub.PMID))
			continue
		}
		classifications[pub.PMID] = result
		if !result.Success {
			summary.FailedResultDiscoveries = append(summary.FailedResultDiscoveries,
				fmt.Sprintf("PMID%s: %s", pub.PMID, result.Error))
			continue
		}
		if result.Reason != "" {
			summary.Reasons = append(summary.Reasons, fmt.Sprintf("PMID%s: %s", pub.PMID, result.Reason))
		}
		if result.HasResults {
			summary.ToolResults = true
			summary.ToolResultPMIDs = append(summary.ToolResultPMIDs, pub.PMID)
			positives = append(positives, *pub)
			for _, src := range pub.Sources {
				identSteps[src] = struct{}{}
			}
		}
	}

	for src := range identSteps {
		summary.ToolIdentSteps = append(summary.ToolIdentSteps, src)
	}
	sort.Strings(summary.ToolIdentSteps)

	// Earliest positive by lexicographic ISO-prefix order.
	for _, pub := range positives {
		if pub.PublicationDate == "" {
			continue
		}
		if summary.EarliestResultPublicationDate == "" || pub.PublicationDate < summary.EarliestResultPublicationDate {
			summary.EarliestResultPublicationDate = pub.PublicationDate
			summary.EarliestResultPublication = pub.PMID
		}
	}

	summary.HasError = len(summary.FailedPublicationDiscoveries) > 0 || len(summary.FailedResultDiscoveries) > 0
	return summary, classifications, nil
}

func (s *TrialSummary) csvRecord() []string {
	return []string{
		s.NCTID,
		s.TrialID,
		fmt.Sprintf("%t", s.ToolResults),
		fmt.Sprintf("%t", s.HasError),
		strings.Join(s.ToolPromptedPMIDs, ","),
		strings.Join(s.ToolResultPMIDs, ","),
		strings.Join(s.ToolIdentSteps, ","),
		s.EarliestResultPublication,
		s.EarliestResultPublicationDate,
		strings.Join(s.FailedPublicationDiscoveries, "; "),
		strings.Join(s.FailedResultDiscoveries, "; "),
		strings.Join(s.Reasons, "; "),
	}
}

func firstError(s *TrialSummary) string {
	if len(s.FailedPublicationDiscoveries) > 0 {
		return s.FailedPublicationDiscoveries[0]
	}
	if len(s.FailedResultDiscoveries) > 0 {
		return s.FailedResultDiscoveries[0]
	}
	return ""
}
