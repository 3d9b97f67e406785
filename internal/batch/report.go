package batch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/yuin/goldmark"

	"github.com/lahnstrom/trialscout/internal/config"
	"github.com/lahnstrom/trialscout/internal/llm"
)

// CostReport aggregates token spend into dollars using the configured
// per-model pricing.
type CostReport struct {
	Models   map[string]ModelCost `json:"models"`
	TotalUSD float64              `json:"total_usd"`
}

type ModelCost struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// BuildCostReport prices the meter's totals. Models without pricing are
// reported with zero cost.
func BuildCostReport(meter *llm.SpendMeter, pricing map[string]config.Pricing) *CostReport {
	report := &CostReport{Models: map[string]ModelCost{}}
	if meter == nil {
		return report
	}
	for model, usage := range meter.Totals() {
		cost := ModelCost{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
		if p, ok := pricing[model]; ok {
			cost.USD = float64(usage.InputTokens)/1e6*p.InputPerMTok + float64(usage.OutputTokens)/1e6*p.OutputPerMTok
		}
		report.Models[model] = cost
		report.TotalUSD += cost.USD
	}
	return report
}

// RunSummary is the end-of-run accounting printed to the console.
type RunSummary struct {
	Success int
	Errors  int
	Skipped map[string]int
	Runtime time.Duration
}

// BuildRunSummary derives the console summary from final progress.
func BuildRunSummary(p *Progress, now time.Time) RunSummary {
	s := RunSummary{Skipped: map[string]int{}}
	for _, row := range p.Rows {
		switch row.Status {
		case "success":
			s.Success++
		case "error":
			s.Errors++
		}
	}
	for k, v := range p.SkippedCounts {
		s.Skipped[k] = v
	}
	s.Runtime = now.Sub(p.StartedAt)
	return s
}

// Render writes the summary table.
func (s RunSummary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Rows succeeded", s.Success},
		{"Rows failed", s.Errors},
	})
	keys := make([]string, 0, len(s.Skipped))
	for k := range s.Skipped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.AppendRow(table.Row{"Skipped (" + k + ")", s.Skipped[k]})
	}
	t.AppendRow(table.Row{"Runtime", s.Runtime.Round(time.Second)})
	t.Render()
}

// WriteRunReport renders a markdown run report to HTML alongside the summary
// table for sharing.
func WriteRunReport(outputDir string, p *Progress, summary RunSummary, cost *CostReport) error {
	var md bytes.Buffer
	fmt.Fprintf(&md, "# Trialscout run %s\n\n", p.RunID)
	fmt.Fprintf(&md, "Input: `%s`\n\n", p.Input)
	fmt.Fprintf(&md, "Started: %s\n\n", p.StartedAt.Format(time.RFC3339))
	md.WriteString("## Outcome\n\n")
	fmt.Fprintf(&md, "- Rows succeeded: %d\n", summary.Success)
	fmt.Fprintf(&md, "- Rows failed: %d\n", summary.Errors)
	for k, v := range summary.Skipped {
		fmt.Fprintf(&md, "- Skipped (%s): %d\n", k, v)
	}
	fmt.Fprintf(&md, "- Runtime: %s\n", summary.Runtime.Round(time.Second))
	if len(p.ResultDetection.Chunks) > 0 {
		md.WriteString("\n## Classification batches\n\n")
		fmt.Fprintf(&md, "- Chunks: %d\n", len(p.ResultDetection.Chunks))
		fmt.Fprintf(&md, "- Estimated tokens: %d\n", p.ResultDetection.TotalEstimatedTokens)
	}
	if cost != nil && len(cost.Models) > 0 {
		md.WriteString("\n## Cost\n\n")
		models := make([]string, 0, len(cost.Models))
		for m := range cost.Models {
			models = append(models, m)
		}
		sort.Strings(models)
		for _, m := range models {
			c := cost.Models[m]
			fmt.Fprintf(&md, "- %s: %d in / %d out tokens ($%.2f)\n", m, c.InputTokens, c.OutputTokens, c.USD)
		}
		fmt.Fprintf(&md, "\nTotal: **$%.2f**\n", cost.TotalUSD)
	}

	var html bytes.Buffer
	html.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>trialscout run report</title></head><body>\n")
	if err := goldmark.Convert(md.Bytes(), &html); err != nil {
		return fmt.Errorf("report render: %w", err)
	}
	html.WriteString("\n</body></html>\n")

	if err := os.WriteFile(filepath.Join(outputDir, "report.md"), md.Bytes(), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "report.html"), html.Bytes(), 0o644)
}

// FormatStageList renders the stage machine order for --help output.
func FormatStageList() string {
	stages := []Stage{
		StagePrep, StageQueryGenUpload, StageQueryGenPoll, StageQueryGenProcess,
		StagePubDiscovery, StageResultPreparation, StageResultUpload,
		StageResultPoll, StageResultProcess, StageFinalize,
		StageCostCalculation, StageComplete,
	}
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}
