package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lahnstrom/trialscout/internal/classify"
	"github.com/lahnstrom/trialscout/internal/config"
	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/llm"
	"github.com/lahnstrom/trialscout/internal/store"
	"github.com/lahnstrom/trialscout/internal/trialid"
)

// BatchService is the slice of the LLM client the orchestrator drives.
type BatchService interface {
	UploadFile(ctx context.Context, name string, jsonl []byte) (string, error)
	CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (*llm.BatchJob, error)
	RetrieveBatch(ctx context.Context, batchID string) (*llm.BatchJob, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Orchestrator drives the staged batch pipeline over Progress. Each stage is
// idempotent: re-entering reads current Progress and skips sub-tasks whose
// output already exists.
type Orchestrator struct {
	Config        *config.Config
	Rows          []InputRow
	InputPath     string
	OutputDir     string
	ProgressPath  string
	PollInterval  time.Duration
	ValidationRun bool
	StepByStep    bool

	Registrations   *store.Registrations
	Engine          *discovery.Engine
	Pool            *discovery.QueryPool
	Classifier      *classify.Classifier
	Classifications *classify.Store
	Service         BatchService
	Meter           *llm.SpendMeter

	SystemPromptV1 string
	SystemPromptV2 string

	Logger *zap.Logger
	Now    func() time.Time

	progress *Progress
	mu       sync.Mutex
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) today() string {
	return o.now().Format("2006-01-02")
}

// checkpoint persists Progress. It is called after every observable mutation
// and before the next external call.
func (o *Orchestrator) checkpoint() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress.Save(o.ProgressPath)
}

func (o *Orchestrator) setStage(s Stage) error {
	o.progress.Stage = s
	return o.checkpoint()
}

// Run executes the state machine from the persisted stage to COMPLETE. With
// StepByStep set it stops after finishing one stage.
func (o *Orchestrator) Run(ctx context.Context) error {
	p, err := LoadProgress(o.ProgressPath)
	if err != nil {
		return err
	}
	if p == nil {
		p = NewProgress(o.InputPath, o.now())
	}
	o.progress = p
	if err := o.checkpoint(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		stage := o.progress.Stage
		o.Logger.Info("entering stage", zap.String("stage", string(stage)))

		var err error
		switch stage {
		case StagePrep:
			err = o.runPrep(ctx)
		case StageQueryGenUpload:
			err = o.runQueryGenUpload(ctx)
		case StageQueryGenPoll:
			err = o.runQueryGenPoll(ctx)
		case StageQueryGenProcess:
			err = o.runQueryGenProcess(ctx)
		case StagePubDiscovery:
			err = o.runPubDiscovery(ctx)
		case StageResultPreparation:
			err = o.runResultPreparation(ctx)
		case StageResultUpload:
			err = o.runResultUpload(ctx)
		case StageResultPoll:
			err = o.runResultPoll(ctx)
		case StageResultProcess:
			err = o.runResultProcess(ctx)
		case StageFinalize:
			err = o.runFinalize(ctx)
		case StageCostCalculation:
			err = o.runCostCalculation()
		case StageComplete:
			return nil
		default:
			err = fmt.Errorf("unknown stage %q in progress file", stage)
		}
		if err != nil {
			return err
		}
		if o.StepByStep && o.progress.Stage != StageComplete {
			o.Logger.Info("step-by-step: stopping after stage", zap.String("next", string(o.progress.Stage)))
			return nil
		}
	}
}

// Progress exposes the current state (for the driver's summary printing).
func (o *Orchestrator) Progress() *Progress { return o.progress }

// validTrialIDs returns the unique valid trial ids in row order.
func (o *Orchestrator) validTrialIDs() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, row := range o.Rows {
		if row.TrialID == "" || !trialid.Valid(row.TrialID) {
			continue
		}
		if _, ok := seen[row.TrialID]; ok {
			continue
		}
		seen[row.TrialID] = struct{}{}
		out = append(out, row.TrialID)
	}
	return out
}

// --- PREP ---

func (o *Orchestrator) runPrep(ctx context.Context) error {
	noID := 0
	for _, row := range o.Rows {
		if row.TrialID == "" || !trialid.Valid(row.TrialID) {
			noID++
		}
	}
	o.progress.SkippedCounts["noTrialId"] = noID

	for _, tid := range o.validTrialIDs() {
		if _, ok := o.progress.Registrations[tid]; ok {
			continue
		}
		if err := o.checkpoint(); err != nil {
			return err
		}
		reg, err := o.Registrations.Get(ctx, tid)
		if err != nil {
			o.Logger.Warn("registration fetch failed", zap.String("trial_id", tid), zap.Error(err))
			o.progress.Rows[tid] = RowState{Status: "error", Error: err.Error()}
			continue
		}
		o.progress.Registrations[tid] = reg
		o.progress.Rows[tid] = RowState{Status: "processing"}
	}
	if err := o.checkpoint(); err != nil {
		return err
	}
	return o.setStage(StageQueryGenUpload)
}

// --- QUERY_GEN ---

func (o *Orchestrator) gptVariantsEnabled() (v1, v2 bool) {
	return o.Config.StrategyEnabled(discovery.StrategyPubmedGPTV1),
		o.Config.StrategyEnabled(discovery.StrategyPubmedGPTV2)
}

func (o *Orchestrator) runQueryGenUpload(ctx context.Context) error {
	v1, v2 := o.gptVariantsEnabled()
	if !v1 && !v2 {
		return o.setStage(StagePubDiscovery)
	}

	if v1 && o.progress.QueryGen.V1 == nil {
		job, err := o.uploadQueryGenBatch(ctx, "v1")
		if err != nil {
			return err
		}
		o.progress.QueryGen.V1 = job
		if err := o.checkpoint(); err != nil {
			return err
		}
	}
	if v2 && o.progress.QueryGen.V2 == nil {
		job, err := o.uploadQueryGenBatch(ctx, "v2")
		if err != nil {
			return err
		}
		o.progress.QueryGen.V2 = job
		if err := o.checkpoint(); err != nil {
			return err
		}
	}
	return o.setStage(StageQueryGenPoll)
}

func (o *Orchestrator) uploadQueryGenBatch(ctx context.Context, variant string) (*QueryGenJob, error) {
	tids := make([]string, 0, len(o.progress.Registrations))
	for tid := range o.progress.Registrations {
		tids = append(tids, tid)
	}
	sort.Strings(tids)

	if len(tids) > o.Config.Batch.MaxRequestsPerBatch {
		return nil, fmt.Errorf("config: %d query-generation requests exceed batch.maxRequestsPerBatch=%d", len(tids), o.Config.Batch.MaxRequestsPerBatch)
	}

	var buf strings.Builder
	for _, tid := range tids {
		reg := o.progress.Registrations[tid]
		payload, err := discovery.RegistrationPromptJSON(reg)
		if err != nil {
			return nil, err
		}
		req := llm.Request{
			Model:           o.Config.Models.QueryV1,
			ReasoningEffort: llm.ReasoningEffort(o.Config.Reasoning.QueryV1),
			MaxTokens:       o.Config.Batch.MaxTokensQueryV1,
			Schema:          discovery.QueryV1Schema,
			Messages: []llm.Message{
				{Role: "system", Content: o.SystemPromptV1},
				{Role: "user", Content: string(payload)},
			},
		}
		if variant == "v2" {
			req.Model = o.Config.Models.QueryV2
			req.ReasoningEffort = llm.ReasoningEffort(o.Config.Reasoning.QueryV2)
			req.MaxTokens = o.Config.Batch.MaxTokensQueryV2
			req.Schema = discovery.QueryV2Schema
			req.Messages[0].Content = o.SystemPromptV2
		}
		line, _, err := BuildBatchLine(tid, req)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	name := fmt.Sprintf("query_gen_%s.jsonl", variant)
	if err := os.MkdirAll(o.OutputDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(o.OutputDir, name), []byte(buf.String()), 0o644); err != nil {
		return nil, err
	}

	fileID, err := o.Service.UploadFile(ctx, name, []byte(buf.String()))
	if err != nil {
		return nil, err
	}
	job, err := o.Service.CreateBatch(ctx, fileID, llm.ChatCompletionsPath, o.Config.Batch.CompletionWindow)
	if err != nil {
		return nil, err
	}
	o.Logger.Info("query-generation batch created",
		zap.String("variant", variant),
		zap.String("batch_id", job.ID),
		zap.Int("requests", len(tids)))
	return &QueryGenJob{ID: job.ID, Status: string(job.Status), InputFileID: fileID}, nil
}

func (o *Orchestrator) runQueryGenPoll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pendingJobs := o.queryGenJobs(false)
		if len(pendingJobs) == 0 {
			return o.setStage(StageQueryGenProcess)
		}
		for _, job := range pendingJobs {
			polled, err := o.Service.RetrieveBatch(ctx, job.ID)
			if err != nil {
				return err
			}
			job.Status = string(polled.Status)
			if polled.Status.TerminalFailure() {
				return &llm.BatchError{BatchID: job.ID, Status: polled.Status}
			}
			if polled.Status == llm.BatchCompleted {
				if polled.OutputFileID == "" {
					return fmt.Errorf("query-generation batch %s completed without an output file", job.ID)
				}
				job.OutputFileID = polled.OutputFileID
			}
		}
		if err := o.checkpoint(); err != nil {
			return err
		}
		if len(o.queryGenJobs(false)) == 0 {
			return o.setStage(StageQueryGenProcess)
		}
		o.Logger.Info("query-generation batches still running", zap.Duration("poll_interval", o.PollInterval))
		if err := sleepCtx(ctx, o.PollInterval); err != nil {
			return err
		}
	}
}

// queryGenJobs returns the defined jobs; includeCompleted=false filters to
// jobs not yet completed.
func (o *Orchestrator) queryGenJobs(includeCompleted bool) []*QueryGenJob {
	var out []*QueryGenJob
	for _, job := range []*QueryGenJob{o.progress.QueryGen.V1, o.progress.QueryGen.V2} {
		if job == nil {
			continue
		}
		if includeCompleted || job.Status != string(llm.BatchCompleted) {
			out = append(out, job)
		}
	}
	return out
}

func (o *Orchestrator) runQueryGenProcess(ctx context.Context) error {
	if job := o.progress.QueryGen.V1; job != nil && !job.Processed {
		if err := o.processQueryGenOutput(ctx, job, false); err != nil {
			return err
		}
		job.Processed = true
		if err := o.checkpoint(); err != nil {
			return err
		}
	}
	if job := o.progress.QueryGen.V2; job != nil && !job.Processed {
		if err := o.processQueryGenOutput(ctx, job, true); err != nil {
			return err
		}
		job.Processed = true
		if err := o.checkpoint(); err != nil {
			return err
		}
	}
	return o.setStage(StagePubDiscovery)
}

func (o *Orchestrator) processQueryGenOutput(ctx context.Context, job *QueryGenJob, v2 bool) error {
	raw, err := o.Service.DownloadFile(ctx, job.OutputFileID)
	if err != nil {
		return err
	}
	lines, err := ParseBatchOutput(raw)
	if err != nil {
		return err
	}

	poolDir := filepath.Join(o.OutputDir, "queries")
	model := o.Config.Models.QueryV1
	if v2 {
		poolDir = filepath.Join(o.OutputDir, "queries_v2")
		model = o.Config.Models.QueryV2
	}

	for _, line := range lines {
		tid := line.CustomID
		content, usage, err := extractLineContent(line)
		if err != nil {
			o.Logger.Warn("query-generation response unusable", zap.String("trial_id", tid), zap.Error(err))
			continue
		}
		if o.Meter != nil {
			o.Meter.Add(model, usage)
		}
		if v2 {
			bundle, err := discovery.ParseQueryV2(content)
			if err != nil {
				o.Logger.Warn("query v2 parse failed", zap.String("trial_id", tid), zap.Error(err))
				continue
			}
			if err := o.Pool.PutV2(tid, bundle); err != nil {
				return err
			}
			if err := o.Pool.ExportV2(poolDir, tid, bundle); err != nil {
				return err
			}
		} else {
			bundle, err := discovery.ParseQueryV1(content)
			if err != nil {
				o.Logger.Warn("query v1 parse failed", zap.String("trial_id", tid), zap.Error(err))
				continue
			}
			if err := o.Pool.PutV1(tid, bundle); err != nil {
				return err
			}
			if err := o.Pool.ExportV1(poolDir, tid, bundle); err != nil {
				return err
			}
		}
	}
	return nil
}

// extractLineContent pulls the first message text and usage out of one batch
// output line.
func extractLineContent(line llm.BatchResponseLine) (string, llm.Usage, error) {
	if line.Error != nil {
		return "", llm.Usage{}, fmt.Errorf("batch line error: %s", line.Error.Message)
	}
	if line.Response == nil {
		return "", llm.Usage{}, fmt.Errorf("batch line has no response")
	}
	if line.Response.StatusCode != 0 && line.Response.StatusCode != 200 {
		return "", llm.Usage{}, fmt.Errorf("batch line status %d", line.Response.StatusCode)
	}
	completion, err := llm.ParseChatResponse(line.Response.Body)
	if err != nil {
		return "", llm.Usage{}, err
	}
	return completion.Content, completion.Usage, nil
}

// --- PUB_DISCOVERY ---

func (o *Orchestrator) runPubDiscovery(ctx context.Context) error {
	noReg := 0
	for _, tid := range o.validTrialIDs() {
		if _, ok := o.progress.Registrations[tid]; !ok {
			noReg++
		}
	}
	o.progress.SkippedCounts["noRegistration"] = noReg

	cutoffByTrial := map[string]string{}
	if o.ValidationRun {
		for _, row := range o.Rows {
			if row.TrialID != "" {
				cutoffByTrial[row.TrialID] = CutoffForDataset(row.Dataset)
			}
		}
	}

	for _, tid := range o.validTrialIDs() {
		reg, ok := o.progress.Registrations[tid]
		if !ok {
			continue
		}
		if _, done := o.progress.Publications[tid]; done {
			continue
		}
		if err := o.checkpoint(); err != nil {
			return err
		}

		outcome, err := o.Engine.Discover(ctx, reg)
		if err != nil {
			o.Logger.Warn("publication discovery failed", zap.String("trial_id", tid), zap.Error(err))
			o.progress.Publications[tid] = &TrialPublications{
				Candidates: []discovery.Publication{},
				Filtered:   []discovery.Publication{},
				Errors:     []discovery.Failure{{Fn: "discover", Message: err.Error()}},
			}
			continue
		}

		maxRes := discovery.MaxDateFilter(outcome.Publications, cutoffByTrial[tid])
		minRes := discovery.MinDateFilter(maxRes.Eligible, reg.StartDate)
		filtered := append(append([]discovery.Publication{}, maxRes.Filtered...), minRes.Filtered...)

		o.progress.Publications[tid] = &TrialPublications{
			Candidates: minRes.Eligible,
			Filtered:   filtered,
			Errors:     outcome.Failures,
		}
	}
	if err := o.checkpoint(); err != nil {
		return err
	}
	return o.setStage(StageResultPreparation)
}

// --- RESULT_GEN ---

func (o *Orchestrator) runResultPreparation(_ context.Context) error {
	var requests []chunkRequest
	var customIDs []string
	for _, tid := range o.validTrialIDs() {
		pubs := o.progress.Publications[tid]
		reg := o.progress.Registrations[tid]
		if pubs == nil || reg == nil {
			continue
		}
		for i := range pubs.Candidates {
			pub := &pubs.Candidates[i]
			if pub.PMID == "" {
				continue
			}
			customID := classify.CustomID(tid, pub.PMID)
			line, tokens, err := BuildBatchLine(customID, o.Classifier.BuildRequest(reg, pub))
			if err != nil {
				return err
			}
			requests = append(requests, chunkRequest{line: line, tokens: tokens})
			customIDs = append(customIDs, customID)
		}
	}

	if len(requests) == 0 {
		o.Logger.Info("no classification pairs; skipping result generation")
		return o.setStage(StageFinalize)
	}

	chunks, err := PackChunks(filepath.Join(o.OutputDir, "chunks"), requests, customIDs, ChunkLimits{
		MaxRequests:  o.Config.Batch.MaxRequestsPerBatch,
		MaxBytes:     o.Config.Batch.MaxBytesPerBatch,
		SafetyBuffer: o.Config.Batch.SafetyBuffer,
	})
	if err != nil {
		return err
	}
	var total int64
	for _, c := range chunks {
		total += c.EstimatedTokens
	}
	o.progress.ResultDetection = ResultDetection{
		Chunks:               chunks,
		DailyTokensUsed:      DailyTokens{Date: o.today()},
		TotalEstimatedTokens: total,
	}
	o.Logger.Info("classification chunks prepared",
		zap.Int("chunks", len(chunks)),
		zap.Int("requests", len(requests)),
		zap.Int64("estimated_tokens", total))
	return o.setStage(StageResultUpload)
}

func (o *Orchestrator) runResultUpload(ctx context.Context) error {
	rd := &o.progress.ResultDetection
	if rd.DailyTokensUsed.Date != o.today() {
		rd.DailyTokensUsed = DailyTokens{Date: o.today()}
		if err := o.checkpoint(); err != nil {
			return err
		}
	}

	pending := rd.PendingChunks()
	if len(pending) == 0 {
		return o.setStage(StageResultPoll)
	}

	remaining := o.Config.Batch.MaxTokensPerDay - rd.DailyTokensUsed.Tokens
	var selected []*Chunk
	for _, chunk := range pending {
		if chunk.EstimatedTokens > remaining {
			break
		}
		remaining -= chunk.EstimatedTokens
		selected = append(selected, chunk)
	}
	if len(selected) == 0 {
		return &DailyBudgetExhaustedError{
			NextChunkTokens: pending[0].EstimatedTokens,
			Remaining:       o.Config.Batch.MaxTokensPerDay - rd.DailyTokensUsed.Tokens,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range selected {
		chunk := chunk
		g.Go(func() error {
			raw, err := os.ReadFile(chunk.InputFile)
			if err != nil {
				return err
			}
			fileID, err := o.Service.UploadFile(gctx, filepath.Base(chunk.InputFile), raw)
			if err != nil {
				return err
			}
			job, err := o.Service.CreateBatch(gctx, fileID, llm.ChatCompletionsPath, o.Config.Batch.CompletionWindow)
			if err != nil {
				return err
			}

			o.mu.Lock()
			now := o.now()
			chunk.Status = ChunkUploaded
			chunk.BatchID = job.ID
			chunk.InputFileID = fileID
			chunk.UploadedAt = &now
			rd.DailyTokensUsed.Tokens += chunk.EstimatedTokens
			saveErr := o.progress.Save(o.ProgressPath)
			o.mu.Unlock()

			o.Logger.Info("chunk uploaded",
				zap.Int("chunk", chunk.Index),
				zap.String("batch_id", job.ID),
				zap.Int64("estimated_tokens", chunk.EstimatedTokens))
			return saveErr
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return o.setStage(StageResultPoll)
}

func (o *Orchestrator) runResultPoll(ctx context.Context) error {
	rd := &o.progress.ResultDetection
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var polling []*Chunk
		for i := range rd.Chunks {
			if rd.Chunks[i].Status.nonTerminal() {
				polling = append(polling, &rd.Chunks[i])
			}
		}
		if len(polling) == 0 {
			return o.setStage(StageResultProcess)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, chunk := range polling {
			chunk := chunk
			g.Go(func() error {
				job, err := o.Service.RetrieveBatch(gctx, chunk.BatchID)
				if err != nil {
					return err
				}
				if job.Status.TerminalFailure() {
					o.mu.Lock()
					chunk.Status = ChunkFailed
					_ = o.progress.Save(o.ProgressPath)
					o.mu.Unlock()
					return &llm.BatchError{BatchID: chunk.BatchID, Status: job.Status}
				}

				o.mu.Lock()
				switch job.Status {
				case llm.BatchValidating:
					chunk.Status = ChunkValidating
				case llm.BatchInProgress:
					chunk.Status = ChunkInProgress
				case llm.BatchFinalizing:
					chunk.Status = ChunkFinalizing
				case llm.BatchCompleted:
					if job.OutputFileID == "" {
						o.mu.Unlock()
						return fmt.Errorf("batch %s completed without an output file", chunk.BatchID)
					}
					now := o.now()
					chunk.Status = ChunkCompleted
					chunk.OutputFileID = job.OutputFileID
					chunk.CompletedAt = &now
				}
				saveErr := o.progress.Save(o.ProgressPath)
				o.mu.Unlock()
				return saveErr
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		stillRunning := 0
		for i := range rd.Chunks {
			if rd.Chunks[i].Status.nonTerminal() {
				stillRunning++
			}
		}
		if stillRunning == 0 {
			return o.setStage(StageResultProcess)
		}
		o.Logger.Info("classification batches still running",
			zap.Int("chunks_pending", stillRunning),
			zap.Duration("poll_interval", o.PollInterval))
		if err := sleepCtx(ctx, o.PollInterval); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) runResultProcess(ctx context.Context) error {
	rd := &o.progress.ResultDetection
	for i := range rd.Chunks {
		chunk := &rd.Chunks[i]
		if chunk.Status != ChunkCompleted {
			continue
		}
		raw, err := o.Service.DownloadFile(ctx, chunk.OutputFileID)
		if err != nil {
			return err
		}
		outPath := strings.TrimSuffix(chunk.InputFile, ".jsonl") + "_output.jsonl"
		if err := os.WriteFile(outPath, raw, 0o644); err != nil {
			return err
		}
		lines, err := ParseBatchOutput(raw)
		if err != nil {
			return err
		}
		for _, line := range lines {
			tid, pmid, err := classify.SplitCustomID(line.CustomID)
			if err != nil {
				o.Logger.Warn("unparseable custom_id in batch output", zap.String("custom_id", line.CustomID))
				continue
			}
			result := o.classificationFromLine(line)
			if err := o.Classifications.Put(tid, pmid, &result); err != nil {
				return err
			}
		}
		now := o.now()
		chunk.Status = ChunkProcessed
		chunk.ProcessedAt = &now
		if err := o.checkpoint(); err != nil {
			return err
		}
		o.Logger.Info("chunk processed", zap.Int("chunk", chunk.Index), zap.Int("responses", len(lines)))
	}

	if len(rd.PendingChunks()) > 0 {
		return o.setStage(StageResultUpload)
	}
	return o.setStage(StageFinalize)
}

func (o *Orchestrator) classificationFromLine(line llm.BatchResponseLine) classify.Classification {
	content, usage, err := extractLineContent(line)
	if err != nil {
		return classify.Classification{Success: false, Error: err.Error()}
	}
	if o.Meter != nil {
		o.Meter.Add(o.Config.Models.Results, usage)
	}
	result := classify.ParseContent(content)
	result.Tokens = usage
	return result
}

// --- COST_CALCULATION ---

func (o *Orchestrator) runCostCalculation() error {
	cost := BuildCostReport(o.Meter, o.Config.Pricing)
	raw, err := json.MarshalIndent(cost, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(o.OutputDir, "cost.json"), raw, 0o644); err != nil {
		return err
	}
	summary := BuildRunSummary(o.progress, o.now())
	if err := WriteRunReport(o.OutputDir, o.progress, summary, cost); err != nil {
		return err
	}
	o.Logger.Info("cost calculated", zap.Float64("usd", cost.TotalUSD))
	return o.setStage(StageComplete)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
