package batch

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lahnstrom/trialscout/internal/classify"
	"github.com/lahnstrom/trialscout/internal/config"
	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/llm"
	"github.com/lahnstrom/trialscout/internal/pubmed"
	"github.com/lahnstrom/trialscout/internal/registry"
	"github.com/lahnstrom/trialscout/internal/store"
)

// fakeAdapter serves registrations from memory.
type fakeAdapter struct {
	regs map[string]*registry.Registration
}

func (f *fakeAdapter) Fetch(_ context.Context, trialID string) (*registry.Registration, error) {
	reg, ok := f.regs[trialID]
	if !ok {
		return nil, fmt.Errorf("no such trial %s", trialID)
	}
	return reg, nil
}

// fakeStrategy emits fixed candidates per trial id.
type fakeStrategy struct {
	id         string
	candidates map[string][]discovery.Candidate
}

func (f fakeStrategy) ID() string { return f.id }
func (f fakeStrategy) Run(_ context.Context, reg *registry.Registration) ([]discovery.Candidate, error) {
	return f.candidates[reg.TrialID], nil
}

// fakeService simulates the LLM batch API in memory. Batches complete after
// pollsBeforeReady retrievals; output is produced by respond per custom id.
type fakeService struct {
	mu              sync.Mutex
	files           map[string][]byte
	batches         map[string]*fakeBatch
	nextID          int
	pollsBeforeReady int
	respond         func(customID string) string
}

type fakeBatch struct {
	inputFileID  string
	outputFileID string
	pollsLeft    int
}

func newFakeService(respond func(customID string) string) *fakeService {
	return &fakeService{
		files:   map[string][]byte{},
		batches: map[string]*fakeBatch{},
		respond: respond,
	}
}

func (s *fakeService) UploadFile(_ context.Context, name string, jsonl []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("file-%d", s.nextID)
	s.files[id] = append([]byte(nil), jsonl...)
	return id, nil
}

func (s *fakeService) CreateBatch(_ context.Context, inputFileID, endpoint, window string) (*llm.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if endpoint != llm.ChatCompletionsPath {
		return nil, fmt.Errorf("unexpected endpoint %s", endpoint)
	}
	if window == "" {
		return nil, fmt.Errorf("missing completion window")
	}
	s.nextID++
	id := fmt.Sprintf("batch-%d", s.nextID)
	s.batches[id] = &fakeBatch{inputFileID: inputFileID, pollsLeft: s.pollsBeforeReady}
	return &llm.BatchJob{ID: id, Status: llm.BatchValidating, InputFileID: inputFileID}, nil
}

func (s *fakeService) RetrieveBatch(_ context.Context, batchID string) (*llm.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("no such batch %s", batchID)
	}
	if b.pollsLeft > 0 {
		b.pollsLeft--
		return &llm.BatchJob{ID: batchID, Status: llm.BatchInProgress}, nil
	}
	if b.outputFileID == "" {
		var out strings.Builder
		for _, line := range strings.Split(string(s.files[b.inputFileID]), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var req llm.BatchRequest
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				return nil, err
			}
			content := s.respond(req.CustomID)
			chatBody, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"message": map[string]any{"content": content}}},
				"usage":   map[string]int{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
			})
			outLine, _ := json.Marshal(map[string]any{
				"custom_id": req.CustomID,
				"response":  map[string]any{"status_code": 200, "body": json.RawMessage(chatBody)},
			})
			out.Write(outLine)
			out.WriteByte('\n')
		}
		s.nextID++
		b.outputFileID = fmt.Sprintf("file-%d", s.nextID)
		s.files[b.outputFileID] = []byte(out.String())
	}
	return &llm.BatchJob{ID: batchID, Status: llm.BatchCompleted, OutputFileID: b.outputFileID}, nil
}

func (s *fakeService) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.files[fileID]
	if !ok {
		return nil, fmt.Errorf("no such file %s", fileID)
	}
	return raw, nil
}

// testFixture wires a complete orchestrator over fakes.
type testFixture struct {
	orch    *Orchestrator
	service *fakeService
	dir     string
	store   *store.Store
	clock   *time.Time
}

// testPubmedServer serves efetch responses for whatever ids are requested.
func testPubmedServer(t *testing.T) *pubmed.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("id"), ",")
		var sb strings.Builder
		sb.WriteString(`<?xml version="1.0"?><PubmedArticleSet>`)
		for _, id := range ids {
			fmt.Fprintf(&sb, `<PubmedArticle><MedlineCitation><PMID>%s</PMID><Article>`+
				`<Journal><JournalIssue><PubDate><Year>2012</Year><Month>Feb</Month></PubDate></JournalIssue></Journal>`+
				`<ArticleTitle>Publication %s</ArticleTitle>`+
				`<Abstract><AbstractText>Outcome data for %s.</AbstractText></Abstract>`+
				`</Article></MedlineCitation></PubmedArticle>`, id, id, id)
		}
		sb.WriteString(`</PubmedArticleSet>`)
		w.Write([]byte(sb.String()))
	}))
	t.Cleanup(srv.Close)
	return pubmed.NewClient(pubmed.NewScheduler(), nil, pubmed.WithBaseURL(srv.URL))
}

func newFixture(t *testing.T, cfg *config.Config, respond func(string) string) *testFixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	yes := true
	adapter := &fakeAdapter{regs: map[string]*registry.Registration{
		"NCT00000001": {
			TrialID:      "NCT00000001",
			RegistryType: "ctgov",
			BriefTitle:   "A trial of X",
			StartDate:    "2005-06-01",
			HasResults:   &yes,
			References:   []registry.Reference{{PMID: "111"}},
		},
	}}

	service := newFakeService(respond)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	fixture := &testFixture{service: service, dir: dir, store: st, clock: &clock}
	fixture.orch = &Orchestrator{
		Config:    cfg,
		InputPath: "input.csv",
		Rows: []InputRow{
			{Index: 0, TrialID: "NCT00000001"},
			{Index: 1, TrialID: ""},
		},
		OutputDir:    dir,
		ProgressPath: filepath.Join(dir, "progress.json"),
		PollInterval: time.Millisecond,

		Registrations: store.NewRegistrations(st, adapter),
		Engine: &discovery.Engine{
			Strategies: []discovery.Strategy{
				fakeStrategy{id: discovery.StrategyLinkedAtRegistration, candidates: map[string][]discovery.Candidate{
					"NCT00000001": {{PMID: "111", PublicationDate: "2012-02"}},
				}},
			},
			Pubmed: testPubmedServer(t),
			Cache:  st,
		},
		Pool: discovery.NewQueryPool(st),
		Classifier: &classify.Classifier{
			Model:        cfg.Models.Results,
			Effort:       llm.ReasoningEffort(cfg.Reasoning.Results),
			MaxTokens:    cfg.Batch.MaxTokensResults,
			SystemPrompt: "Compare the registration against the publication.",
		},
		Classifications: classify.NewStore(st),
		Service:         service,
		Meter:           llm.NewSpendMeter(),
		Logger:          zap.NewNop(),
		Now:             func() time.Time { return *fixture.clock },
	}
	return fixture
}

func linkedOnlyConfig() *config.Config {
	cfg := config.Default()
	cfg.Batch.Strategies = []string{discovery.StrategyLinkedAtRegistration}
	return cfg
}

func positiveRespond(customID string) string {
	return `{"has_results": true, "reason": "Reports the primary outcome."}`
}

func TestOrchestratorHappyPath(t *testing.T) {
	fx := newFixture(t, linkedOnlyConfig(), positiveRespond)
	if err := fx.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := fx.orch.Progress()
	if p.Stage != StageComplete {
		t.Fatalf("stage: %s", p.Stage)
	}
	if p.SkippedCounts["noTrialId"] != 1 {
		t.Fatalf("skipped: %v", p.SkippedCounts)
	}

	raw, err := os.ReadFile(filepath.Join(fx.dir, "summary.csv"))
	if err != nil {
		t.Fatal(err)
	}
	records, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("rows: %v", records)
	}
	header := records[0]
	for i, want := range SummaryColumns {
		if header[i] != want {
			t.Fatalf("header[%d] = %q, want %q", i, header[i], want)
		}
	}
	row := records[1]
	got := map[string]string{}
	for i, col := range SummaryColumns {
		got[col] = row[i]
	}
	if got["nct_id"] != "NCT00000001" || got["trial_id"] != "NCT00000001" {
		t.Fatalf("ids: %v", got)
	}
	if got["tool_results"] != "true" || got["has_error"] != "false" {
		t.Fatalf("outcome: %v", got)
	}
	if got["tool_prompted_pmids"] != "111" || got["tool_result_pmids"] != "111" {
		t.Fatalf("pmids: %v", got)
	}
	if got["tool_ident_steps"] != discovery.StrategyLinkedAtRegistration {
		t.Fatalf("ident steps: %v", got)
	}
	if got["earliest_result_publication_date"] != "2012-02" {
		t.Fatalf("earliest date: %v", got)
	}
	if !strings.HasPrefix(got["reasons"], "PMID111: ") {
		t.Fatalf("reasons: %v", got)
	}

	// Sidecar exists and carries the classification.
	sideRaw, err := os.ReadFile(filepath.Join(fx.dir, "trials", "NCT00000001.json"))
	if err != nil {
		t.Fatal(err)
	}
	var side map[string]json.RawMessage
	if err := json.Unmarshal(sideRaw, &side); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"registration", "publications", "classifications", "summary", "timestamp"} {
		if _, ok := side[key]; !ok {
			t.Fatalf("sidecar missing %s", key)
		}
	}

	// Classification landed in the store with usage accounting.
	result, found, err := fx.orch.Classifications.Get("NCT00000001", "111")
	if err != nil || !found {
		t.Fatalf("classification: %v %v", found, err)
	}
	if !result.HasResults || result.Tokens.TotalTokens != 120 {
		t.Fatalf("classification: %+v", result)
	}
}

func TestOrchestratorStepByStepResume(t *testing.T) {
	// Run a reference pipeline uninterrupted.
	ref := newFixture(t, linkedOnlyConfig(), positiveRespond)
	if err := ref.orch.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	refCSV, err := os.ReadFile(filepath.Join(ref.dir, "summary.csv"))
	if err != nil {
		t.Fatal(err)
	}

	// Run the same pipeline stopping after every stage, simulating restarts.
	fx := newFixture(t, linkedOnlyConfig(), positiveRespond)
	fx.orch.StepByStep = true
	for i := 0; i < 20; i++ {
		if err := fx.orch.Run(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if fx.orch.Progress().Stage == StageComplete {
			break
		}
	}
	if fx.orch.Progress().Stage != StageComplete {
		t.Fatal("pipeline did not complete across restarts")
	}
	gotCSV, err := os.ReadFile(filepath.Join(fx.dir, "summary.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if string(gotCSV) != string(refCSV) {
		t.Fatalf("resumed summary differs:\n%s\n---\n%s", gotCSV, refCSV)
	}
}

func TestOrchestratorNoPairsSkipsToFinalize(t *testing.T) {
	fx := newFixture(t, linkedOnlyConfig(), positiveRespond)
	fx.orch.Engine.Strategies = nil
	if err := fx.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := fx.orch.Progress()
	if p.Stage != StageComplete {
		t.Fatalf("stage: %s", p.Stage)
	}
	if len(p.ResultDetection.Chunks) != 0 {
		t.Fatalf("no chunks expected: %+v", p.ResultDetection.Chunks)
	}
	raw, _ := os.ReadFile(filepath.Join(fx.dir, "summary.csv"))
	if !strings.Contains(string(raw), "false,false") {
		t.Fatalf("expected tool_results=false without candidates:\n%s", raw)
	}
}

func TestOrchestratorDailyBudget(t *testing.T) {
	cfg := linkedOnlyConfig()
	// One request per chunk, and a budget too small for anything.
	cfg.Batch.MaxRequestsPerBatch = 1
	cfg.Batch.MaxTokensPerDay = 1
	fx := newFixture(t, cfg, positiveRespond)

	// Three candidate publications → three chunks.
	fx.orch.Engine.Strategies = []discovery.Strategy{
		fakeStrategy{id: discovery.StrategyLinkedAtRegistration, candidates: map[string][]discovery.Candidate{
			"NCT00000001": {{PMID: "111"}, {PMID: "222"}, {PMID: "333"}},
		}},
	}

	err := fx.orch.Run(context.Background())
	if !IsDailyBudgetExhausted(err) {
		t.Fatalf("expected DailyBudgetExhausted, got %v", err)
	}
	p := fx.orch.Progress()
	if p.Stage != StageResultUpload {
		t.Fatalf("stage after budget stop: %s", p.Stage)
	}
	if len(p.ResultDetection.Chunks) != 3 {
		t.Fatalf("chunks: %d", len(p.ResultDetection.Chunks))
	}

	// Allow exactly one chunk per day and resume day by day.
	perChunk := p.ResultDetection.Chunks[0].EstimatedTokens
	cfg.Batch.MaxTokensPerDay = perChunk

	for day := 0; day < 3; day++ {
		*fx.clock = fx.clock.Add(24 * time.Hour)
		err := fx.orch.Run(context.Background())
		if day < 2 {
			if !IsDailyBudgetExhausted(err) {
				t.Fatalf("day %d: expected budget stop, got %v", day, err)
			}
		} else if err != nil {
			t.Fatalf("day %d: %v", day, err)
		}

		// Budget invariant: tokens uploaded today never exceed the cap.
		rd := fx.orch.Progress().ResultDetection
		if rd.DailyTokensUsed.Tokens > cfg.Batch.MaxTokensPerDay {
			t.Fatalf("day %d: budget exceeded: %d > %d", day, rd.DailyTokensUsed.Tokens, cfg.Batch.MaxTokensPerDay)
		}
	}

	p = fx.orch.Progress()
	if p.Stage != StageComplete {
		t.Fatalf("stage: %s", p.Stage)
	}
	for _, chunk := range p.ResultDetection.Chunks {
		if chunk.Status != ChunkProcessed {
			t.Fatalf("chunk %d not processed: %s", chunk.Index, chunk.Status)
		}
	}
	for _, pmid := range []string{"111", "222", "333"} {
		if _, found, _ := fx.orch.Classifications.Get("NCT00000001", pmid); !found {
			t.Fatalf("classification missing for %s", pmid)
		}
	}
}

func TestOrchestratorQueryGenBatch(t *testing.T) {
	cfg := config.Default()
	cfg.Batch.Strategies = []string{discovery.StrategyPubmedGPTV1, discovery.StrategyPubmedGPTV2}
	respond := func(customID string) string {
		if strings.Contains(customID, "__") {
			return `{"has_results": false, "reason": "No outcomes reported."}`
		}
		return `{"query":"generated query","keywords":["k"],"investigators":[],"search_strings":["s1"],"extra_queries":[]}`
	}
	fx := newFixture(t, cfg, respond)
	// GPT strategies read the pool; no network strategies in this test.
	fx.orch.Engine.Strategies = nil
	fx.orch.SystemPromptV1 = "v1 prompt"
	fx.orch.SystemPromptV2 = "v2 prompt"

	if err := fx.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := fx.orch.Progress()
	if p.QueryGen.V1 == nil || p.QueryGen.V2 == nil {
		t.Fatal("query-gen jobs missing")
	}
	if !p.QueryGen.V1.Processed || !p.QueryGen.V2.Processed {
		t.Fatalf("jobs not processed: %+v %+v", p.QueryGen.V1, p.QueryGen.V2)
	}

	bundle, err := fx.orch.Pool.GetV1("NCT00000001")
	if err != nil || bundle.Query != "generated query" {
		t.Fatalf("pool v1: %+v %v", bundle, err)
	}
	if _, err := os.Stat(filepath.Join(fx.dir, "queries", "NCT00000001.json")); err != nil {
		t.Fatalf("exported v1 bundle missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.dir, "queries_v2", "NCT00000001.json")); err != nil {
		t.Fatalf("exported v2 bundle missing: %v", err)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.json")
	p := NewProgress("input.csv", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p.Stage = StageResultPoll
	p.ResultDetection.Chunks = []Chunk{{Index: 0, Status: ChunkUploaded, BatchID: "b1"}}
	p.Rows["NCT1"] = RowState{Status: "processing"}
	if err := p.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadProgress(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != StageResultPoll || got.ResultDetection.Chunks[0].BatchID != "b1" {
		t.Fatalf("round trip: %+v", got)
	}
	if got.Rows["NCT1"].Status != "processing" {
		t.Fatalf("rows: %+v", got.Rows)
	}
}

func TestLoadProgressMissingFile(t *testing.T) {
	got, err := LoadProgress(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || got != nil {
		t.Fatalf("expected fresh start: %+v %v", got, err)
	}
}
