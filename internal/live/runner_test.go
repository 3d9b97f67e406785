package live

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lahnstrom/trialscout/internal/classify"
	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/llm"
	"github.com/lahnstrom/trialscout/internal/registry"
	"github.com/lahnstrom/trialscout/internal/store"
)

type fakeAdapter struct{ reg *registry.Registration }

func (f *fakeAdapter) Fetch(_ context.Context, trialID string) (*registry.Registration, error) {
	if f.reg == nil {
		return nil, errors.New("not found")
	}
	return f.reg, nil
}

type fakeStrategy struct{ candidates []discovery.Candidate }

func (fakeStrategy) ID() string { return discovery.StrategyLinkedAtRegistration }
func (f fakeStrategy) Run(context.Context, *registry.Registration) ([]discovery.Candidate, error) {
	return f.candidates, nil
}

type scriptedCompleter struct {
	responses map[string]string // keyed by substring of user prompt
	calls     int
	fail      bool
}

func (s *scriptedCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("llm down")
	}
	user := req.Messages[len(req.Messages)-1].Content
	for key, resp := range s.responses {
		if key != "" && strings.Contains(user, key) {
			return &llm.Completion{Content: resp, Usage: llm.Usage{TotalTokens: 10}}, nil
		}
	}
	return &llm.Completion{Content: `{"has_results": false, "reason": "No results section."}`}, nil
}

func newRunner(t *testing.T, completer llm.Completer, retryErrors bool) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := &registry.Registration{
		TrialID:    "NCT00000001",
		BriefTitle: "A trial of X",
		StartDate:  "2010-01-01",
	}
	return &Runner{
		Registrations: store.NewRegistrations(st, &fakeAdapter{reg: reg}),
		Engine: &discovery.Engine{
			Strategies: []discovery.Strategy{fakeStrategy{candidates: []discovery.Candidate{
				{PMID: "111", PublicationDate: "2012"},
				{PMID: "222", PublicationDate: "2009"},
			}}},
			Cache:  st,
			Pubmed: nil,
		},
		Classifier: &classify.Classifier{
			Completer:    completer,
			Model:        "m",
			SystemPrompt: "compare",
		},
		Classifications: classify.NewStore(st),
		RetryErrors:     retryErrors,
		Logger:          zap.NewNop(),
	}, st
}

func TestRunnerClassifiesEligible(t *testing.T) {
	completer := &scriptedCompleter{responses: map[string]string{}}
	r, st := newRunner(t, completer, false)

	// Pre-enrich the publications so the engine's cache path is taken and no
	// live PubMed client is needed.
	for _, pmid := range []string{"111", "222"} {
		if err := st.Put(store.TypePublication, pmid, map[string]string{"pmid": pmid, "title": "Pub " + pmid}); err != nil {
			t.Fatal(err)
		}
	}

	result, err := r.Run(context.Background(), "NCT00000001")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// PMID 222 predates the trial start and is filtered before classification.
	if len(result.Publications) != 1 || result.Publications[0].PMID != "111" {
		t.Fatalf("publications: %+v", result.Publications)
	}
	if len(result.Filtered) != 1 || result.Filtered[0].PMID != "222" {
		t.Fatalf("filtered: %+v", result.Filtered)
	}
	if completer.calls != 1 {
		t.Fatalf("classifier calls: %d", completer.calls)
	}
	if result.ToolResults {
		t.Fatalf("negative classification expected: %+v", result)
	}
	if len(result.Reasons) != 1 {
		t.Fatalf("live results carry reasons: %+v", result.Reasons)
	}
}

func TestRunnerRetryErrors(t *testing.T) {
	completer := &scriptedCompleter{fail: true}
	r, st := newRunner(t, completer, false)
	if err := st.Put(store.TypePublication, "111", map[string]string{"pmid": "111", "title": "Pub"}); err != nil {
		t.Fatal(err)
	}
	r.Engine.Strategies = []discovery.Strategy{fakeStrategy{candidates: []discovery.Candidate{{PMID: "111", PublicationDate: "2012"}}}}

	result, err := r.Run(context.Background(), "NCT00000001")
	if err != nil {
		t.Fatal(err)
	}
	if result.Classifications["111"].Success {
		t.Fatal("expected failed classification")
	}

	// Without --retry-errors the stored failure is reused.
	completer.fail = false
	result, err = r.Run(context.Background(), "NCT00000001")
	if err != nil {
		t.Fatal(err)
	}
	if result.Classifications["111"].Success {
		t.Fatal("stored failure should be reused without retry-errors")
	}

	// With --retry-errors the pair is re-classified.
	r.RetryErrors = true
	result, err = r.Run(context.Background(), "NCT00000001")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Classifications["111"].Success {
		t.Fatalf("retry should have succeeded: %+v", result.Classifications["111"])
	}
}
