package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/lahnstrom/trialscout/internal/pubmed"
	"github.com/lahnstrom/trialscout/internal/registry"
	"github.com/lahnstrom/trialscout/internal/store"
)

type fakeStrategy struct {
	id         string
	candidates []Candidate
	err        error
}

func (f fakeStrategy) ID() string { return f.id }
func (f fakeStrategy) Run(context.Context, *registry.Registration) ([]Candidate, error) {
	return f.candidates, f.err
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPubmed(t *testing.T, handler http.HandlerFunc) *pubmed.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return pubmed.NewClient(pubmed.NewScheduler(), nil, pubmed.WithBaseURL(srv.URL))
}

func efetchXML(pmids ...string) string {
	out := `<?xml version="1.0"?><PubmedArticleSet>`
	for _, pmid := range pmids {
		out += `<PubmedArticle><MedlineCitation><PMID>` + pmid + `</PMID><Article>` +
			`<Journal><JournalIssue><PubDate><Year>2015</Year></PubDate></JournalIssue></Journal>` +
			`<ArticleTitle>Title ` + pmid + `</ArticleTitle>` +
			`</Article></MedlineCitation></PubmedArticle>`
	}
	return out + `</PubmedArticleSet>`
}

func TestDedupeUnionsSources(t *testing.T) {
	pubs := dedupe([]tagged{
		{Candidate: Candidate{PMID: "222"}, Source: StrategyPubmedNaive},
		{Candidate: Candidate{PMID: "222", PublicationDate: "2014"}, Source: StrategyGoogleScholar},
		{Candidate: Candidate{PMID: "333"}, Source: StrategyLinkedAtRegistration},
	})
	if len(pubs) != 2 {
		t.Fatalf("pubs: %d", len(pubs))
	}
	if pubs[0].PMID != "222" || len(pubs[0].Sources) != 2 {
		t.Fatalf("first: %+v", pubs[0])
	}
	if pubs[0].PublicationDate != "2014" {
		t.Fatalf("strategy date not retained: %+v", pubs[0])
	}
	if pubs[1].PMID != "333" || len(pubs[1].Sources) != 1 {
		t.Fatalf("second: %+v", pubs[1])
	}
}

func TestDedupeIdempotent(t *testing.T) {
	in := []tagged{
		{Candidate: Candidate{PMID: "1"}, Source: "a"},
		{Candidate: Candidate{PMID: "1"}, Source: "b"},
	}
	once := dedupe(in)
	var again []tagged
	for _, p := range once {
		for _, s := range p.Sources {
			again = append(again, tagged{Candidate: Candidate{PMID: p.PMID, PublicationDate: p.PublicationDate}, Source: s})
		}
	}
	twice := dedupe(again)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("dedupe not idempotent:\n%+v\n%+v", once, twice)
	}
}

func TestEngineFanOutAndFailureIsolation(t *testing.T) {
	client := testPubmed(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(efetchXML("222", "333")))
	})
	e := &Engine{
		Strategies: []Strategy{
			fakeStrategy{id: "a", candidates: []Candidate{{PMID: "222"}}},
			fakeStrategy{id: "b", candidates: []Candidate{{PMID: "222"}, {PMID: "333"}}},
			fakeStrategy{id: "c", err: errors.New("boom")},
		},
		Pubmed: client,
		Cache:  testStore(t),
	}
	out, err := e.Discover(context.Background(), &registry.Registration{TrialID: "NCT00000001", BriefTitle: "X"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(out.Publications) != 2 {
		t.Fatalf("publications: %+v", out.Publications)
	}
	if out.Publications[0].Title != "Title 222" {
		t.Fatalf("enrichment: %+v", out.Publications[0])
	}
	if len(out.Publications[0].Sources) != 2 {
		t.Fatalf("sources: %+v", out.Publications[0].Sources)
	}
	if len(out.Failures) != 1 || out.Failures[0].Fn != "c" {
		t.Fatalf("failures: %+v", out.Failures)
	}
}

func TestEngineNoStrategies(t *testing.T) {
	e := &Engine{Cache: testStore(t)}
	out, err := e.Discover(context.Background(), &registry.Registration{TrialID: "NCT00000001", BriefTitle: "X"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(out.Publications) != 0 {
		t.Fatalf("expected empty candidate set, got %+v", out.Publications)
	}
}

func TestEnrichmentDateOverridesStrategyDate(t *testing.T) {
	records := []pubmed.Record{{PMID: "1", Title: "T", PublicationDate: "2016-05"}}
	pubs := merge([]Publication{{PMID: "1", PublicationDate: "2015", Sources: []string{"a"}}}, records)
	if pubs[0].PublicationDate != "2016-05" {
		t.Fatalf("enrichment must win: %+v", pubs[0])
	}
}

func TestLinkedAtRegistration(t *testing.T) {
	s := LinkedAtRegistration{}

	reg := &registry.Registration{
		BriefTitle:      "X",
		LinkedPubmedIDs: []string{"555", "666"},
		References:      []registry.Reference{{PMID: "999"}},
	}
	got, err := s.Run(context.Background(), reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].PMID != "555" || got[1].PMID != "666" {
		t.Fatalf("linked pmids win: %+v", got)
	}

	reg = &registry.Registration{
		BriefTitle: "X",
		References: []registry.Reference{{PMID: "111"}, {Citation: "no pmid"}},
	}
	got, err = s.Run(context.Background(), reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PMID != "111" {
		t.Fatalf("reference fallback: %+v", got)
	}
}

func TestLinkedAtRegistrationResolvesDOIs(t *testing.T) {
	client := testPubmed(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"esearchresult":{"count":"1","idlist":["444"]}}`))
	})
	s := LinkedAtRegistration{Pubmed: client}
	reg := &registry.Registration{
		BriefTitle: "X",
		References: []registry.Reference{{Citation: "doi:10.1000/xyz123"}},
	}
	got, err := s.Run(context.Background(), reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PMID != "444" {
		t.Fatalf("doi resolution: %+v", got)
	}
}

func TestMinDateFilter(t *testing.T) {
	pubs := []Publication{
		{PMID: "A", PublicationDate: "2009-12"},
		{PMID: "B", PublicationDate: "2012"},
		{PMID: "C"},
	}
	res := MinDateFilter(pubs, "2010-01-01")
	if len(res.Eligible) != 2 || res.Eligible[0].PMID != "B" || res.Eligible[1].PMID != "C" {
		t.Fatalf("eligible: %+v", res.Eligible)
	}
	if len(res.Filtered) != 1 || res.Filtered[0].PMID != "A" {
		t.Fatalf("filtered: %+v", res.Filtered)
	}
}

func TestMinDateFilterKeepsInvalidDates(t *testing.T) {
	res := MinDateFilter([]Publication{{PMID: "X", PublicationDate: "not-a-date"}}, "2010-01-01")
	if len(res.Eligible) != 1 {
		t.Fatalf("invalid dates are retained by the min filter: %+v", res)
	}
}

func TestMaxDateFilter(t *testing.T) {
	pubs := []Publication{
		{PMID: "old", PublicationDate: "2019-05"},
		{PMID: "new", PublicationDate: "2021-01-01"},
		{PMID: "unknown"},
		{PMID: "bad", PublicationDate: "garbage"},
	}
	res := MaxDateFilter(pubs, "2020-11-17")
	wantEligible := []string{"old", "unknown"}
	if len(res.Eligible) != 2 || res.Eligible[0].PMID != wantEligible[0] || res.Eligible[1].PMID != wantEligible[1] {
		t.Fatalf("eligible: %+v", res.Eligible)
	}
	if len(res.Filtered) != 2 {
		t.Fatalf("filtered: %+v", res.Filtered)
	}
}

func TestPartialDateStringOrder(t *testing.T) {
	if !("2020" < "2020-01" && "2020-01" < "2020-01-01") {
		t.Fatal("ISO prefix ordering assumption violated")
	}
}

func TestParseQueryV2Clamps(t *testing.T) {
	content := `{"keywords":["a","b","c","d","e"],"investigators":[],"search_strings":["q1","q2"],"extra_queries":[]}`
	bundle, err := ParseQueryV2(content)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Keywords) != 4 {
		t.Fatalf("keywords not clamped: %v", bundle.Keywords)
	}
	if got := bundle.Queries(); len(got) != 2 {
		t.Fatalf("queries: %v", got)
	}
}

func TestParseQueryV1Empty(t *testing.T) {
	if _, err := ParseQueryV1(`{"query":"  "}`); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestRegistrationPromptJSONStripsSensitiveFields(t *testing.T) {
	yes := true
	reg := &registry.Registration{
		TrialID:         "NCT00000001",
		BriefTitle:      "X",
		HasResults:      &yes,
		LinkedPubmedIDs: []string{"1"},
		References:      []registry.Reference{{PMID: "2"}},
	}
	raw, err := RegistrationPromptJSON(reg)
	if err != nil {
		t.Fatal(err)
	}
	for _, leak := range []string{"has_results", "linked_pubmed_ids", "references"} {
		if strings.Contains(string(raw), leak) {
			t.Fatalf("prompt JSON leaks %s: %s", leak, raw)
		}
	}
}

func TestQueryPoolRoundTrip(t *testing.T) {
	pool := NewQueryPool(testStore(t))
	if err := pool.PutV1("NCT1", &QueryBundleV1{Query: "q"}); err != nil {
		t.Fatal(err)
	}
	got, err := pool.GetV1("NCT1")
	if err != nil || got.Query != "q" {
		t.Fatalf("v1 round trip: %+v %v", got, err)
	}
	if _, err := pool.GetV2("NCT1"); err == nil {
		t.Fatal("v2 namespace must be separate")
	}
}
