package discovery

import (
	"context"
	"strings"

	"github.com/lahnstrom/trialscout/internal/pubmed"
	"github.com/lahnstrom/trialscout/internal/registry"
	"github.com/lahnstrom/trialscout/internal/store"
	"github.com/lahnstrom/trialscout/internal/websearch"
)

const (
	// titleSearchLimit bounds the fuzzy-match fallback candidate pool.
	titleSearchLimit = 100
	// titleMatchThreshold is the minimum token overlap for a fuzzy match.
	titleMatchThreshold = 0.85
)

// GoogleScholar queries a scholar-style web search with the trial id and
// resolves each returned title to a PMID: citation match first, then a fuzzy
// match against a PubMed title search.
type GoogleScholar struct {
	Search *websearch.Client
	Pubmed *pubmed.Client
	Cache  *store.Store
}

func (GoogleScholar) ID() string { return StrategyGoogleScholar }

func (s GoogleScholar) Run(ctx context.Context, reg *registry.Registration) ([]Candidate, error) {
	var titles []string
	err := s.Cache.GetOrFill(ctx, store.TypeScholar, reg.TrialID, &titles, func(ctx context.Context) (any, error) {
		results, err := s.Search.Scholar(ctx, reg.TrialID)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(results))
		for _, r := range results {
			if t := strings.TrimSpace(r.Title); t != "" {
				out = append(out, t)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var out []Candidate
	for _, title := range titles {
		pmid, err := s.resolveTitle(ctx, title)
		if err != nil {
			return nil, err
		}
		if pmid == "" {
			continue
		}
		if _, ok := seen[pmid]; ok {
			continue
		}
		seen[pmid] = struct{}{}
		out = append(out, Candidate{PMID: pmid})
	}
	return out, nil
}

func (s GoogleScholar) resolveTitle(ctx context.Context, title string) (string, error) {
	pmids, err := s.Pubmed.CitationMatch(ctx, title)
	if err == nil && len(pmids) == 1 {
		return pmids[0], nil
	}

	// Fuzzy fallback: search PubMed by title and match the best record.
	ids, err := s.Pubmed.Search(ctx, title, titleSearchLimit)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	records, err := s.Pubmed.FetchRefs(ctx, ids)
	if err != nil {
		return "", err
	}
	want := titleTokens(title)
	for _, rec := range records {
		if titleSimilarity(want, titleTokens(rec.Title)) >= titleMatchThreshold {
			return rec.PMID, nil
		}
	}
	return "", nil
}

func titleTokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,:;()[]\"'")
		if len(tok) < 2 {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// titleSimilarity is the Jaccard index of the two token sets.
func titleSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
