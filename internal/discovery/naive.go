package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/lahnstrom/trialscout/internal/pubmed"
	"github.com/lahnstrom/trialscout/internal/registry"
	"github.com/lahnstrom/trialscout/internal/store"
)

// naiveResultLimit caps how many PMIDs the structured query returns.
const naiveResultLimit = 5

// PubmedNaive builds one structured PubMed query from the registration's
// identifier, title, and investigator, constrained to publications on or
// after the trial start date.
type PubmedNaive struct {
	Client *pubmed.Client
	Cache  *store.Store
}

func (PubmedNaive) ID() string { return StrategyPubmedNaive }

func (s PubmedNaive) Run(ctx context.Context, reg *registry.Registration) ([]Candidate, error) {
	query := buildNaiveQuery(reg)
	if query == "" {
		return nil, nil
	}

	var pmids []string
	err := s.Cache.GetOrFill(ctx, store.TypePubmedNaive, reg.TrialID, &pmids, func(ctx context.Context) (any, error) {
		ids, err := s.Client.Search(ctx, query, naiveResultLimit)
		if err != nil {
			return nil, err
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(pmids))
	for _, pmid := range pmids {
		out = append(out, Candidate{PMID: pmid})
	}
	return out, nil
}

func buildNaiveQuery(reg *registry.Registration) string {
	var clauses []string
	if reg.TrialID != "" {
		clauses = append(clauses, fmt.Sprintf("(%s[si] OR %s[tiab])", reg.TrialID, reg.TrialID))
	}
	if title := strings.TrimSpace(reg.Title()); title != "" {
		clauses = append(clauses, fmt.Sprintf("(%s[tiab])", sanitizeQueryTerm(title)))
	}
	if inv := strings.TrimSpace(reg.InvestigatorFullName); inv != "" {
		clauses = append(clauses, fmt.Sprintf("(%s[au])", sanitizeQueryTerm(inv)))
	}
	if len(clauses) == 0 {
		return ""
	}
	query := strings.Join(clauses, " OR ")
	if reg.StartDate != "" {
		query = fmt.Sprintf("(%s) AND (%s[dp] : 3000[dp])", query, strings.ReplaceAll(reg.StartDate, "-", "/"))
	}
	return query
}

// sanitizeQueryTerm strips characters that break PubMed field syntax.
func sanitizeQueryTerm(s string) string {
	replacer := strings.NewReplacer("[", " ", "]", " ", "(", " ", ")", " ", `"`, " ", ":", " ")
	return strings.Join(strings.Fields(replacer.Replace(s)), " ")
}
