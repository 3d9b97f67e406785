package discovery

import (
	"context"
	"strings"

	"github.com/lahnstrom/trialscout/internal/pubmed"
	"github.com/lahnstrom/trialscout/internal/registry"
)

// LinkedAtRegistration yields PMIDs the registry itself links: the EUCTR
// results-page scrape first, falling back to CTGov/DRKS-style references.
// DOI-only references (DRKS) are resolved through PubMed when a client is
// available.
type LinkedAtRegistration struct {
	Pubmed *pubmed.Client
}

func (LinkedAtRegistration) ID() string { return StrategyLinkedAtRegistration }

func (s LinkedAtRegistration) Run(ctx context.Context, reg *registry.Registration) ([]Candidate, error) {
	if len(reg.LinkedPubmedIDs) > 0 {
		out := make([]Candidate, 0, len(reg.LinkedPubmedIDs))
		for _, pmid := range reg.LinkedPubmedIDs {
			out = append(out, Candidate{PMID: pmid})
		}
		return out, nil
	}

	seen := map[string]struct{}{}
	var out []Candidate
	add := func(pmid string) {
		if pmid == "" {
			return
		}
		if _, ok := seen[pmid]; ok {
			return
		}
		seen[pmid] = struct{}{}
		out = append(out, Candidate{PMID: pmid})
	}

	for _, ref := range reg.References {
		if ref.PMID != "" {
			add(ref.PMID)
			continue
		}
		doi := doiFromCitation(ref.Citation)
		if doi == "" || s.Pubmed == nil {
			continue
		}
		pmid, err := s.Pubmed.DOIToPMID(ctx, doi)
		if err != nil {
			return nil, err
		}
		add(pmid)
	}
	return out, nil
}

func doiFromCitation(citation string) string {
	citation = strings.TrimSpace(citation)
	if strings.HasPrefix(citation, "doi:") {
		return strings.TrimSpace(strings.TrimPrefix(citation, "doi:"))
	}
	return ""
}
