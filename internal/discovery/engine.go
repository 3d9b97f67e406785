package discovery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lahnstrom/trialscout/internal/pubmed"
	"github.com/lahnstrom/trialscout/internal/registry"
	"github.com/lahnstrom/trialscout/internal/store"
)

// Engine owns strategy fan-out, fusion, and enrichment for one registration
// at a time. Strategies own only their IO; the engine owns concurrency and
// per-strategy error capture.
type Engine struct {
	Strategies []Strategy
	Pubmed     *pubmed.Client
	Cache      *store.Store
	Logger     *zap.Logger
}

// Outcome is the result of running discovery for one registration.
type Outcome struct {
	Publications []Publication `json:"publications"`
	Failures     []Failure     `json:"failures,omitempty"`
}

// Discover runs all configured strategies concurrently, unions and
// deduplicates their candidates, and enriches the survivors from PubMed.
// A failing strategy is recorded and does not abort the others.
func (e *Engine) Discover(ctx context.Context, reg *registry.Registration) (*Outcome, error) {
	type result struct {
		index      int
		source     string
		candidates []Candidate
		err        error
	}

	results := make([]result, len(e.Strategies))
	var wg sync.WaitGroup
	for i, strat := range e.Strategies {
		wg.Add(1)
		go func(i int, strat Strategy) {
			defer wg.Done()
			candidates, err := strat.Run(ctx, reg)
			results[i] = result{index: i, source: strat.ID(), candidates: candidates, err: err}
		}(i, strat)
	}
	wg.Wait()

	out := &Outcome{}
	var all []tagged
	for _, r := range results {
		if r.err != nil {
			if e.Logger != nil {
				e.Logger.Warn("discovery strategy failed",
					zap.String("trial_id", reg.TrialID),
					zap.String("strategy", r.source),
					zap.Error(r.err))
			}
			out.Failures = append(out.Failures, Failure{Fn: r.source, Message: r.err.Error()})
			continue
		}
		for _, c := range r.candidates {
			all = append(all, tagged{Candidate: c, Source: r.source})
		}
	}

	pubs := dedupe(all)
	if len(pubs) == 0 {
		out.Publications = []Publication{}
		return out, nil
	}

	pmids := make([]string, len(pubs))
	for i, p := range pubs {
		pmids[i] = p.PMID
	}
	records, err := e.enrich(ctx, pmids)
	if err != nil {
		return nil, err
	}
	out.Publications = merge(pubs, records)
	return out, nil
}

// enrich fetches PubMed records for the PMIDs, read-through per PMID so
// publications shared across trials are fetched once.
func (e *Engine) enrich(ctx context.Context, pmids []string) ([]pubmed.Record, error) {
	records := make([]pubmed.Record, 0, len(pmids))
	var missing []string
	for _, pmid := range pmids {
		var rec pubmed.Record
		if err := e.Cache.Get(store.TypePublication, pmid, &rec); err == nil {
			records = append(records, rec)
			continue
		}
		missing = append(missing, pmid)
	}
	if len(missing) == 0 {
		return records, nil
	}

	fetched, err := e.Pubmed.FetchRefs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, rec := range fetched {
		if rec.PMID == "" {
			continue
		}
		if err := e.Cache.Put(store.TypePublication, rec.PMID, rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
