// Package discovery finds candidate publications for a trial registration
// through several independent strategies, fuses and enriches them, and
// applies the date gates that decide what reaches classification.
package discovery

import (
	"sort"

	"github.com/lahnstrom/trialscout/internal/pubmed"
)

// Candidate is a strategy's raw output: a PMID, possibly with a publication
// date when the strategy's source already knows one.
type Candidate struct {
	PMID            string `json:"pmid"`
	PublicationDate string `json:"publication_date,omitempty"`
}

// Publication is a fused, enriched candidate. PMIDs are unique within one
// trial's candidate set; Sources records every strategy that produced it.
type Publication struct {
	PMID            string   `json:"pmid"`
	DOI             string   `json:"doi,omitempty"`
	Title           string   `json:"title,omitempty"`
	Authors         string   `json:"authors,omitempty"`
	Abstract        string   `json:"abstract,omitempty"`
	PublicationDate string   `json:"publication_date,omitempty"`
	Sources         []string `json:"sources"`
	NCTIDs          []string `json:"nct_ids,omitempty"`
}

// HasSource reports whether a strategy contributed this publication.
func (p *Publication) HasSource(id string) bool {
	for _, s := range p.Sources {
		if s == id {
			return true
		}
	}
	return false
}

// tagged pairs a candidate with its producing strategy.
type tagged struct {
	Candidate
	Source string
}

// dedupe unions candidates by PMID, merging source sets. The first non-empty
// strategy-provided date wins among candidates; enrichment overrides later.
// Order of first appearance is preserved.
func dedupe(candidates []tagged) []Publication {
	byPMID := map[string]*Publication{}
	var order []string
	for _, c := range candidates {
		if c.PMID == "" {
			continue
		}
		pub := byPMID[c.PMID]
		if pub == nil {
			pub = &Publication{PMID: c.PMID, PublicationDate: c.PublicationDate}
			byPMID[c.PMID] = pub
			order = append(order, c.PMID)
		}
		if pub.PublicationDate == "" {
			pub.PublicationDate = c.PublicationDate
		}
		if !pub.HasSource(c.Source) {
			pub.Sources = append(pub.Sources, c.Source)
		}
	}
	out := make([]Publication, 0, len(order))
	for _, pmid := range order {
		pub := byPMID[pmid]
		sort.Strings(pub.Sources)
		out = append(out, *pub)
	}
	return out
}

// merge folds enriched PubMed records into the deduplicated publications.
// Records match primarily on PMID, with DOI as a fallback key. Enrichment
// dates override strategy-provided dates.
func merge(pubs []Publication, records []pubmed.Record) []Publication {
	byPMID := map[string]*pubmed.Record{}
	byDOI := map[string]*pubmed.Record{}
	for i := range records {
		r := &records[i]
		if r.PMID != "" {
			byPMID[r.PMID] = r
		}
		if r.DOI != "" {
			byDOI[r.DOI] = r
		}
	}
	out := make([]Publication, len(pubs))
	for i, pub := range pubs {
		rec := byPMID[pub.PMID]
		if rec == nil && pub.DOI != "" {
			rec = byDOI[pub.DOI]
		}
		if rec != nil {
			pub.Title = rec.Title
			pub.Authors = rec.Authors
			pub.Abstract = rec.Abstract
			pub.DOI = rec.DOI
			pub.NCTIDs = rec.NCTIDs
			if rec.PublicationDate != "" {
				pub.PublicationDate = rec.PublicationDate
			}
		}
		out[i] = pub
	}
	return out
}
