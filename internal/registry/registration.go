// Package registry fetches and normalizes trial registrations from
// ClinicalTrials.gov, the EU Clinical Trials Register, and DRKS.
package registry

import (
	"errors"
	"strings"

	"github.com/lahnstrom/trialscout/internal/trialid"
)

// Reference is a registry-provided publication link.
type Reference struct {
	PMID     string `json:"pmid,omitempty"`
	Citation string `json:"citation,omitempty"`
}

// Registration is the canonical registry-agnostic record for one trial.
// It is immutable after fetch.
type Registration struct {
	TrialID      string           `json:"trial_id"`
	RegistryType trialid.Registry `json:"registry_type"`

	BriefTitle    string `json:"brief_title,omitempty"`
	OfficialTitle string `json:"official_title,omitempty"`
	Acronym       string `json:"acronym,omitempty"`

	BriefSummary        string `json:"brief_summary,omitempty"`
	DetailedDescription string `json:"detailed_description,omitempty"`

	OverallStatus  string `json:"overall_status,omitempty"`
	StartDate      string `json:"start_date,omitempty"`
	CompletionDate string `json:"completion_date,omitempty"`

	Organization           string   `json:"organization,omitempty"`
	InvestigatorFullName   string   `json:"investigator_full_name,omitempty"`
	PrincipalInvestigators []string `json:"principal_investigators,omitempty"`

	StudyType     string   `json:"study_type,omitempty"`
	Phase         string   `json:"phase,omitempty"`
	Sex           string   `json:"sex,omitempty"`
	Conditions    []string `json:"conditions,omitempty"`
	Interventions []string `json:"interventions,omitempty"`

	// HasResults is the registry's own claim, kept for provenance only.
	HasResults *bool `json:"has_results,omitempty"`

	References      []Reference `json:"references,omitempty"`
	LinkedPubmedIDs []string    `json:"linked_pubmed_ids,omitempty"`
}

// Validate enforces the registration invariants: at least one title present,
// and start date not after completion date when both are known.
func (r *Registration) Validate() error {
	if strings.TrimSpace(r.BriefTitle) == "" && strings.TrimSpace(r.OfficialTitle) == "" {
		return errors.New("registration has neither brief_title nor official_title")
	}
	if r.StartDate != "" && r.CompletionDate != "" && r.StartDate > r.CompletionDate {
		return errors.New("start_date after completion_date")
	}
	return nil
}

// Title returns the best display title for prompts and reports.
func (r *Registration) Title() string {
	if strings.TrimSpace(r.BriefTitle) != "" {
		return r.BriefTitle
	}
	return r.OfficialTitle
}
