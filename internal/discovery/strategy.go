package discovery

import (
	"context"

	"github.com/lahnstrom/trialscout/internal/registry"
)

// Stable strategy identifiers. These appear in configuration, in publication
// source sets, and in the summary's identification-steps column.
const (
	StrategyLinkedAtRegistration = "linked_at_registration"
	StrategyPubmedNaive          = "pubmed_naive"
	StrategyGoogleScholar        = "google_scholar"
	StrategyPubmedGPTV1          = "pubmed_gpt_v1"
	StrategyPubmedGPTV2          = "pubmed_gpt_v2"
)

// AllStrategies lists every known strategy identifier.
var AllStrategies = []string{
	StrategyLinkedAtRegistration,
	StrategyPubmedNaive,
	StrategyGoogleScholar,
	StrategyPubmedGPTV1,
	StrategyPubmedGPTV2,
}

// Strategy produces candidate PMIDs for a registration. Implementations are
// independent and side-effect-free apart from the read-through caches.
type Strategy interface {
	ID() string
	Run(ctx context.Context, reg *registry.Registration) ([]Candidate, error)
}

// Failure captures one strategy's error without aborting the others.
type Failure struct {
	Fn      string `json:"fn"`
	Message string `json:"message"`
}
