package registry

import (
	"context"
	"fmt"

	"github.com/lahnstrom/trialscout/internal/trialid"
)

// Adapter is the contract every registry adapter satisfies.
type Adapter interface {
	Fetch(ctx context.Context, trialID string) (*Registration, error)
}

// Fetcher dispatches trial identifiers to the adapter for their registry.
// Adapters never depend on one another.
type Fetcher struct {
	CTGov Adapter
	EUCTR Adapter
	DRKS  Adapter
}

func (f *Fetcher) Fetch(ctx context.Context, trialID string) (*Registration, error) {
	trialID = trialid.Normalize(trialID)
	switch trialid.Detect(trialID) {
	case trialid.RegistryCTGov:
		return f.CTGov.Fetch(ctx, trialID)
	case trialid.RegistryEUCTR:
		return f.EUCTR.Fetch(ctx, trialID)
	case trialid.RegistryDRKS:
		return f.DRKS.Fetch(ctx, trialID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegistry, trialID)
	}
}
