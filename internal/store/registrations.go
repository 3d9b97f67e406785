package store

import (
	"context"

	"github.com/lahnstrom/trialscout/internal/registry"
)

// Registrations is the typed read-through facade over the registration cache.
type Registrations struct {
	store   *Store
	fetcher registry.Adapter
}

func NewRegistrations(s *Store, fetcher registry.Adapter) *Registrations {
	return &Registrations{store: s, fetcher: fetcher}
}

// Get returns the cached registration for trialID, fetching through the
// registry adapter on miss. Registrations are immutable after fetch.
func (r *Registrations) Get(ctx context.Context, trialID string) (*registry.Registration, error) {
	var reg registry.Registration
	err := r.store.GetOrFill(ctx, TypeRegistration, trialID, &reg, func(ctx context.Context) (any, error) {
		fetched, err := r.fetcher.Fetch(ctx, trialID)
		if err != nil {
			return nil, err
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// Peek returns the cached registration without fetching. ErrMiss on absence.
func (r *Registrations) Peek(trialID string) (*registry.Registration, error) {
	var reg registry.Registration
	if err := r.store.Get(TypeRegistration, trialID, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}
