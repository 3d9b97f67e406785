package classify

import (
	"errors"

	"github.com/lahnstrom/trialscout/internal/store"
)

// Store is the typed facade over the classification cache, keyed by
// trialID__pmid. Re-processing overwrites; resumed runs reuse stored results.
type Store struct {
	store *store.Store
}

func NewStore(s *store.Store) *Store {
	return &Store{store: s}
}

func (s *Store) Get(trialID, pmid string) (*Classification, bool, error) {
	var c Classification
	err := s.store.Get(store.TypeResultCheck, CustomID(trialID, pmid), &c)
	if errors.Is(err, store.ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *Store) Put(trialID, pmid string, c *Classification) error {
	return s.store.Put(store.TypeResultCheck, CustomID(trialID, pmid), c)
}
