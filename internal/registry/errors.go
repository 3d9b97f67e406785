package registry

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies adapter failures.
type FetchErrorKind string

const (
	FetchNotFound  FetchErrorKind = "not_found"
	FetchTransport FetchErrorKind = "transport"
	FetchParse     FetchErrorKind = "parse"
)

// FetchError is returned by every adapter when a registration cannot be
// produced for a trial identifier.
type FetchError struct {
	Kind    FetchErrorKind
	TrialID string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("registry fetch %s (%s): %v", e.TrialID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrUnknownRegistry is returned by Fetch for identifiers that match no
// supported registry pattern.
var ErrUnknownRegistry = errors.New("unknown registry for trial id")

func notFound(trialID string, err error) error {
	return &FetchError{Kind: FetchNotFound, TrialID: trialID, Err: err}
}

func transport(trialID string, err error) error {
	return &FetchError{Kind: FetchTransport, TrialID: trialID, Err: err}
}

func parseErr(trialID string, err error) error {
	return &FetchError{Kind: FetchParse, TrialID: trialID, Err: err}
}
