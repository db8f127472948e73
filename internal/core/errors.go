package core

import "errors"

// Error taxonomy shared by stores and engines. Callers branch with errors.Is;
// wrapped detail stays attached via %w.
var (
	// ErrNotFound covers entities that are missing or owned by someone else.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited means a sync was attempted inside the aggregator's fixed
	// 24h per-connection quota window without force.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstream means the aggregator or AI provider was unreachable or
	// returned something unusable.
	ErrUpstream = errors.New("upstream failure")

	// ErrValidation covers cross-entity consistency failures, e.g. a rule
	// referencing a category the owner does not have.
	ErrValidation = errors.New("validation failure")

	// ErrConflict is returned when linking an account to a budget while it is
	// already linked to a different one.
	ErrConflict = errors.New("conflict")

	ErrInvalidAmount = errors.New("invalid amount")
)
