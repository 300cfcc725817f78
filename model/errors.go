package model

import "errors"

// Error taxonomy roots. Component packages define their own sentinels
// wrapping one of these, so boundaries (HTTP, CLI) can classify any
// engine error with errors.Is against exactly three roots.
var (
	// ErrNotFound indicates an unknown session or batch id.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a state-machine violation or an entity that
	// already has an active session.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input such as a short route or a
	// waypoint outside the route.
	ErrValidation = errors.New("validation")
)
