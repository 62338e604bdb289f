package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrActorRequired is returned when a write arrives without an acting user.
	ErrActorRequired = errors.New("acting user required")
)
