package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidParams indicates malformed input. No side effects happened.
	ErrInvalidParams = errors.New("invalid params")

	// ErrUnauthorized indicates a missing, expired or unauthenticated session.
	ErrUnauthorized = errors.New("not authorized")

	// ErrForbidden indicates an authenticated identity that is not
	// privileged for the operation, or is banned.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when a non-privileged identity already has a
	// request on record.
	ErrConflict = errors.New("already requested")

	// ErrNotFound means there is no usable moderation entry for the identity.
	ErrNotFound = errors.New("request not found")

	// ErrInvalidCredential is returned when the key validator rejects the
	// submitted key.
	ErrInvalidCredential = errors.New("invalid key")

	// ErrUpstreamUnavailable wraps session store, moderation store and
	// validator failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ModerationError wraps an underlying error with identity context.
type ModerationError struct {
	Identity string
	Op       string
	Err      error
}

func (e *ModerationError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("%s: %s: %v", e.Identity, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ModerationError) Unwrap() error {
	return e.Err
}
