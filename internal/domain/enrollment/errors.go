package enrollment

import "errors"

var (
	// ErrStoreUnavailable means the session state could not be read or written.
	// It is fatal to the current step: nothing is committed and the user is told.
	ErrStoreUnavailable = errors.New("enrollment store unavailable")
	ErrSessionNotFound  = errors.New("enrollment session not found")
	ErrSessionSubmitted = errors.New("enrollment session already submitted")
	ErrUnknownStep      = errors.New("unknown enrollment step")
	ErrUnknownField     = errors.New("unknown field")
	ErrSubmitInProgress = errors.New("submission already in progress")
	ErrNotSubmittable   = errors.New("step has no section to submit")
	ErrIncomplete       = errors.New("enrollment is incomplete")
)
