package engine

import "errors"

var (
	// ErrValidation covers malformed command input.
	ErrValidation            = errors.New("validation failed")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrInvalidPolicy         = errors.New("no escalation policy")
	ErrActiveExceptionExists = errors.New("active exception exists")
	ErrAlreadyDecided        = errors.New("exception already decided")
	ErrVersionConflict       = errors.New("version conflict")
	ErrWorkItemNotFound      = errors.New("work item not found")
	ErrExceptionNotFound     = errors.New("exception not found")
)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrWorkItemNotFound), errors.Is(err, ErrExceptionNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidPolicy),
		errors.Is(err, ErrActiveExceptionExists), errors.Is(err, ErrAlreadyDecided):
		return "rejected"
	default:
		return "error"
	}
}
