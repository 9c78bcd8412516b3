package syncer

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("record not found")
	ErrTransient         = errors.New("transient failure")
	ErrEditWindowExpired = errors.New("edit window expired")
	ErrConflict          = errors.New("conflict")
	ErrNotConfirmed      = errors.New("record not yet confirmed by server")
	ErrClosed            = errors.New("store closed")
	ErrUnknownOp         = errors.New("unknown operation")
)

// MutationError reports the failure of one user mutation. Err wraps one of
// the sentinel errors above.
type MutationError struct {
	Op       string
	RecordID string
	Err      error
	// Retained is true when the optimistic change stays visible and the
	// mutation was queued for another attempt.
	Retained bool
}

func (e *MutationError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RecordID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Validationf builds an error matching ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Disposition is what the gateway does with the optimistic state of a failed
// mutation.
type Disposition int

const (
	Rollback Disposition = iota
	Retain
	RemoveLocal
)

func (d Disposition) String() string {
	switch d {
	case Retain:
		return "retain"
	case RemoveLocal:
		return "remove"
	default:
		return "rollback"
	}
}

// Classify maps a mutation failure onto its disposition. Unknown errors roll
// back.
func Classify(err error) Disposition {
	switch {
	case errors.Is(err, ErrTransient):
		return Retain
	case errors.Is(err, ErrNotFound):
		return RemoveLocal
	default:
		return Rollback
	}
}
