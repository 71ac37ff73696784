package incident

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced incident id is unknown.
	ErrNotFound = errors.New("incident not found")

	// ErrConflict means a concurrent writer won the race; the losing
	// caller retries the whole operation, which is idempotent given the
	// same input.
	ErrConflict = errors.New("concurrent update conflict")
)

// InvalidTransitionError reports a status change not permitted from the
// incident's current state. The incident is left unchanged.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
