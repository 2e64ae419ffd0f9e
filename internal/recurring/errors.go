package recurring

import "errors"

var (
	// ErrNotFound means the template is gone or no longer recurring.
	ErrNotFound = errors.New("recurring: template not found")

	// ErrNotDue means the template has nothing to catch up.
	ErrNotDue = errors.New("recurring: template not due")

	// ErrCheckpointConflict is returned when the stored checkpoint no longer
	// matches the one the catch-up started from.
	ErrCheckpointConflict = errors.New("recurring: checkpoint changed concurrently")

	// ErrInvalidInterval is a contract violation; Next panics with it.
	ErrInvalidInterval = errors.New("recurring: invalid interval")

	ErrInvalidType    = errors.New("recurring: invalid transaction type")
	ErrTickInProgress = errors.New("recurring: tick already in progress")
)
