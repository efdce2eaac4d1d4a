package executables

import "errors"

var (
	// ErrExecutableExists is returned when starting a name already
	// present in the registry.
	ErrExecutableExists = errors.New("executables: already exists")
	// ErrExecutableNotFound is returned when stopping or looking up a
	// name not present in the registry.
	ErrExecutableNotFound = errors.New("executables: not found")
	// ErrFailedToStart wraps a spawn failure.
	ErrFailedToStart = errors.New("executables: failed to start")
	// ErrFailedToStop wraps a kill failure that was not a benign
	// already-reaped condition.
	ErrFailedToStop = errors.New("executables: failed to stop")
)
