package cells

import "errors"

var (
	// ErrCellExists is returned when allocating a path already present
	// in the registry.
	ErrCellExists = errors.New("cells: already exists")
	// ErrCellNotFound is returned when freeing or looking up a path not
	// present in the registry.
	ErrCellNotFound = errors.New("cells: not found")
	// ErrCellParentMissing is returned when allocating a path whose
	// parent does not already exist. Ancestors are never created
	// implicitly.
	ErrCellParentMissing = errors.New("cells: parent cell does not exist")
	// ErrInvalidName is returned when a path fails validation (empty
	// segment, disallowed characters).
	ErrInvalidName = errors.New("cells: invalid cell name")
)
