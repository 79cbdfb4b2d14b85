package catalog

import "errors"

// Sentinel errors surfaced by catalog operations and propagated upward by
// the Allocator per the error taxonomy.
var (
	ErrNotFound             = errors.New("not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNotActive            = errors.New("lease not active")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrConflict             = errors.New("conflict")
)

// InsufficientCapacityError carries the number of nodes actually claimed
// when a caller requested more than were available.
type InsufficientCapacityError struct {
	Requested int
	Found     int
}

func (e *InsufficientCapacityError) Error() string {
	return "insufficient capacity"
}

func (e *InsufficientCapacityError) Unwrap() error {
	return ErrInsufficientCapacity
}
