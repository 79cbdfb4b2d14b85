package allocator

import "errors"

// Error taxonomy surfaced by Allocator operations, per the tenant-facing
// contract: every Allocator error is one of these kinds.
var (
	ErrNotFound             = errors.New("not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNotActive            = errors.New("lease not active")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrProvisioningFailed   = errors.New("provisioning failed")
	ErrConflict             = errors.New("conflict")
	ErrInternal             = errors.New("internal error")
)

// InsufficientCapacityError reports how many nodes were actually available
// when a rent request could not be fully satisfied.
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
