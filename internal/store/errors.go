package store

import "errors"

var (
	// ErrConflict signals an optimistic-concurrency write collision. Adapters
	// translate their storage-specific conditions into this error; callers may
	// retry the whole unit of work.
	ErrConflict = errors.New("write conflict")

	ErrQueueNotFound    = errors.New("queue not found")
	ErrQueueExists      = errors.New("queue already exists for location and date")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrStaffNotFound    = errors.New("staff member not found")
)
