package queue

import "errors"

var (
	ErrCapacityExceeded  = errors.New("queue capacity exceeded")
	ErrInactiveQueue     = errors.New("queue is inactive")
	ErrEmptyQueue        = errors.New("no waiting entries")
	ErrEntryNotFound     = errors.New("entry not found")
	ErrInvalidTransition = errors.New("invalid entry transition")
	ErrLateCapNotReached = errors.New("late-client cap not reached")
	ErrInvalidDuration   = errors.New("service duration must be positive")
	ErrInvalidCapacity   = errors.New("max size must be positive")
)
