package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/store"
)

var (
	ErrConcurrencyExhausted = errors.New("concurrent updates kept conflicting")
	ErrStaffUnavailable     = errors.New("staff member is inactive, on break or assigned elsewhere")
)

type Kind int

const (
	KindInfrastructure Kind = iota
	KindValidation
	KindBusiness
	KindConcurrencyExhausted
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusiness:
		return "business"
	case KindConcurrencyExhausted:
		return "concurrency_exhausted"
	case KindCanceled:
		return "canceled"
	default:
		return "infrastructure"
	}
}

// Error is the failure returned by every Service operation.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInfrastructure
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "validation_error", Err: fmt.Errorf(format, args...)}
}

var businessCodes = []struct {
	err  error
	code string
}{
	{queue.ErrCapacityExceeded, "capacity_exceeded"},
	{queue.ErrInactiveQueue, "inactive_queue"},
	{queue.ErrEmptyQueue, "empty_queue"},
	{queue.ErrInvalidTransition, "invalid_transition"},
	{queue.ErrEntryNotFound, "entry_not_found"},
	{queue.ErrLateCapNotReached, "late_cap_not_reached"},
	{queue.ErrInvalidDuration, "invalid_duration"},
	{queue.ErrInvalidCapacity, "invalid_capacity"},
	{store.ErrQueueNotFound, "queue_not_found"},
	{store.ErrQueueExists, "queue_exists"},
	{store.ErrStaffNotFound, "staff_not_found"},
	{store.ErrCustomerNotFound, "customer_not_found"},
	{ErrStaffUnavailable, "staff_unavailable"},
}

// classify converts any error into an *Error. A bare store.ErrConflict only
// reaches here once retries are used up.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Code: "canceled", Err: err}
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return &Error{Kind: KindValidation, Code: "validation_error", Err: errors.New(describeValidation(validationErrs))}
	}
	for _, candidate := range businessCodes {
		if errors.Is(err, candidate.err) {
			return &Error{Kind: KindBusiness, Code: candidate.code, Err: err}
		}
	}
	if errors.Is(err, store.ErrConflict) || errors.Is(err, ErrConcurrencyExhausted) {
		return &Error{Kind: KindConcurrencyExhausted, Code: "concurrency_exhausted", Err: err}
	}
	return &Error{Kind: KindInfrastructure, Code: "internal_error", Err: err}
}

func describeValidation(errs validator.ValidationErrors) string {
	messages := make([]string, 0, len(errs))
	for _, fieldErr := range errs {
		field := fieldErr.Field()
		switch fieldErr.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "uuid":
			messages = append(messages, field+" must be a UUID")
		case "email":
			messages = append(messages, field+" must be a valid email")
		case "min":
			messages = append(messages, field+" must be at least "+fieldErr.Param())
		case "max":
			messages = append(messages, field+" must be at most "+fieldErr.Param())
		default:
			messages = append(messages, field+" is invalid")
		}
	}
	return strings.Join(messages, "; ")
}
