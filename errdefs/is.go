package errdefs

import (
	"context"
	"errors"
)

type causer interface {
	Cause() error
}

type wrapErr interface {
	Unwrap() error
}

func getImplementer(err error) error {
	switch e := err.(type) {
	case
		ErrNotFound,
		ErrInvalidParameter,
		ErrConflict,
		ErrUnauthorized,
		ErrForbidden,
		ErrUnavailable,
		ErrCancelled,
		ErrSystem:
		return err
	case causer:
		return getImplementer(e.Cause())
	case wrapErr:
		return getImplementer(e.Unwrap())
	default:
		return err
	}
}

// IsNotFound returns if the passed in error is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := getImplementer(err).(ErrNotFound)
	return ok
}

// IsInvalidParameter returns if the passed in error is an ErrInvalidParameter.
func IsInvalidParameter(err error) bool {
	_, ok := getImplementer(err).(ErrInvalidParameter)
	return ok
}

// IsConflict returns if the passed in error is an ErrConflict.
func IsConflict(err error) bool {
	_, ok := getImplementer(err).(ErrConflict)
	return ok
}

// IsUnauthorized returns if the passed in error is an ErrUnauthorized.
func IsUnauthorized(err error) bool {
	_, ok := getImplementer(err).(ErrUnauthorized)
	return ok
}

// IsForbidden returns if the passed in error is an ErrForbidden.
func IsForbidden(err error) bool {
	_, ok := getImplementer(err).(ErrForbidden)
	return ok
}

// IsUnavailable returns if the passed in error is an ErrUnavailable.
func IsUnavailable(err error) bool {
	_, ok := getImplementer(err).(ErrUnavailable)
	return ok
}

// IsCancelled returns if the passed in error is an ErrCancelled. Plain
// context cancellation counts: worker code propagates ctx.Err unchanged.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	_, ok := getImplementer(err).(ErrCancelled)
	return ok
}

// IsSystem returns if the passed in error is an ErrSystem.
func IsSystem(err error) bool {
	_, ok := getImplementer(err).(ErrSystem)
	return ok
}
