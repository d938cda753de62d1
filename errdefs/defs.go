// Package errdefs defines the error classes used across the curator
// daemon. Errors are classified by the behavior they carry, not by the
// component that produced them: callers branch on Is* predicates rather
// than on concrete types, and packages wrap causes with the constructor
// matching the class they want the caller to observe.
package errdefs

// ErrNotFound signals that the requested object is not found.
type ErrNotFound interface {
	NotFound()
}

// ErrInvalidParameter signals that the user input is invalid.
type ErrInvalidParameter interface {
	InvalidParameter()
}

// ErrConflict signals that some internal state conflicts with the
// requested action and can't be performed (a lost status-lease race, an
// already-held hash lock).
type ErrConflict interface {
	Conflict()
}

// ErrUnauthorized is used to signal that the user is not authorized to
// perform a specific action.
type ErrUnauthorized interface {
	Unauthorized()
}

// ErrForbidden signals that the requested action cannot be performed under
// any circumstances (e.g. a blacklisted title).
type ErrForbidden interface {
	Forbidden()
}

// ErrUnavailable signals that the requested action is transiently
// unavailable and may succeed when retried.
type ErrUnavailable interface {
	Unavailable()
}

// ErrCancelled signals that the action was cancelled.
type ErrCancelled interface {
	Cancelled()
}

// ErrSystem signals that some internal error occurred. An example of this
// would be a failed DB mutation or a filesystem error.
type ErrSystem interface {
	System()
}
