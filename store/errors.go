package store

import "errors"

// Error kinds returned by the persistence layer. Concrete failures wrap one
// of these, so callers match with errors.Is. Context cancellation and
// deadline expiry pass through wrapped, matchable as context.Canceled and
// context.DeadlineExceeded.
var (
	// ErrConfig reports a missing or invalid configuration value, surfaced
	// at factory time and never retried.
	ErrConfig = errors.New("invalid persistence configuration")

	// ErrUnsupportedBackend reports a connection string that matches none of
	// the supported database schemes.
	ErrUnsupportedBackend = errors.New("unsupported database backend")

	// ErrConnection reports an unreachable or misconfigured backend.
	ErrConnection = errors.New("database connection failed")

	// ErrSerialization reports a stored payload that is no longer valid
	// JSON. It indicates data corruption, not a transient failure.
	ErrSerialization = errors.New("corrupt state payload")

	// ErrInvalidState reports an operation invoked before Initialize or
	// after Close. This is a programming error, not a backend condition.
	ErrInvalidState = errors.New("persistence not initialized")
)
