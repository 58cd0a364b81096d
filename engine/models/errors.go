package models

import "errors"

// Sentinel error categories of the error handling taxonomy, for use with
// errors.Is. The adapters, the processor, the trackers and the hub report
// plain errors of their own and do not wrap these sentinels, so errors.Is
// against them does not match errors from those components.
var (
	// ErrTransport covers network/timeout failures. Never fatal; counted
	// and retried per adapter policy.
	ErrTransport = errors.New("transport error")

	// ErrAuth covers 401/403 responses. The source is suspended until an
	// operator reconfigures it.
	ErrAuth = errors.New("authentication error")

	// ErrRateLimit covers 429 responses. The adapter backs off adaptively.
	ErrRateLimit = errors.New("rate limit error")

	// ErrValidation covers a record failing the processor's required-field
	// checks. The record is discarded; the pipeline continues.
	ErrValidation = errors.New("validation error")

	// ErrPersistence covers a failed write to the persistence facade. The
	// originating event is not replayed.
	ErrPersistence = errors.New("persistence error")

	// ErrProtocol covers a malformed subscriber frame or a rejected
	// connection (bad origin). The connection is closed with an explicit
	// reason.
	ErrProtocol = errors.New("protocol error")

	// ErrFatal covers an unrecoverable invariant violation. The process
	// exits; a supervisor is expected to restart it.
	ErrFatal = errors.New("fatal error")
)

// SourceError wraps an error with the adapter/source name that raised it.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return e.Source + ": " + e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

// NewSourceError wraps err with its originating adapter name.
func NewSourceError(source string, err error) *SourceError {
	return &SourceError{Source: source, Err: err}
}
