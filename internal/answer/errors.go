package answer

import "errors"

// Kind classifies an answering failure. The string value doubles as the
// stable wire code, so transports never parse error text.
type Kind string

const (
	KindInvalidRequest   Kind = "invalid_request"
	KindRetrievalFailure Kind = "retrieval_failure"
	KindBackendTimeout   Kind = "backend_timeout"
	KindBackendBusy      Kind = "backend_busy"
	KindBackendError     Kind = "backend_error"
	KindInternal         Kind = "internal"
)

// Retryable reports whether a request that failed with this kind is worth
// retrying unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindBackendTimeout, KindBackendBusy, KindRetrievalFailure:
		return true
	default:
		return false
	}
}

// Error tags an underlying failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or KindInternal when err carries none.
// Context cancellation is deliberately not a Kind; callers check it first.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternal
}
