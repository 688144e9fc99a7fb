// Package apperr classifies errors crossing component boundaries into the
// handful of kinds the rest of the system dispatches on: whether to retry,
// whether to drop, whether to force a re-login, whether to exit. Callers
// wrap errors with a kind at the point where the classification is known
// (usually an HTTP status or a parse failure) and check the kind with
// KindOf wherever the handling decision is made.
package apperr

import (
	"errors"
	"fmt"
)

// Kind partitions failures by how they are handled, not by where they
// happened.
type Kind string

const (
	// Transient covers network failures, timeouts, and 5xx responses.
	// Retried with backoff inside the affected call; surfaced only after
	// retries are exhausted.
	Transient Kind = "transient"

	// NotFound covers 404s and RecordNotFound responses. Terminal: the
	// thing asked for does not exist and retrying will not change that.
	NotFound Kind = "not_found"

	// Malformed covers JSON/CBOR/DID format violations in input we don't
	// control. Logged once and dropped, never retried.
	Malformed Kind = "malformed"

	// Unauthorized covers 401/403 from an upstream service. The holder's
	// session is invalid; the client must re-authenticate.
	Unauthorized Kind = "unauthorized"

	// Fatal covers startup config/crypto errors. The process exits
	// non-zero rather than limping along.
	Fatal Kind = "fatal"
)

// Error pairs a Kind with an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Wrapping nil returns nil so call
// sites can wrap unconditionally on their return path.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification from anywhere in err's chain. An
// unclassified error reports Transient, the safe default: retrying
// something terminal wastes a few requests, while dropping something
// retryable loses data.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the error is worth another attempt.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// FromStatusCode classifies an upstream HTTP status. 2xx maps to nil.
func FromStatusCode(status int, err error) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 404:
		return Wrap(NotFound, err)
	case status == 401 || status == 403:
		return Wrap(Unauthorized, err)
	case status >= 500:
		return Wrap(Transient, err)
	default:
		return Wrap(Malformed, err)
	}
}
