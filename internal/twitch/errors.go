package twitch

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol failure so callers can pick the right recovery:
// retry, re-authenticate, treat as success, or give up on the request.
type Kind int

const (
	// KindTransient covers timeouts, 5xx responses and rate limiting.
	KindTransient Kind = iota
	// KindAuth means the token was rejected; refresh or re-login.
	KindAuth
	// KindMalformed means the response could not be decoded. Not retried.
	KindMalformed
	// KindAlreadyClaimed means the claim raced a previous one. Benign.
	KindAlreadyClaimed
	// KindNotWatching means the server has no watch session for us yet.
	KindNotWatching
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	case KindAlreadyClaimed:
		return "already_claimed"
	case KindNotWatching:
		return "not_watching"
	default:
		return "unknown"
	}
}

// Error wraps a failure with its classification and the operation it came
// from.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report as transient, which errs on the side of retrying.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsAuth reports whether the error chain contains an auth failure.
func IsAuth(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuth
}

// IsTransient reports whether the error chain contains a retryable failure.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}
	return true
}
