package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrRedirectLoop is returned when a probe exceeds its redirect budget.
	ErrRedirectLoop = errors.New("redirect loop")
	// ErrBadRedirect is returned for a redirect status without a usable
	// Location header.
	ErrBadRedirect = errors.New("malformed redirect")
	// ErrIntegrity is the sentinel wrapped by [Error] when the server
	// violates the range protocol: a gap in the byte sequence or a total
	// size that disagrees with an earlier observation. Never retried.
	ErrIntegrity = errors.New("integrity violation")
	// ErrRetriesExhausted wraps the last transient cause once the
	// per-session retry budget runs out.
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	// ErrContentLengthMismatch indicates the final byte count did not
	// match the expected total.
	ErrContentLengthMismatch = errors.New("content length mismatch")
	// ErrChecksumMismatch indicates the materialized content failed
	// checksum verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrUnexpectedStatusCode is the sentinel error wrapped by
	// [UnexpectedStatusError].
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
)

// errRestartWholeFile makes the engine discard its scratch sink and
// restart the transfer without range requests. Never escapes the package.
var errRestartWholeFile = errors.New("restart whole-file")

// Error wraps a sentinel error with additional detail.
type Error struct {
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UnexpectedStatusError is returned when the server answers a transfer
// request with a status the engine cannot recover from.
type UnexpectedStatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%v: %d, body: %s", e.Err, e.StatusCode, e.Body)
}

func (e *UnexpectedStatusError) Unwrap() error {
	return e.Err
}

// transientError marks a failure the engine may retry against the same
// resume offset.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}
