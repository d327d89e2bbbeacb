// Package fetchkit exposes the fetcher and pool builders.
//
// A [fetch.Fetcher] resolves a remote address into complete local
// content, resuming interrupted transfers with range requests. A
// [pool.Pool] deduplicates lazily-materialized handles over one
// fetcher. Conversion layers sit on top of three calls: probe an
// address's headers, fetch it as a stream, and drain a stream into a
// buffer with [ReadAll].
package fetchkit

import (
	"io"

	"github.com/fetchkit/fetchkit/fetch"
	"github.com/fetchkit/fetchkit/pool"
	"github.com/fetchkit/fetchkit/transport"
)

// Sentinel errors re-exported for callers that only import the root
// package. Match with errors.Is.
var (
	ErrTimeout           = transport.ErrTimeout
	ErrNetwork           = transport.ErrNetwork
	ErrAborted           = transport.ErrAborted
	ErrUnsupportedScheme = transport.ErrUnsupportedScheme

	ErrRedirectLoop          = fetch.ErrRedirectLoop
	ErrBadRedirect           = fetch.ErrBadRedirect
	ErrIntegrity             = fetch.ErrIntegrity
	ErrRetriesExhausted      = fetch.ErrRetriesExhausted
	ErrContentLengthMismatch = fetch.ErrContentLengthMismatch
	ErrChecksumMismatch      = fetch.ErrChecksumMismatch
	ErrUnexpectedStatusCode  = fetch.ErrUnexpectedStatusCode
)

// NewFetcher instantiates a new *fetch.Fetcher with the provided
// configuration and options.
func NewFetcher(cfg fetch.Config, opts ...fetch.Option) (*fetch.Fetcher, error) {
	return fetch.New(cfg, opts...)
}

// NewPool instantiates a new *pool.Pool over f with the provided
// configuration and options.
func NewPool(f *fetch.Fetcher, cfg pool.Config, opts ...pool.Option) (*pool.Pool, error) {
	return pool.New(f, cfg, opts...)
}

// ReadAll drains a byte source into memory and closes it.
func ReadAll(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}
