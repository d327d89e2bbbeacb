package fetch

import "time"

// Config is the recognized fetch configuration. The zero value is
// usable: timeouts fall back to the transport defaults and TempDir to
// the system temporary directory.
type Config struct {
	// RequestTimeout bounds the time until the first byte of a response
	// arrives. Defaults to 10s.
	RequestTimeout time.Duration `validate:"min=0"`

	// ResponseTimeout bounds inactivity while a response body streams.
	// Defaults to 60s.
	ResponseTimeout time.Duration `validate:"min=0"`

	// WholeFile forces whole-file transfers, never issuing range
	// requests even when the server advertises support.
	WholeFile bool

	// TempDir is where scratch files are created. Defaults to os.TempDir().
	TempDir string

	// Proxy is an optional forward proxy applied uniformly across all
	// exchanges of a fetch. HTTPS targets are tunneled via CONNECT.
	Proxy string `validate:"omitempty,url"`

	// UserAgent is sent with every exchange when non-empty.
	UserAgent string
}
