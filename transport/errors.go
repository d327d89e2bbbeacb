package transport

import (
	"errors"
	"fmt"
	"time"
)

// Phase identifies which exchange timer raised a timeout.
type Phase string

const (
	// PhaseRequest covers connect, TLS handshake and response headers.
	PhaseRequest Phase = "request"
	// PhaseResponse covers body delivery after the first response byte.
	PhaseResponse Phase = "response"
)

var (
	// ErrTimeout is the sentinel error wrapped by [TimeoutError].
	ErrTimeout = errors.New("exchange timed out")
	// ErrNetwork wraps transport-level failures (DNS, connect, resets).
	ErrNetwork = errors.New("network failure")
	// ErrUnsupportedScheme is returned for addresses that are not http or https.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	// ErrAborted is raised exactly once when the connection closes before
	// the response reported its own completion.
	ErrAborted = errors.New("response aborted")
)

// errSettled marks an exchange whose cancellation token was released
// during normal teardown. It is recorded as a cause only when no real
// failure was recorded first, and it is never surfaced to callers.
var errSettled = errors.New("exchange settled")

// TimeoutError reports which phase of an exchange exceeded its limit.
type TimeoutError struct {
	Phase Phase
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v: no %s activity within %s", e.Err, e.Phase, e.Limit)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
