package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Body is the byte source of one exchange. Reads re-arm the response
// inactivity timer; a full drain or a Close disarms it and releases the
// exchange's cancellation token. Body is not safe for concurrent reads.
type Body struct {
	rc     io.ReadCloser
	ctx    context.Context
	cancel context.CancelCauseFunc

	timeout  time.Duration
	expected int64 // declared Content-Length, -1 when unknown
	received int64
	aborted  bool

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

func newBody(ctx context.Context, cancel context.CancelCauseFunc, rc io.ReadCloser, timeout time.Duration, expected int64) *Body {
	b := &Body{
		rc:       rc,
		ctx:      ctx,
		cancel:   cancel,
		timeout:  timeout,
		expected: expected,
	}
	// The response timer arms the moment the body starts.
	b.timer = time.AfterFunc(timeout, func() {
		cancel(&TimeoutError{Phase: PhaseResponse, Limit: timeout, Err: ErrTimeout})
	})
	return b
}

func (b *Body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.received += int64(n)

	if err == nil {
		b.rearm()
		return n, nil
	}

	b.disarm()

	if err == io.EOF {
		if b.expected >= 0 && b.received < b.expected {
			return n, b.abort(fmt.Errorf("%w: connection closed at byte %d of %d", ErrAborted, b.received, b.expected))
		}
		b.cancel(errSettled)
		return n, io.EOF
	}

	// A reason recorded on the token beats errors produced by the
	// teardown it triggered.
	if cause := recordedCause(b.ctx); cause != nil {
		return n, cause
	}

	if err == io.ErrUnexpectedEOF {
		return n, b.abort(fmt.Errorf("%w: %w", ErrAborted, err))
	}

	b.cancel(errSettled)
	return n, fmt.Errorf("%w: %w", ErrNetwork, err)
}

// Close disarms the response timer, cancels the exchange and closes the
// underlying body. Safe to call more than once.
func (b *Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.timer.Stop()
	b.mu.Unlock()

	b.cancel(errSettled)
	return b.rc.Close()
}

// abort raises the synthetic "response aborted" failure exactly once.
func (b *Body) abort(err error) error {
	if b.aborted {
		return io.EOF
	}
	b.aborted = true
	b.cancel(errSettled)
	return err
}

func (b *Body) rearm() {
	b.mu.Lock()
	if !b.closed {
		b.timer.Reset(b.timeout)
	}
	b.mu.Unlock()
}

func (b *Body) disarm() {
	b.mu.Lock()
	b.timer.Stop()
	b.mu.Unlock()
}
