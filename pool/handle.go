package pool

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/fetchkit/fetchkit/fetch"
)

// State is a handle's materialization state.
type State string

const (
	StateUnmaterialized State = "unmaterialized"
	StateMaterializing  State = "materializing"
	StateReady          State = "ready"
	StateFailed         State = "failed"
)

// Handle is a long-lived, lazily-materialized representation of the
// content behind one source address.
type Handle struct {
	id      string
	address string
	pool    *Pool

	mu    sync.Mutex
	state State
	done  chan struct{}
	res   *fetch.Result
	err   error
}

func (p *Pool) newHandle(address string) *Handle {
	return &Handle{
		id:      uuid.NewString(),
		address: address,
		pool:    p,
		state:   StateUnmaterialized,
		done:    make(chan struct{}),
	}
}

// Address returns the handle's source address.
func (h *Handle) Address() string {
	return h.address
}

// State reports the current materialization state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Size returns the materialized content length, or -1 before readiness.
func (h *Handle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return -1
	}
	return h.res.Size
}

// Ready materializes the content on first invocation and is a cheap
// idempotent wait afterwards. Concurrent callers share one in-flight
// fetch and observe the same outcome; a failure is sticky. Cancelling
// ctx abandons this caller's wait only; the fetch keeps running for
// everyone else.
func (h *Handle) Ready(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateUnmaterialized {
		h.state = StateMaterializing
		// Detach the fetch from the first waiter's cancellation: the
		// flight belongs to the handle, not to whoever tripped it.
		go h.materialize(context.WithoutCancel(ctx))
	}
	done := h.done
	h.mu.Unlock()

	select {
	case <-done:
		return h.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (h *Handle) materialize(ctx context.Context) {
	var res *fetch.Result
	var err error

	for attempt := 1; attempt <= h.pool.retries; attempt++ {
		res, err = h.pool.fetcher.Download(ctx, h.address, nil)
		if err == nil {
			break
		}
		h.pool.logger.Warn("handle materialization attempt failed",
			"handle", h.id, "address", h.address, "attempt", attempt, "error", err)
	}

	h.mu.Lock()
	if err != nil {
		h.state = StateFailed
		h.err = fmt.Errorf("materializing %s: %w", h.address, err)
	} else {
		h.state = StateReady
		h.res = res
	}
	h.mu.Unlock()

	close(h.done)
}

// Open waits for readiness and returns a fresh sequential byte source
// over the content. Each call opens an independent source.
func (h *Handle) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := h.Ready(ctx); err != nil {
		return nil, err
	}
	return h.res.Open()
}

// Bytes waits for readiness and drains the content into memory.
func (h *Handle) Bytes(ctx context.Context) ([]byte, error) {
	rc, err := h.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
