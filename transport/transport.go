package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"time"
)

// Default phase timeouts, applied unless overridden via options.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultResponseTimeout = 60 * time.Second
)

// Channel executes bounded request/response exchanges. It wraps a
// std-lib *http.Client configured to never follow redirects, so each
// Exchange maps to exactly one wire request.
type Channel struct {
	hc              *http.Client
	requestTimeout  time.Duration
	responseTimeout time.Duration
	logger          *slog.Logger
}

// Response is the outcome of one exchange. Body must be drained or
// closed by the caller; closing releases the exchange's cancellation
// token and its timers.
type Response struct {
	Status        int
	Header        http.Header
	ContentLength int64
	Body          *Body
}

// Close cancels the exchange and closes the body.
func (r *Response) Close() error {
	return r.Body.Close()
}

// New builds a Channel with the provided options.
func New(optFns ...Option) (*Channel, error) {
	opts := options{
		requestTimeout:  DefaultRequestTimeout,
		responseTimeout: DefaultResponseTimeout,
	}
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying channel option: %w", err)
		}
	}

	var base http.RoundTripper
	if opts.rt != nil {
		base = opts.rt
	} else {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.proxy != nil {
			tr.Proxy = http.ProxyURL(opts.proxy)
		}
		base = tr
	}

	ch := &Channel{
		requestTimeout:  opts.requestTimeout,
		responseTimeout: opts.responseTimeout,
		logger:          opts.logger,
	}
	if ch.logger == nil {
		ch.logger = slog.Default()
	}

	if opts.userAgent != "" {
		base = userAgent{value: opts.userAgent, base: base}
	}
	if opts.throttle != nil {
		rt, err := newThrottle(opts.throttle, func() *slog.Logger { return ch.logger }, base)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		base = rt
	}

	ch.hc = &http.Client{
		Transport: base,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return ch, nil
}

// Exchange performs one request against address. The returned Response
// is valid even for non-2xx statuses; status interpretation belongs to
// the caller.
func (c *Channel) Exchange(ctx context.Context, method, address string, header http.Header) (*Response, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	// One cancellation token per exchange; the first recorded cause wins.
	ctx, cancel := context.WithCancelCause(ctx)

	// The request timer stands down the instant the response starts,
	// even while Do is still reading headers. The Stop after Do covers
	// the paths where no response byte ever arrives.
	var reqTimer *time.Timer
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotFirstResponseByte: func() { reqTimer.Stop() },
	})

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	reqTimer = time.AfterFunc(c.requestTimeout, func() {
		cancel(&TimeoutError{Phase: PhaseRequest, Limit: c.requestTimeout, Err: ErrTimeout})
	})

	resp, err := c.hc.Do(req)
	reqTimer.Stop()
	if err != nil {
		cancel(errSettled)
		if cause := recordedCause(ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	body := newBody(ctx, cancel, resp.Body, c.responseTimeout, resp.ContentLength)

	return &Response{
		Status:        resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          body,
	}, nil
}

// recordedCause returns the first cancellation reason recorded on ctx,
// or nil if the token was only released by our own teardown.
func recordedCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, errSettled) {
		return nil
	}
	return cause
}
