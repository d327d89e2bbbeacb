package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fetchkit/fetchkit/throttle"
)

// Option is a functional option for configuring a [Channel] via [New].
type Option func(*options) error

type options struct {
	requestTimeout  time.Duration
	responseTimeout time.Duration
	proxy           *url.URL
	userAgent       string
	throttle        *throttle.Config
	rt              http.RoundTripper
	logger          *slog.Logger
}

// WithRequestTimeout bounds the time from issuing a request until the
// first byte of its response arrives.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("request timeout must be positive")
		}
		o.requestTimeout = d
		return nil
	}
}

// WithResponseTimeout bounds inactivity while the response body streams.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("response timeout must be positive")
		}
		o.responseTimeout = d
		return nil
	}
}

// WithProxy routes every exchange through the given forward proxy.
// HTTPS targets are reached via CONNECT tunneling.
func WithProxy(rawURL string) Option {
	return func(o *options) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("parsing proxy url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return errors.New("proxy url must be absolute")
		}
		o.proxy = u
		return nil
	}
}

// WithUserAgent adds a persistent User-Agent header to all exchanges.
func WithUserAgent(header string) Option {
	return func(o *options) error {
		o.userAgent = header
		return nil
	}
}

// WithThrottle enables token-bucket rate limiting with the given
// exchanges per second and burst capacity.
func WithThrottle(rps, burst int) Option {
	return func(o *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, throttle.ErrMustNotBeZero)
		}
		o.throttle = &throttle.Config{RPS: rps, Burst: burst}
		return nil
	}
}

// WithTransport sets a custom [http.RoundTripper] as the base transport.
// It takes precedence over WithProxy.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		o.rt = rt
		return nil
	}
}

// WithLogger injects a custom [slog.Logger] into the [Channel].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

func newThrottle(cfg *throttle.Config, logFn func() *slog.Logger, next http.RoundTripper) (http.RoundTripper, error) {
	return throttle.NewRoundTripper(cfg.RPS, cfg.Burst, logFn, next)
}

// userAgent is an http.RoundTripper, enabling the persistent User-Agent header.
type userAgent struct {
	value string
	base  http.RoundTripper
}

func (ua userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	cpy := r.Clone(r.Context())
	cpy.Header.Set("User-Agent", ua.value)
	return ua.base.RoundTrip(cpy)
}
