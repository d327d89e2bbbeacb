package fetch

import (
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net/url"
	"os"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fetchkit/fetchkit/transport"
	"github.com/fetchkit/fetchkit/validate"
)

// Fetcher materializes remote content locally. It is safe for
// concurrent use; every fetch owns independent scratch storage and
// cancellation state.
type Fetcher struct {
	cfg      Config
	ch       *transport.Channel
	logger   *slog.Logger
	tracer   trace.Tracer
	progress bool

	// noRange remembers hosts observed to reject range requests, so the
	// 416 discovery cost is paid once per host per Fetcher.
	mu      sync.Mutex
	noRange map[string]struct{}
}

// Option is a functional option for configuring a [Fetcher] via [New].
type Option func(*fetcherOpts) error

type fetcherOpts struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	channel  *transport.Channel
	throttle *[2]int
	progress bool
}

// WithLogger injects a custom [slog.Logger] into the [Fetcher].
func WithLogger(logger *slog.Logger) Option {
	return func(o *fetcherOpts) error {
		o.logger = logger
		return nil
	}
}

// WithTracer records a span per probe and per download on the given tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *fetcherOpts) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithChannel replaces the transport channel built from Config. Mostly
// useful for tests that need a custom base RoundTripper.
func WithChannel(ch *transport.Channel) Option {
	return func(o *fetcherOpts) error {
		if ch == nil {
			return errors.New("channel must not be nil")
		}
		o.channel = ch
		return nil
	}
}

// WithThrottle rate-limits the fetcher's exchanges with the given
// requests per second and burst capacity.
func WithThrottle(rps, burst int) Option {
	return func(o *fetcherOpts) error {
		o.throttle = &[2]int{rps, burst}
		return nil
	}
}

// WithProgress logs transfer progress at most once per second.
func WithProgress() Option {
	return func(o *fetcherOpts) error {
		o.progress = true
		return nil
	}
}

// New validates cfg and builds a Fetcher.
func New(cfg Config, optFns ...Option) (*Fetcher, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid fetch config: %w", err)
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = transport.DefaultRequestTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = transport.DefaultResponseTimeout
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	var opts fetcherOpts
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying fetcher option: %w", err)
		}
	}

	f := &Fetcher{
		cfg:      cfg,
		logger:   opts.logger,
		tracer:   opts.tracer,
		progress: opts.progress,
		noRange:  make(map[string]struct{}),
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.tracer == nil {
		f.tracer = noop.NewTracerProvider().Tracer("fetchkit")
	}

	if opts.channel != nil {
		f.ch = opts.channel
		return f, nil
	}

	chOpts := []transport.Option{
		transport.WithRequestTimeout(cfg.RequestTimeout),
		transport.WithResponseTimeout(cfg.ResponseTimeout),
		transport.WithLogger(f.logger),
	}
	if cfg.Proxy != "" {
		chOpts = append(chOpts, transport.WithProxy(cfg.Proxy))
	}
	if cfg.UserAgent != "" {
		chOpts = append(chOpts, transport.WithUserAgent(cfg.UserAgent))
	}
	if opts.throttle != nil {
		chOpts = append(chOpts, transport.WithThrottle(opts.throttle[0], opts.throttle[1]))
	}

	ch, err := transport.New(chOpts...)
	if err != nil {
		return nil, fmt.Errorf("building transport channel: %w", err)
	}
	f.ch = ch

	return f, nil
}

// DownloadOption is a functional option for a single download.
type DownloadOption func(*downloadOpts) error

type downloadOpts struct {
	checksum *checksumVerifier
}

// WithChecksum verifies the materialized content against the
// hex-encoded expected checksum before handing it back.
func WithChecksum(h hash.Hash, expected string) DownloadOption {
	return func(o *downloadOpts) error {
		if h == nil {
			return errors.New("hash must not be nil")
		}
		if expected == "" {
			return errors.New("expected checksum must not be empty")
		}
		o.checksum = &checksumVerifier{hash: h, expected: expected}
		return nil
	}
}

// markNoRange records that the host behind address rejected a range request.
func (f *Fetcher) markNoRange(address string) {
	host := hostOf(address)
	if host == "" {
		return
	}
	f.mu.Lock()
	f.noRange[host] = struct{}{}
	f.mu.Unlock()
}

// hostRejectsRange reports whether a host was previously observed
// rejecting range requests.
func (f *Fetcher) hostRejectsRange(address string) bool {
	host := hostOf(address)
	if host == "" {
		return false
	}
	f.mu.Lock()
	_, ok := f.noRange[host]
	f.mu.Unlock()
	return ok
}

func hostOf(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return ""
	}
	return u.Host
}
