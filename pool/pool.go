package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fetchkit/fetchkit/fetch"
	"github.com/fetchkit/fetchkit/validate"
)

// Config is the recognized pool configuration.
type Config struct {
	// Capacity bounds the number of pooled handles. Inserting one more
	// distinct address evicts the oldest-inserted entry.
	Capacity int `validate:"gt=0"`

	// ReadyRetries is how many download attempts one materialization
	// makes before the handle fails. Defaults to 1.
	ReadyRetries int `validate:"gte=0"`
}

// Option is a functional option for configuring a [Pool] via [New].
type Option func(*options) error

type options struct {
	logger *slog.Logger
}

// WithLogger injects a custom [slog.Logger] into the [Pool].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// Pool is an insertion-ordered, capacity-bounded mapping of source
// address to content handle. Safe for concurrent use.
type Pool struct {
	fetcher *fetch.Fetcher
	logger  *slog.Logger
	retries int

	mu       sync.Mutex
	capacity int
	entries  map[string]*Handle
	order    []string // insertion order, oldest first
}

// New validates cfg and builds a Pool backed by f.
func New(f *fetch.Fetcher, cfg Config, optFns ...Option) (*Pool, error) {
	if f == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if cfg.ReadyRetries == 0 {
		cfg.ReadyRetries = 1
	}

	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying pool option: %w", err)
		}
	}

	p := &Pool{
		fetcher:  f,
		logger:   opts.logger,
		retries:  cfg.ReadyRetries,
		capacity: cfg.Capacity,
		entries:  make(map[string]*Handle),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p, nil
}

// Get returns the pooled handle for an exact address match, or
// constructs and inserts a fresh one, evicting the oldest-inserted
// entry when the pool is over capacity. A hit does not reorder the
// entry: eviction is FIFO by insertion, not LRU by access.
func (p *Pool) Get(address string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.entries[address]; ok {
		return h
	}

	h := p.newHandle(address)
	p.entries[address] = h
	p.order = append(p.order, address)

	if len(p.entries) > p.capacity {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.entries, oldest)
		// The evicted handle stays valid for anyone still holding it;
		// only the pool's own reference is dropped.
		p.logger.Debug("evicted oldest pooled handle", "address", oldest)
	}

	return h
}

// GetUnique constructs a private handle for address, never consulting
// or touching the shared map.
func (p *Pool) GetUnique(address string) *Handle {
	return p.newHandle(address)
}

// Len reports the number of pooled handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
