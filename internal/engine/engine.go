// Package engine turns a live trade feed and paginated history into one
// ordered candle series per session.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
)

type Config struct {
	Fetcher Fetcher
	// PageSize is the bar count of each backward fetch.
	PageSize int
	Metrics  *Metrics
}

// Engine owns the current session. Switching markets bootstraps a fresh
// session and only then retires the current one; the old store is never
// reused. A failed switch leaves the current session serving.
type Engine struct {
	cfg Config
	// generation hands out session generations; published is the generation
	// of the session last made current. Sessions older than published are
	// retired.
	generation atomic.Uint64
	published  atomic.Uint64

	mu      sync.Mutex
	session *Session
	changed chan struct{}
}

func New(cfg Config) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Engine{
		cfg:     cfg,
		changed: make(chan struct{}),
	}
}

// Open bootstraps a session for market at the given unit with count initial
// bars, then publishes it in place of the current one.
func (e *Engine) Open(ctx context.Context, market string, unit int, count int) (*Session, error) {
	if err := domain.ValidateMarket(market); err != nil {
		return nil, err
	}
	res, err := domain.ResolutionFromMinutes(unit)
	if err != nil {
		return nil, err
	}

	generation := e.generation.Add(1)
	s := newSession(market, res, generation, &e.published, e.cfg)
	if err := s.Bootstrap(ctx, count); err != nil {
		s.close()
		return nil, fmt.Errorf("bootstrap %s: %w", market, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// a later Open or Close already won
	if e.published.Load() > generation {
		s.close()
		return nil, domain.ErrSessionRetired
	}
	e.published.Store(generation)

	old := e.session
	e.session = s
	if old != nil {
		old.close()
		if old.market != s.market {
			e.cfg.Metrics.Candles.DeleteLabelValues(old.market)
		}
		slog.InfoContext(ctx, "session retired", "market", old.market, "generation", old.generation)
	}
	e.cfg.Metrics.Candles.WithLabelValues(s.market).Set(float64(s.Boundaries().Count))
	close(e.changed)
	e.changed = make(chan struct{})

	return s, nil
}

// Current returns the published session, or nil.
func (e *Engine) Current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) current() (*Session, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, e.changed
}

// Run drives the live path: it opens a feed for the current session's market
// and follows market switches until ctx is done.
func (e *Engine) Run(ctx context.Context, dial FeedFactory) error {
	for {
		s, changed := e.current()
		if s != nil {
			if err := s.Consume(ctx, dial(s.Market())); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// Close retires the current session and any session still bootstrapping.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published.Store(e.generation.Add(1))
	if e.session != nil {
		e.session.close()
		e.cfg.Metrics.Candles.DeleteLabelValues(e.session.market)
		e.session = nil
	}
}
