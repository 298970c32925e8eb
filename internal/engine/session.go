package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/0xc0d3d00d/candlestream/internal/series"
)

type bootstrapState int

const (
	notBootstrapped bootstrapState = iota
	bootstrapping
	bootstrapped
)

// Boundaries are the bucket starts of the oldest and newest candles.
type Boundaries struct {
	Earliest time.Time
	Latest   time.Time
	Count    int
}

// Session owns one market's series from bootstrap until it is retired. All
// writes to the store go through mu; network I/O never runs under it.
type Session struct {
	market     string
	resolution domain.Resolution
	generation uint64
	current    *atomic.Uint64

	fetcher  Fetcher
	pageSize int
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	store *series.Store
	state bootstrapState

	inFlight atomic.Bool
}

func newSession(market string, res domain.Resolution, generation uint64, current *atomic.Uint64, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		market:     market,
		resolution: res,
		generation: generation,
		current:    current,
		fetcher:    cfg.Fetcher,
		pageSize:   cfg.PageSize,
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		store:      series.NewStore(),
	}
}

func (s *Session) Market() string {
	return s.market
}

func (s *Session) Resolution() domain.Resolution {
	return s.resolution
}

func (s *Session) Generation() uint64 {
	return s.generation
}

// Done is closed once the session is retired.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// retired reports whether the session was closed or a newer session has
// been published.
func (s *Session) retired() bool {
	return s.ctx.Err() != nil || s.current.Load() > s.generation
}

func (s *Session) close() {
	s.cancel()
}

// Bootstrap fills the empty series with the count most recent bars. It may
// run once; a failed bootstrap can be retried.
func (s *Session) Bootstrap(ctx context.Context, count int) error {
	if count <= 0 {
		return fmt.Errorf("bootstrap count must be positive, got %d", count)
	}

	s.mu.Lock()
	if s.state != notBootstrapped || s.store.Len() > 0 {
		s.mu.Unlock()
		return domain.ErrDuplicateBootstrap
	}
	s.state = bootstrapping
	s.mu.Unlock()

	req := FetchRequest{Market: s.market, Resolution: s.resolution, Count: count}
	batch, err := s.fetch(ctx, req)
	if err == nil && s.retired() {
		err = domain.ErrSessionRetired
	}
	if err != nil {
		s.mu.Lock()
		s.state = notBootstrapped
		s.mu.Unlock()
		return err
	}

	batch = s.accept(ctx, batch, time.Time{})

	s.mu.Lock()
	for _, c := range batch {
		s.store.InsertOrUpdate(c)
	}
	s.state = bootstrapped
	n := s.store.Len()
	s.mu.Unlock()

	slog.InfoContext(ctx, "series bootstrapped", "market", s.market, "resolution", s.resolution, "candles", n)
	return nil
}

// ApplyTrade normalizes a raw feed event and merges it.
func (s *Session) ApplyTrade(ctx context.Context, raw domain.RawTrade) (domain.Candle, bool, error) {
	trade, err := domain.NormalizeTrade(raw, s.market)
	if err != nil {
		s.metrics.Dropped.WithLabelValues(dropMalformed).Inc()
		slog.WarnContext(ctx, "dropping trade", "market", s.market, "error", err)
		return domain.Candle{}, false, err
	}
	return s.MergeTrade(ctx, trade)
}

// MergeTrade folds a normalized trade into the series. The boundary decision
// uses the recorded latest bucket.
func (s *Session) MergeTrade(ctx context.Context, trade domain.Trade) (domain.Candle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired() {
		return domain.Candle{}, false, domain.ErrSessionRetired
	}
	if s.state != bootstrapped {
		return domain.Candle{}, false, domain.ErrNotBootstrapped
	}

	var open *domain.Candle
	if latest, ok := s.store.Latest(); ok {
		c, _ := s.store.Get(latest)
		open = &c
	}

	c, isNew, err := Merge(open, trade, s.market, s.resolution)
	if err != nil {
		s.metrics.Dropped.WithLabelValues(dropStale).Inc()
		slog.WarnContext(ctx, "dropping trade", "market", s.market, "trade_time", trade.Timestamp, "error", err)
		return domain.Candle{}, false, err
	}

	s.store.InsertOrUpdate(c)
	s.metrics.TradesMerged.Inc()
	if isNew {
		s.metrics.BucketsOpened.Inc()
		s.metrics.Candles.WithLabelValues(s.market).Set(float64(s.store.Len()))
		slog.DebugContext(ctx, "bucket opened", "market", s.market, "bucket_start", c.BucketStart, "open", c.Open)
	}
	return c, isNew, nil
}

func (s *Session) Snapshot() []domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Snapshot()
}

func (s *Session) Range(from, to time.Time) []domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Range(from, to)
}

func (s *Session) Earliest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Earliest()
}

func (s *Session) Latest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Latest()
}

func (s *Session) Boundaries() Boundaries {
	s.mu.RLock()
	defer s.mu.RUnlock()
	earliest, _ := s.store.Earliest()
	latest, _ := s.store.Latest()
	return Boundaries{Earliest: earliest, Latest: latest, Count: s.store.Len()}
}

// Consume feeds trades into the session until ctx is done, the session is
// retired or the feed fails.
func (s *Session) Consume(ctx context.Context, feed Feed) error {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	defer feed.Close()

	slog.InfoContext(ctx, "consuming feed", "market", s.market)
	for {
		raw, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed for %s: %w", s.market, err)
		}

		_, _, err = s.ApplyTrade(ctx, raw)
		switch {
		case err == nil,
			errors.Is(err, domain.ErrMalformedEvent),
			errors.Is(err, domain.ErrStaleEvent):
		case errors.Is(err, domain.ErrSessionRetired):
			return nil
		default:
			slog.DebugContext(ctx, "trade not applied", "market", s.market, "error", err)
		}
	}
}

// fetch runs a range fetch that is also cancelled when the session retires.
func (s *Session) fetch(ctx context.Context, req FetchRequest) ([]domain.Candle, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	batch, err := s.fetcher.FetchCandles(ctx, req)
	if err != nil {
		if s.retired() {
			return nil, domain.ErrSessionRetired
		}
		slog.ErrorContext(ctx, "fetch candles", "market", req.Market, "resolution", req.Resolution, "before", req.Before, "error", err)
		return nil, fmt.Errorf("%w: %w", domain.ErrFetchFailure, err)
	}
	return batch, nil
}

func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// accept validates fetched bars, fills in the session identity where the
// source leaves it blank, keeps only bars strictly before cutoff (when set)
// and sorts them ascending.
func (s *Session) accept(ctx context.Context, batch []domain.Candle, cutoff time.Time) []domain.Candle {
	out := make([]domain.Candle, 0, len(batch))
	for _, c := range batch {
		if c.Market == "" {
			c.Market = s.market
		}
		if c.Resolution == 0 {
			c.Resolution = s.resolution
		}
		c.BucketStart = c.BucketStart.UTC()

		if c.Market != s.market || c.Resolution != s.resolution {
			s.metrics.Dropped.WithLabelValues(dropInvalid).Inc()
			slog.WarnContext(ctx, "dropping fetched bar from another series", "market", c.Market, "resolution", c.Resolution)
			continue
		}
		if err := c.Validate(); err != nil {
			s.metrics.Dropped.WithLabelValues(dropInvalid).Inc()
			slog.WarnContext(ctx, "dropping invalid fetched bar", "market", s.market, "bucket_start", c.BucketStart, "error", err)
			continue
		}
		if !cutoff.IsZero() && !c.BucketStart.Before(cutoff) {
			continue
		}
		out = append(out, c)
	}

	sortCandles(out)
	return out
}
