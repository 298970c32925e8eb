package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	requests []FetchRequest
	fn       func(ctx context.Context, req FetchRequest) ([]domain.Candle, error)
}

func (f *fakeFetcher) FetchCandles(ctx context.Context, req FetchRequest) ([]domain.Candle, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeFetcher) last() FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// history builds n contiguous one-minute bars ending at end.
func history(market string, end time.Time, n int) []domain.Candle {
	out := make([]domain.Candle, 0, n)
	for i := n - 1; i >= 0; i-- {
		price := decimal.NewFromInt(int64(100 + i))
		out = append(out, domain.Candle{
			BucketStart: end.Add(-time.Duration(i) * time.Minute),
			Market:      market,
			Resolution:  oneMinute,
			Open:        price,
			High:        price.Add(dec("2")),
			Low:         price.Sub(dec("1")),
			Close:       price.Add(dec("1")),
			Volume:      decimal.NewFromInt(int64(i + 1)),
		})
	}
	return out
}

// olderThan serves bars from a fixed archive, the page ending at req.Before.
func olderThan(archive []domain.Candle) func(context.Context, FetchRequest) ([]domain.Candle, error) {
	return func(_ context.Context, req FetchRequest) ([]domain.Candle, error) {
		var out []domain.Candle
		for i := len(archive) - 1; i >= 0 && len(out) < req.Count; i-- {
			c := archive[i]
			if req.Before.IsZero() || !c.BucketStart.After(req.Before) {
				out = append(out, c)
			}
		}
		return out, nil
	}
}

func newTestSession(t *testing.T, fetcher Fetcher, count int) (*Engine, *Session) {
	t.Helper()
	e := New(Config{Fetcher: fetcher, PageSize: 5})
	s, err := e.Open(context.Background(), "KRW-BTC", 1, count)
	require.NoError(t, err)
	return e, s
}

func emptyHistory() *fakeFetcher {
	return &fakeFetcher{fn: func(context.Context, FetchRequest) ([]domain.Candle, error) { return nil, nil }}
}

func TestBootstrapRoundTrip(t *testing.T) {
	bars := history("KRW-BTC", t0, 10)
	shuffled := append([]domain.Candle{}, bars[5:]...)
	shuffled = append(shuffled, bars[:5]...)

	fetcher := &fakeFetcher{fn: func(context.Context, FetchRequest) ([]domain.Candle, error) { return shuffled, nil }}
	_, s := newTestSession(t, fetcher, 10)

	assert.Equal(t, bars, s.Snapshot())
	assert.Equal(t, FetchRequest{Market: "KRW-BTC", Resolution: oneMinute, Count: 10}, fetcher.last())

	b := s.Boundaries()
	assert.Equal(t, bars[0].BucketStart, b.Earliest)
	assert.Equal(t, t0, b.Latest)
	assert.Equal(t, 10, b.Count)
}

func TestBootstrapRejectsSecondCall(t *testing.T) {
	_, s := newTestSession(t, emptyHistory(), 10)

	err := s.Bootstrap(context.Background(), 10)
	assert.ErrorIs(t, err, domain.ErrDuplicateBootstrap)
}

func TestBootstrapDropsInvalidBars(t *testing.T) {
	bars := history("KRW-BTC", t0, 3)
	foreign := history("KRW-ETH", t0.Add(-time.Hour), 1)[0]
	broken := bars[1]
	broken.Low = broken.High.Add(dec("1"))

	fetcher := &fakeFetcher{fn: func(context.Context, FetchRequest) ([]domain.Candle, error) {
		return []domain.Candle{bars[0], broken, bars[2], foreign}, nil
	}}
	_, s := newTestSession(t, fetcher, 3)

	assert.Equal(t, []domain.Candle{bars[0], bars[2]}, s.Snapshot())
}

func TestBootstrapFailureCanBeRetried(t *testing.T) {
	fail := true
	fetcher := &fakeFetcher{fn: func(context.Context, FetchRequest) ([]domain.Candle, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return history("KRW-BTC", t0, 2), nil
	}}

	e := New(Config{Fetcher: fetcher})
	_, err := e.Open(context.Background(), "KRW-BTC", 1, 2)
	require.ErrorIs(t, err, domain.ErrFetchFailure)
	assert.Nil(t, e.Current())

	fail = false
	s, err := e.Open(context.Background(), "KRW-BTC", 1, 2)
	require.NoError(t, err)
	assert.Len(t, s.Snapshot(), 2)
}

func TestTradesBeforeBootstrapAreRejected(t *testing.T) {
	var gen atomic.Uint64
	s := newSession("KRW-BTC", oneMinute, 0, &gen, Config{Fetcher: emptyHistory(), PageSize: 5, Metrics: NewMetrics(nil)})

	_, _, err := s.MergeTrade(context.Background(), trade(0, "100", "1"))
	assert.ErrorIs(t, err, domain.ErrNotBootstrapped)
}

func TestLiveScenario(t *testing.T) {
	_, s := newTestSession(t, emptyHistory(), 10)
	ctx := context.Background()

	raws := []domain.RawTrade{
		{Market: "KRW-BTC", Timestamp: t0.UnixMilli(), Price: dec("100"), Volume: dec("1")},
		{Market: "KRW-BTC", Timestamp: t0.Add(30 * time.Second).UnixMilli(), Price: dec("105"), Volume: dec("2")},
		{Market: "KRW-BTC", Timestamp: t0.Add(70 * time.Second).UnixMilli(), Price: dec("98"), Volume: dec("1")},
	}
	for _, raw := range raws {
		_, _, err := s.ApplyTrade(ctx, raw)
		require.NoError(t, err)
	}

	got := s.Snapshot()
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, t0, first.BucketStart)
	assert.True(t, first.Open.Equal(dec("100")))
	assert.True(t, first.High.Equal(dec("105")))
	assert.True(t, first.Low.Equal(dec("100")))
	assert.True(t, first.Close.Equal(dec("105")))
	assert.True(t, first.Volume.Equal(dec("3")))

	second := got[1]
	assert.Equal(t, t0.Add(time.Minute), second.BucketStart)
	assert.True(t, second.Open.Equal(dec("105")))
	assert.True(t, second.High.Equal(dec("105")))
	assert.True(t, second.Low.Equal(dec("98")))
	assert.True(t, second.Close.Equal(dec("98")))
	assert.True(t, second.Volume.Equal(dec("1")))
}

func TestAdjacentTradesOnEmptySeries(t *testing.T) {
	_, s := newTestSession(t, emptyHistory(), 10)
	ctx := context.Background()

	_, isNew, err := s.MergeTrade(ctx, trade(0, "100", "1"))
	require.NoError(t, err)
	assert.True(t, isNew)
	_, isNew, err = s.MergeTrade(ctx, trade(time.Minute, "101", "1"))
	require.NoError(t, err)
	assert.True(t, isNew)

	got := s.Snapshot()
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].BucketStart, got[1].BucketStart)
	assert.True(t, got[1].Open.Equal(got[0].Close))
}

func TestLiveTradeContinuesBootstrappedSeries(t *testing.T) {
	bars := history("KRW-BTC", t0, 3)
	fetcher := &fakeFetcher{fn: func(context.Context, FetchRequest) ([]domain.Candle, error) { return bars, nil }}
	_, s := newTestSession(t, fetcher, 3)

	c, isNew, err := s.MergeTrade(context.Background(), trade(time.Minute+time.Second, "50", "1"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.True(t, c.Open.Equal(bars[2].Close))
}

func TestLateTradeInsideOpenBucket(t *testing.T) {
	_, s := newTestSession(t, emptyHistory(), 10)
	ctx := context.Background()

	_, _, err := s.MergeTrade(ctx, trade(time.Minute+40*time.Second, "100", "1"))
	require.NoError(t, err)
	before := s.Boundaries()

	c, isNew, err := s.MergeTrade(ctx, trade(time.Minute+5*time.Second, "120", "1"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.True(t, c.High.Equal(dec("120")))

	after := s.Boundaries()
	assert.Equal(t, before, after)
}

func TestStaleTradeIsDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := New(Config{Fetcher: emptyHistory(), Metrics: NewMetrics(reg)})
	s, err := e.Open(context.Background(), "KRW-BTC", 1, 1)
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.MergeTrade(ctx, trade(5*time.Minute, "100", "1"))
	require.NoError(t, err)
	snapshot := s.Snapshot()

	_, _, err = s.MergeTrade(ctx, trade(2*time.Minute, "1", "100"))
	assert.ErrorIs(t, err, domain.ErrStaleEvent)
	assert.Equal(t, snapshot, s.Snapshot())
	assert.Equal(t, float64(1), testutil.ToFloat64(e.cfg.Metrics.Dropped.WithLabelValues(dropStale)))
}

func TestMalformedTradeIsDropped(t *testing.T) {
	_, s := newTestSession(t, emptyHistory(), 10)

	_, _, err := s.ApplyTrade(context.Background(), domain.RawTrade{Market: "KRW-BTC", Timestamp: t0.UnixMilli()})
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
	assert.Empty(t, s.Snapshot())
}

func TestRequestOlderPrependsPage(t *testing.T) {
	archive := history("KRW-BTC", t0, 20)
	fetcher := &fakeFetcher{fn: olderThan(archive)}
	_, s := newTestSession(t, fetcher, 5)

	earliest, _ := s.Earliest()
	require.Equal(t, t0.Add(-4*time.Minute), earliest)

	res, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, earliest.Add(-time.Minute), fetcher.last().Before)
	assert.Equal(t, 5, fetcher.last().Count)
	assert.Equal(t, 5, res.Added)
	assert.Equal(t, t0.Add(-9*time.Minute), res.Earliest)
	assert.False(t, s.InFlight())

	assert.Equal(t, archive[10:], s.Snapshot())
}

func TestRequestOlderKeepsLiveCandleOnCollision(t *testing.T) {
	_, s := newTestSession(t, emptyHistory(), 1)
	ctx := context.Background()

	live, _, err := s.MergeTrade(ctx, trade(0, "100", "7"))
	require.NoError(t, err)

	// a misbehaving source that ignores the cursor and repeats the boundary
	overlapping := history("KRW-BTC", t0, 3)
	s.fetcher = FetcherFunc(func(context.Context, FetchRequest) ([]domain.Candle, error) { return overlapping, nil })

	res, err := s.RequestOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)

	got, _ := s.store.Get(t0)
	assert.Equal(t, live, got)
}

func TestRequestOlderIsIdempotentOnRepeatedPage(t *testing.T) {
	page := history("KRW-BTC", t0.Add(-time.Minute), 4)
	_, s := newTestSession(t, emptyHistory(), 1)
	ctx := context.Background()
	_, _, err := s.MergeTrade(ctx, trade(0, "100", "1"))
	require.NoError(t, err)

	s.fetcher = FetcherFunc(func(context.Context, FetchRequest) ([]domain.Candle, error) { return page, nil })

	_, err = s.RequestOlder(ctx)
	require.NoError(t, err)
	once := s.Snapshot()

	// the second page is filtered by the moved cursor and by key collision
	res, err := s.RequestOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.True(t, res.Exhausted)
	assert.Equal(t, once, s.Snapshot())
}

func TestRequestOlderSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	archive := history("KRW-BTC", t0, 20)

	fetcher := &fakeFetcher{}
	fetcher.fn = func(ctx context.Context, req FetchRequest) ([]domain.Candle, error) {
		if req.Before.IsZero() {
			return olderThan(archive)(ctx, req)
		}
		close(started)
		<-release
		return olderThan(archive)(ctx, req)
	}
	_, s := newTestSession(t, fetcher, 5)

	var wg sync.WaitGroup
	var first PageResult
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = s.RequestOlder(context.Background())
	}()

	<-started
	assert.True(t, s.InFlight())
	for range 5 {
		res, err := s.RequestOlder(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Skipped)
	}

	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, 5, first.Added)
	assert.Equal(t, 2, fetcher.calls(), "one bootstrap fetch and one page fetch")
	assert.False(t, s.InFlight())
}

func TestMergeTradeInterleavedWithRequestOlder(t *testing.T) {
	archive := history("KRW-BTC", t0, 400)
	_, s := newTestSession(t, &fakeFetcher{fn: olderThan(archive)}, 5)
	ctx := context.Background()

	const trades = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range trades {
			_, _, err := s.MergeTrade(ctx, trade(time.Duration(i)*15*time.Second, "100", "1"))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			_, err := s.RequestOlder(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	got := s.Snapshot()
	require.Len(t, got, 400+49)
	assert.Equal(t, archive[0].BucketStart, got[0].BucketStart)
	assert.Equal(t, t0.Add(49*time.Minute), got[len(got)-1].BucketStart)
	for i, c := range got {
		require.NoError(t, c.Validate(), c.BucketStart)
		if i > 0 {
			require.True(t, got[i-1].BucketStart.Before(c.BucketStart), c.BucketStart)
		}
	}
	assert.True(t, got[len(got)-1].Volume.Equal(dec("4")))
	assert.False(t, s.InFlight())
}

func TestRequestOlderFailureLeavesStoreUntouched(t *testing.T) {
	archive := history("KRW-BTC", t0, 10)
	fetcher := &fakeFetcher{}
	fetcher.fn = func(ctx context.Context, req FetchRequest) ([]domain.Candle, error) {
		if req.Before.IsZero() {
			return olderThan(archive)(ctx, req)
		}
		return nil, errors.New("upstream 502")
	}
	_, s := newTestSession(t, fetcher, 3)
	before := s.Snapshot()

	_, err := s.RequestOlder(context.Background())
	assert.ErrorIs(t, err, domain.ErrFetchFailure)
	assert.Equal(t, before, s.Snapshot())
	assert.False(t, s.InFlight())

	// the guard was cleared, so a retry reaches the fetcher again
	_, err = s.RequestOlder(context.Background())
	assert.ErrorIs(t, err, domain.ErrFetchFailure)
	assert.Equal(t, 3, fetcher.calls())
}

func TestRequestOlderDiscardedAfterMarketSwitch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	fetcher := &fakeFetcher{}
	fetcher.fn = func(ctx context.Context, req FetchRequest) ([]domain.Candle, error) {
		if req.Before.IsZero() {
			return history(req.Market, t0, 3), nil
		}
		close(started)
		<-release // ignores ctx on purpose
		return history(req.Market, req.Before, 5), nil
	}

	e := New(Config{Fetcher: fetcher, PageSize: 5})
	old, err := e.Open(context.Background(), "KRW-BTC", 1, 3)
	require.NoError(t, err)
	before := old.Snapshot()

	done := make(chan error, 1)
	go func() {
		_, err := old.RequestOlder(context.Background())
		done <- err
	}()
	<-started

	next, err := e.Open(context.Background(), "KRW-ETH", 1, 3)
	require.NoError(t, err)
	close(release)

	assert.ErrorIs(t, <-done, domain.ErrSessionRetired)
	assert.Equal(t, before, old.Snapshot())
	assert.False(t, old.InFlight())
	assert.Same(t, next, e.Current())
	assert.Len(t, next.Snapshot(), 3)

	_, _, err = old.MergeTrade(context.Background(), trade(time.Minute, "1", "1"))
	assert.ErrorIs(t, err, domain.ErrSessionRetired)
}

func TestPageMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	archive := history("KRW-BTC", t0, 7)
	e := New(Config{Fetcher: &fakeFetcher{fn: olderThan(archive)}, PageSize: 5, Metrics: NewMetrics(reg)})
	s, err := e.Open(context.Background(), "KRW-BTC", 1, 5)
	require.NoError(t, err)

	_, err = s.RequestOlder(context.Background())
	require.NoError(t, err)
	res, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Exhausted)

	m := e.cfg.Metrics
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Pages.WithLabelValues(pageOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Pages.WithLabelValues(pageEmpty)))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.Candles.WithLabelValues("KRW-BTC")))
}
