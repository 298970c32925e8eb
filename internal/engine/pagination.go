package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
)

// PageResult describes one RequestOlder call.
type PageResult struct {
	// Skipped is set when another backward fetch was already outstanding.
	Skipped bool
	// Exhausted is set when the source had no bars older than the cursor.
	Exhausted bool
	Cursor    time.Time
	Received  int
	Added     int
	Earliest  time.Time
}

// RequestOlder fetches one page of bars ending one unit before the earliest
// loaded bucket and prepends them. At most one call per session fetches at a
// time; concurrent calls return immediately with Skipped set. On failure the
// store is left untouched and the error wraps domain.ErrFetchFailure.
func (s *Session) RequestOlder(ctx context.Context) (PageResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.Pages.WithLabelValues(pageSkipped).Inc()
		return PageResult{Skipped: true}, nil
	}
	defer s.inFlight.Store(false)

	if s.retired() {
		return PageResult{}, domain.ErrSessionRetired
	}

	s.mu.RLock()
	state := s.state
	earliest, ok := s.store.Earliest()
	s.mu.RUnlock()

	if state != bootstrapped {
		return PageResult{}, domain.ErrNotBootstrapped
	}

	req := FetchRequest{
		Market:     s.market,
		Resolution: s.resolution,
		Count:      s.pageSize,
	}
	if ok {
		req.Before = earliest.Add(-time.Duration(s.resolution))
	}

	slog.DebugContext(ctx, "request older candles", "market", s.market, "resolution", s.resolution, "before", req.Before, "count", req.Count)
	batch, err := s.fetch(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrSessionRetired) {
			s.metrics.Pages.WithLabelValues(pageDiscarded).Inc()
		} else {
			s.metrics.Pages.WithLabelValues(pageError).Inc()
		}
		return PageResult{Cursor: req.Before}, err
	}
	if s.retired() {
		s.metrics.Pages.WithLabelValues(pageDiscarded).Inc()
		slog.DebugContext(ctx, "discarding page for retired session", "market", s.market, "generation", s.generation)
		return PageResult{Cursor: req.Before}, domain.ErrSessionRetired
	}

	cutoff := time.Time{}
	if ok {
		cutoff = earliest
	}
	accepted := s.accept(ctx, batch, cutoff)

	s.mu.Lock()
	added := s.store.PrependBatch(accepted)
	newEarliest, _ := s.store.Earliest()
	n := s.store.Len()
	s.mu.Unlock()

	result := PageResult{
		Exhausted: len(accepted) == 0,
		Cursor:    req.Before,
		Received:  len(batch),
		Added:     added,
		Earliest:  newEarliest,
	}
	if result.Exhausted {
		s.metrics.Pages.WithLabelValues(pageEmpty).Inc()
	} else {
		s.metrics.Pages.WithLabelValues(pageOK).Inc()
	}
	s.metrics.Candles.WithLabelValues(s.market).Set(float64(n))

	slog.DebugContext(ctx, "older candles merged", "market", s.market, "received", result.Received, "added", added, "earliest", newEarliest)
	return result, nil
}

// InFlight reports whether a backward fetch is outstanding.
func (s *Session) InFlight() bool {
	return s.inFlight.Load()
}

func sortCandles(cc []domain.Candle) {
	sort.Slice(cc, func(i, j int) bool {
		return cc[i].BucketStart.Before(cc[j].BucketStart)
	})
}
