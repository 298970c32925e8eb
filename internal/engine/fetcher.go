package engine

import (
	"context"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
)

// DefaultPageSize is the number of bars requested per backward fetch.
const DefaultPageSize = 200

// FetchRequest asks for the Count most recent bars whose bucket start is at or
// before Before. A zero Before means "up to now".
type FetchRequest struct {
	Market     string
	Resolution domain.Resolution
	Count      int
	Before     time.Time
}

// Fetcher is the historical range-fetch collaborator. Results may come back
// in any order.
type Fetcher interface {
	FetchCandles(ctx context.Context, req FetchRequest) ([]domain.Candle, error)
}

type FetcherFunc func(ctx context.Context, req FetchRequest) ([]domain.Candle, error)

func (f FetcherFunc) FetchCandles(ctx context.Context, req FetchRequest) ([]domain.Candle, error) {
	return f(ctx, req)
}

// Feed is the live trade collaborator. Next blocks until a trade arrives or
// ctx is done.
type Feed interface {
	Next(ctx context.Context) (domain.RawTrade, error)
	Close() error
}

// FeedFactory opens a feed for one market.
type FeedFactory func(market string) Feed
