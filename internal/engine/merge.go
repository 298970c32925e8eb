package engine

import (
	"fmt"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/shopspring/decimal"
)

// Merge folds a trade into the open candle or opens a new one. open is the
// candle at the series' latest bucket, nil when the series is empty.
//
// A trade that resolves to a bucket older than open is rejected with
// domain.ErrStaleEvent: closed buckets only change through pagination.
func Merge(open *domain.Candle, trade domain.Trade, market string, res domain.Resolution) (domain.Candle, bool, error) {
	target := domain.ResolveBucket(trade.Timestamp, res)
	notional := trade.Price.Mul(trade.Volume)

	if open != nil {
		switch {
		case target.Equal(open.BucketStart):
			updated := *open
			updated.Close = trade.Price
			updated.High = decimal.Max(open.High, trade.Price)
			updated.Low = decimal.Min(open.Low, trade.Price)
			updated.Volume = open.Volume.Add(trade.Volume)
			updated.Notional = open.Notional.Add(notional)
			return updated, false, nil
		case target.Before(open.BucketStart):
			return domain.Candle{}, false, fmt.Errorf("%w: bucket %s is older than open bucket %s",
				domain.ErrStaleEvent, target.Format(time.RFC3339), open.BucketStart.Format(time.RFC3339))
		}
	}

	c := domain.Candle{
		BucketStart: target,
		Market:      market,
		Resolution:  res,
		Open:        trade.Price,
		High:        trade.Price,
		Low:         trade.Price,
		Close:       trade.Price,
		Volume:      trade.Volume,
		Notional:    notional,
	}

	// carry the previous close only across contiguous buckets
	if open != nil && open.BucketStart.Add(time.Duration(res)).Equal(target) {
		c.Open = open.Close
		c.High = decimal.Max(c.High, c.Open)
		c.Low = decimal.Min(c.Low, c.Open)
	}

	return c, true, nil
}
