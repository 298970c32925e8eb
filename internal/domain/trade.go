package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawTrade is a trade as delivered by a feed, before normalization.
type RawTrade struct {
	Market    string
	Timestamp int64 // unix milliseconds
	Price     decimal.Decimal
	Volume    decimal.Decimal
}

// Trade is a validated trade event. It is never stored beyond the merge step.
type Trade struct {
	Timestamp time.Time
	Price     decimal.Decimal
	Volume    decimal.Decimal
}

// NormalizeTrade validates a raw trade. market is the session market; a raw
// trade with an empty market is accepted for it.
func NormalizeTrade(raw RawTrade, market string) (Trade, error) {
	if raw.Market != "" && raw.Market != market {
		return Trade{}, fmt.Errorf("%w: market %q, want %q", ErrMalformedEvent, raw.Market, market)
	}
	if raw.Timestamp <= 0 {
		return Trade{}, fmt.Errorf("%w: timestamp %d", ErrMalformedEvent, raw.Timestamp)
	}
	if !raw.Price.IsPositive() {
		return Trade{}, fmt.Errorf("%w: price %s", ErrMalformedEvent, raw.Price)
	}
	if raw.Volume.IsNegative() {
		return Trade{}, fmt.Errorf("%w: volume %s", ErrMalformedEvent, raw.Volume)
	}

	return Trade{
		Timestamp: time.UnixMilli(raw.Timestamp).UTC(),
		Price:     raw.Price,
		Volume:    raw.Volume,
	}, nil
}
