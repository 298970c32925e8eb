package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar keyed by BucketStart.
type Candle struct {
	BucketStart time.Time
	Market      string
	Resolution  Resolution
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	Notional    decimal.Decimal
}

// Key is the identity of a candle inside a series.
func (c *Candle) Key() int64 {
	return c.BucketStart.UnixMilli()
}

func (c *Candle) BucketStartUTC() time.Time {
	return c.BucketStart.UTC()
}

func (c *Candle) BucketStartLocal() time.Time {
	return c.BucketStart.Local()
}

// Validate checks the OHLC invariants and bucket alignment.
func (c *Candle) Validate() error {
	if c.BucketStart.IsZero() {
		return errors.New("candle bucket start is zero")
	}
	if !c.Resolution.Valid() {
		return fmt.Errorf("candle resolution %s: %w", c.Resolution, ErrInvalidResolution)
	}
	if !IsAligned(c.BucketStart, c.Resolution) {
		return fmt.Errorf("candle bucket start %s is not aligned to %s", c.BucketStart.Format(time.RFC3339), c.Resolution)
	}
	if !c.Open.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() || !c.Close.IsPositive() {
		return errors.New("candle prices must be positive")
	}
	if c.High.LessThan(decimal.Max(c.Open, c.Close)) {
		return errors.New("candle high is below open or close")
	}
	if c.Low.GreaterThan(decimal.Min(c.Open, c.Close)) {
		return errors.New("candle low is above open or close")
	}
	if c.Volume.IsNegative() {
		return errors.New("candle volume cannot be negative")
	}
	return nil
}
