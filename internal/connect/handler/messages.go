package handler

import (
	"time"

	"github.com/shopspring/decimal"
)

const ServiceName = "candlestream.v1.SeriesService"

const (
	GetSnapshotProcedure   = "/" + ServiceName + "/GetSnapshot"
	GetBoundariesProcedure = "/" + ServiceName + "/GetBoundaries"
	RequestOlderProcedure  = "/" + ServiceName + "/RequestOlder"
	SwitchMarketProcedure  = "/" + ServiceName + "/SwitchMarket"
)

type Candle struct {
	BucketStart      time.Time       `json:"bucket_start"`
	BucketStartLocal string          `json:"bucket_start_local"`
	Market           string          `json:"market"`
	Resolution       string          `json:"resolution"`
	Open             decimal.Decimal `json:"open"`
	High             decimal.Decimal `json:"high"`
	Low              decimal.Decimal `json:"low"`
	Close            decimal.Decimal `json:"close"`
	Volume           decimal.Decimal `json:"volume"`
	Notional         decimal.Decimal `json:"notional"`
}

// GetSnapshotRequest selects the candles to return. Both bounds are
// inclusive and optional.
type GetSnapshotRequest struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type GetSnapshotResponse struct {
	Market     string   `json:"market"`
	Resolution string   `json:"resolution"`
	Generation uint64   `json:"generation"`
	Candles    []Candle `json:"candles"`
}

type GetBoundariesRequest struct{}

type BoundariesResponse struct {
	Market     string     `json:"market"`
	Resolution string     `json:"resolution"`
	Generation uint64     `json:"generation"`
	Earliest   *time.Time `json:"earliest,omitempty"`
	Latest     *time.Time `json:"latest,omitempty"`
	Count      int        `json:"count"`
	InFlight   bool       `json:"in_flight"`
}

type RequestOlderRequest struct{}

type RequestOlderResponse struct {
	// Skipped is set when a fetch was already outstanding or the caller was throttled.
	Skipped   bool       `json:"skipped"`
	Throttled bool       `json:"throttled,omitempty"`
	Exhausted bool       `json:"exhausted"`
	Received  int        `json:"received"`
	Added     int        `json:"added"`
	Earliest  *time.Time `json:"earliest,omitempty"`
}

// SwitchMarketRequest opens a fresh series. Unit is in minutes; zero Count
// uses the server default.
type SwitchMarketRequest struct {
	Market string `json:"market"`
	Unit   int    `json:"unit"`
	Count  int    `json:"count,omitempty"`
}
