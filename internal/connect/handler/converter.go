package handler

import (
	"context"
	"errors"
	"time"

	"connectrpc.com/connect"
	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/0xc0d3d00d/candlestream/internal/engine"
)

func toAPICandles(cc []domain.Candle) []Candle {
	candles := make([]Candle, 0, len(cc))
	for _, c := range cc {
		candles = append(candles, toAPICandle(c))
	}
	return candles
}

func toAPICandle(c domain.Candle) Candle {
	return Candle{
		BucketStart:      c.BucketStartUTC(),
		BucketStartLocal: c.BucketStartLocal().Format(time.RFC3339),
		Market:           c.Market,
		Resolution:       c.Resolution.String(),
		Open:             c.Open,
		High:             c.High,
		Low:              c.Low,
		Close:            c.Close,
		Volume:           c.Volume,
		Notional:         c.Notional,
	}
}

func toBoundariesResponse(s *engine.Session) *BoundariesResponse {
	b := s.Boundaries()
	resp := &BoundariesResponse{
		Market:     s.Market(),
		Resolution: s.Resolution().String(),
		Generation: s.Generation(),
		Count:      b.Count,
		InFlight:   s.InFlight(),
	}
	if b.Count > 0 {
		resp.Earliest = timePtr(b.Earliest)
		resp.Latest = timePtr(b.Latest)
	}
	return resp
}

func toRequestOlderResponse(r engine.PageResult) *RequestOlderResponse {
	resp := &RequestOlderResponse{
		Skipped:   r.Skipped,
		Exhausted: r.Exhausted,
		Received:  r.Received,
		Added:     r.Added,
	}
	if !r.Earliest.IsZero() {
		resp.Earliest = timePtr(r.Earliest)
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func errorToConnect(err error) error {
	var code connect.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, domain.ErrInvalidResolution),
		errors.Is(err, domain.ErrInvalidMarket),
		errors.Is(err, domain.ErrMalformedEvent):
		code = connect.CodeInvalidArgument
	case errors.Is(err, domain.ErrNotBootstrapped),
		errors.Is(err, domain.ErrDuplicateBootstrap):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, domain.ErrSessionRetired),
		errors.Is(err, domain.ErrStaleEvent):
		code = connect.CodeAborted
	case errors.Is(err, domain.ErrFetchFailure):
		code = connect.CodeUnavailable
	default:
		code = connect.CodeInternal
	}
	return connect.NewError(code, err)
}
