package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/0xc0d3d00d/candlestream/internal/engine"
	"golang.org/x/time/rate"
)

var ErrNoSession = errors.New("no series is open")

type Config struct {
	// OlderPerSecond caps RequestOlder calls that reach the engine.
	OlderPerSecond float64
	// InitialCount is used by SwitchMarket when the request leaves Count unset.
	InitialCount int
}

type handler struct {
	engine       seriesEngine
	older        *rate.Limiter
	initialCount int
}

func NewHandler(engine seriesEngine, cfg Config) *handler {
	limit := rate.Inf
	if cfg.OlderPerSecond > 0 {
		limit = rate.Limit(cfg.OlderPerSecond)
	}
	initialCount := cfg.InitialCount
	if initialCount <= 0 {
		initialCount = 200
	}
	return &handler{
		engine:       engine,
		older:        rate.NewLimiter(limit, 1),
		initialCount: initialCount,
	}
}

func (h *handler) HTTPHandler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append(opts, connect.WithCodec(Codec()))

	mux := http.NewServeMux()
	mux.Handle(GetSnapshotProcedure, connect.NewUnaryHandler(GetSnapshotProcedure, h.GetSnapshot, opts...))
	mux.Handle(GetBoundariesProcedure, connect.NewUnaryHandler(GetBoundariesProcedure, h.GetBoundaries, opts...))
	mux.Handle(RequestOlderProcedure, connect.NewUnaryHandler(RequestOlderProcedure, h.RequestOlder, opts...))
	mux.Handle(SwitchMarketProcedure, connect.NewUnaryHandler(SwitchMarketProcedure, h.SwitchMarket, opts...))
	return "/" + ServiceName + "/", mux
}

func (h *handler) session() (*engine.Session, error) {
	s := h.engine.Current()
	if s == nil {
		return nil, connect.NewError(connect.CodeUnavailable, ErrNoSession)
	}
	return s, nil
}

// GetSnapshot returns the ordered series, optionally limited to a window.
func (h *handler) GetSnapshot(ctx context.Context, req *connect.Request[GetSnapshotRequest]) (*connect.Response[GetSnapshotResponse], error) {
	s, err := h.session()
	if err != nil {
		return nil, err
	}

	var candles []domain.Candle
	if req.Msg.From == nil && req.Msg.To == nil {
		candles = s.Snapshot()
	} else {
		if req.Msg.From != nil && req.Msg.To != nil && req.Msg.To.Before(*req.Msg.From) {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("to is before from"))
		}
		b := s.Boundaries()
		from, to := b.Earliest, b.Latest
		if req.Msg.From != nil {
			from = *req.Msg.From
		}
		if req.Msg.To != nil {
			to = *req.Msg.To
		}
		candles = s.Range(from, to)
	}

	slog.DebugContext(ctx, "get snapshot", "market", s.Market(), "candle_count", len(candles))
	return connect.NewResponse(&GetSnapshotResponse{
		Market:     s.Market(),
		Resolution: s.Resolution().String(),
		Generation: s.Generation(),
		Candles:    toAPICandles(candles),
	}), nil
}

func (h *handler) GetBoundaries(ctx context.Context, req *connect.Request[GetBoundariesRequest]) (*connect.Response[BoundariesResponse], error) {
	s, err := h.session()
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(toBoundariesResponse(s)), nil
}

// RequestOlder asks the current session for one more page of history. Calls
// over the configured rate come back as skipped without touching the engine.
func (h *handler) RequestOlder(ctx context.Context, req *connect.Request[RequestOlderRequest]) (*connect.Response[RequestOlderResponse], error) {
	s, err := h.session()
	if err != nil {
		return nil, err
	}
	if !h.older.Allow() {
		return connect.NewResponse(&RequestOlderResponse{Skipped: true, Throttled: true}), nil
	}

	result, err := s.RequestOlder(ctx)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(toRequestOlderResponse(result)), nil
}

func (h *handler) SwitchMarket(ctx context.Context, req *connect.Request[SwitchMarketRequest]) (*connect.Response[BoundariesResponse], error) {
	count := req.Msg.Count
	if count <= 0 {
		count = h.initialCount
	}

	slog.InfoContext(ctx, "switch market", "market", req.Msg.Market, "unit", req.Msg.Unit, "count", count)
	s, err := h.engine.Open(ctx, req.Msg.Market, req.Msg.Unit, count)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(toBoundariesResponse(s)), nil
}
