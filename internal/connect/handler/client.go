package handler

import (
	"context"

	"github.com/0xc0d3d00d/candlestream/internal/engine"
)

// Interface requirements for the series engine
type seriesEngine interface {
	Current() *engine.Session
	Open(ctx context.Context, market string, unit int, count int) (*engine.Session, error)
}
