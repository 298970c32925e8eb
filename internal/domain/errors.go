package domain

import "errors"

var (
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrInvalidMarket     = errors.New("invalid market")

	// ErrMalformedEvent marks a trade that failed normalization. It is dropped.
	ErrMalformedEvent = errors.New("malformed trade event")
	// ErrStaleEvent marks a live trade that maps to a closed bucket.
	ErrStaleEvent = errors.New("stale trade event discarded")
	// ErrFetchFailure wraps any error returned by a range fetch.
	ErrFetchFailure = errors.New("candle fetch failed")

	ErrDuplicateBootstrap = errors.New("series already bootstrapped")
	ErrNotBootstrapped    = errors.New("series not bootstrapped")
	ErrSessionRetired     = errors.New("session retired")
)
