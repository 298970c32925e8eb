// Package series holds the in-memory candle series of one session.
package series

import (
	"slices"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
)

// Store is an ordered map of bucket start to candle. It is not safe for
// concurrent use; the owning session serializes access.
type Store struct {
	keys    []int64 // ascending bucket starts, unix millis
	candles map[int64]domain.Candle

	earliest time.Time
	latest   time.Time
}

func NewStore() *Store {
	return &Store{
		candles: make(map[int64]domain.Candle),
	}
}

// InsertOrUpdate stores c under its bucket start, replacing any candle that
// already has that key.
func (s *Store) InsertOrUpdate(c domain.Candle) {
	key := c.Key()
	if _, ok := s.candles[key]; !ok {
		s.insertKey(key)
	}
	s.candles[key] = c
	s.recompute()
}

// PrependBatch merges older candles. A candle whose key is already present is
// skipped so observed data is never overwritten. Returns how many were added.
func (s *Store) PrependBatch(batch []domain.Candle) int {
	added := 0
	for _, c := range batch {
		key := c.Key()
		if _, ok := s.candles[key]; ok {
			continue
		}
		s.insertKey(key)
		s.candles[key] = c
		added++
	}
	if added > 0 {
		s.recompute()
	}
	return added
}

func (s *Store) Get(bucketStart time.Time) (domain.Candle, bool) {
	c, ok := s.candles[bucketStart.UnixMilli()]
	return c, ok
}

// Snapshot returns a copy of the series in ascending bucket order.
func (s *Store) Snapshot() []domain.Candle {
	out := make([]domain.Candle, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, s.candles[key])
	}
	return out
}

// Range returns the candles with from <= bucket start <= to, ascending.
func (s *Store) Range(from, to time.Time) []domain.Candle {
	lo, _ := slices.BinarySearch(s.keys, from.UnixMilli())
	out := []domain.Candle{}
	for _, key := range s.keys[lo:] {
		if key > to.UnixMilli() {
			break
		}
		out = append(out, s.candles[key])
	}
	return out
}

// Earliest returns the oldest bucket start. ok is false when the store is empty.
func (s *Store) Earliest() (time.Time, bool) {
	return s.earliest, len(s.keys) > 0
}

// Latest returns the newest (open) bucket start. ok is false when the store is empty.
func (s *Store) Latest() (time.Time, bool) {
	return s.latest, len(s.keys) > 0
}

func (s *Store) Len() int {
	return len(s.keys)
}

func (s *Store) insertKey(key int64) {
	// live appends are the hot path
	if n := len(s.keys); n == 0 || s.keys[n-1] < key {
		s.keys = append(s.keys, key)
		return
	}
	idx, _ := slices.BinarySearch(s.keys, key)
	s.keys = slices.Insert(s.keys, idx, key)
}

func (s *Store) recompute() {
	if len(s.keys) == 0 {
		s.earliest, s.latest = time.Time{}, time.Time{}
		return
	}
	s.earliest = time.UnixMilli(s.keys[0]).UTC()
	s.latest = time.UnixMilli(s.keys[len(s.keys)-1]).UTC()
}
