// Package archive keeps candles in fixed-slot chunk files so a recorded
// series can be replayed as history.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/0xc0d3d00d/candlestream/internal/engine"
	"github.com/spf13/afero"
)

// DefaultChunkCandleCount puts one day of 1-minute candles in a file.
const DefaultChunkCandleCount = 1440

type timeRange struct {
	from time.Time
	to   time.Time
}

type seriesKey struct {
	market     string
	resolution domain.Resolution
}

func (k seriesKey) dirName() string {
	return fmt.Sprintf("%s_%s", k.market, k.resolution)
}

type candleFileKey struct {
	seriesKey seriesKey
	timeRange timeRange
}

type Archive struct {
	fs               afero.Fs
	dataDir          string
	chunkCandleCount int

	mu sync.RWMutex
	// sorted by from
	seriesTimeRanges map[seriesKey][]timeRange
}

// data
//   - market_resolution
//     - fromMillis_toMillis.bin

func NewOs(rootDir string, chunkCandleCount int) (*Archive, error) {
	return New(afero.NewOsFs(), rootDir, chunkCandleCount)
}

func New(fs afero.Fs, rootDir string, chunkCandleCount int) (*Archive, error) {
	if chunkCandleCount <= 0 {
		chunkCandleCount = DefaultChunkCandleCount
	}

	dataDir := path.Join(rootDir, "data")
	if err := fs.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	seriesDirs, err := afero.ReadDir(fs, dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	timeRanges := make(map[seriesKey][]timeRange)
	for _, seriesDir := range seriesDirs {
		if !seriesDir.IsDir() {
			continue
		}
		key, err := parseSeriesDir(seriesDir.Name())
		if err != nil {
			slog.Warn("skipping archive directory", "name", seriesDir.Name(), "error", err)
			continue
		}

		files, err := afero.ReadDir(fs, path.Join(dataDir, seriesDir.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read series directory: %w", err)
		}
		for _, file := range files {
			tr, err := parseChunkName(file.Name())
			if err != nil {
				slog.Warn("skipping archive file", "series", seriesDir.Name(), "name", file.Name(), "error", err)
				continue
			}
			timeRanges[key] = append(timeRanges[key], tr)
		}
	}

	for _, ranges := range timeRanges {
		sortRanges(ranges)
	}

	return &Archive{
		fs:               fs,
		dataDir:          dataDir,
		chunkCandleCount: chunkCandleCount,
		seriesTimeRanges: timeRanges,
	}, nil
}

func parseSeriesDir(name string) (seriesKey, error) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 {
		return seriesKey{}, fmt.Errorf("invalid series directory: %s", name)
	}
	resolution, err := domain.ParseResolution(name[idx+1:])
	if err != nil {
		return seriesKey{}, fmt.Errorf("failed to parse resolution: %w", err)
	}
	key := seriesKey{market: name[:idx], resolution: resolution}
	if err := domain.ValidateMarket(key.market); err != nil {
		return seriesKey{}, err
	}
	return key, nil
}

func parseChunkName(name string) (timeRange, error) {
	rangeParts := strings.Split(strings.TrimSuffix(name, path.Ext(name)), "_")
	if len(rangeParts) != 2 {
		return timeRange{}, fmt.Errorf("invalid candle file name: %s", name)
	}
	from, err := strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return timeRange{}, fmt.Errorf("failed to parse from timestamp: %w", err)
	}
	to, err := strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return timeRange{}, fmt.Errorf("failed to parse to timestamp: %w", err)
	}
	return timeRange{from: time.UnixMilli(from).UTC(), to: time.UnixMilli(to).UTC()}, nil
}

// FetchCandles serves the newest req.Count stored candles at or before
// req.Before, newest first. It implements engine.Fetcher.
func (a *Archive) FetchCandles(ctx context.Context, req engine.FetchRequest) ([]domain.Candle, error) {
	before := req.Before
	if before.IsZero() {
		before = time.Now()
	}
	slog.DebugContext(ctx, "fetch archived candles", "market", req.Market, "resolution", req.Resolution, "before", before, "count", req.Count)

	key := seriesKey{market: req.Market, resolution: req.Resolution}
	if _, err := a.seriesDir(key); err != nil {
		return nil, err
	}
	ranges := a.ranges(key)

	candles := make([]domain.Candle, 0, req.Count)
	for i := len(ranges) - 1; i >= 0 && len(candles) < req.Count; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr := ranges[i]
		if tr.from.After(before) {
			continue
		}
		chunk, err := a.readChunk(candleFileKey{seriesKey: key, timeRange: tr}, tr.from, before)
		if err != nil {
			return nil, err
		}
		for j := len(chunk) - 1; j >= 0 && len(candles) < req.Count; j-- {
			candles = append(candles, chunk[j])
		}
	}

	return candles, nil
}

// SaveCandles upserts candles into their slots, allocating chunk files as
// needed. A candle whose values do not fit a slot is skipped and logged.
func (a *Archive) SaveCandles(ctx context.Context, candles []domain.Candle) error {
	slog.DebugContext(ctx, "save candles", "count", len(candles))

	slotsByFile := make(map[candleFileKey][]slot)
	for _, candle := range candles {
		if err := candle.Validate(); err != nil {
			return fmt.Errorf("save candle %s: %w", candle.BucketStart, err)
		}
		key := candleFileKey{
			seriesKey: seriesKey{market: candle.Market, resolution: candle.Resolution},
			timeRange: a.calcTimeRangeForTimestamp(candle.Resolution, candle.BucketStart),
		}
		if _, err := a.seriesDir(key.seriesKey); err != nil {
			return fmt.Errorf("save candle %s: %w", candle.BucketStart, err)
		}

		encoded, err := encodeCandle(candle)
		if err != nil {
			slog.WarnContext(ctx, "skipping candle", "market", candle.Market, "bucket_start", candle.BucketStart, "error", err)
			continue
		}
		slotsByFile[key] = append(slotsByFile[key], slot{bucketStart: candle.BucketStart, data: encoded})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, slots := range slotsByFile {
		if err := a.saveSlotsByFile(ctx, key, slots); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) ranges(key seriesKey) []timeRange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]timeRange(nil), a.seriesTimeRanges[key]...)
}

// seriesDir resolves the directory of a series and refuses one that would
// land outside the data directory.
func (a *Archive) seriesDir(key seriesKey) (string, error) {
	if err := domain.ValidateMarket(key.market); err != nil {
		return "", err
	}
	dir := path.Join(a.dataDir, key.dirName())
	if path.Dir(dir) != a.dataDir {
		return "", fmt.Errorf("%w: series directory %q escapes the archive", domain.ErrInvalidMarket, dir)
	}
	return dir, nil
}

func (a *Archive) chunkPath(key candleFileKey) string {
	return path.Join(
		a.dataDir,
		key.seriesKey.dirName(),
		fmt.Sprintf("%d_%d.bin", key.timeRange.from.UnixMilli(), key.timeRange.to.UnixMilli()),
	)
}

func (a *Archive) readChunk(key candleFileKey, from time.Time, to time.Time) ([]domain.Candle, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, err := afero.ReadFile(a.fs, a.chunkPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read candle file: %w", err)
	}

	candles := make([]domain.Candle, 0, len(data)/candleByteSize)
	for offset := 0; offset+candleByteSize <= len(data); offset += candleByteSize {
		var candle domain.Candle
		err := decodeCandle(data[offset:offset+candleByteSize], &candle)
		if errors.Is(err, ErrCandleNotWritten) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if candle.BucketStart.Before(from) || candle.BucketStart.After(to) {
			continue
		}

		candle.Market = key.seriesKey.market
		candle.Resolution = key.seriesKey.resolution
		candles = append(candles, candle)
	}
	return candles, nil
}

// slot is an encoded candle waiting to be written.
type slot struct {
	bucketStart time.Time
	data        []byte
}

// saveSlotsByFile must be called with a.mu held.
func (a *Archive) saveSlotsByFile(ctx context.Context, key candleFileKey, slots []slot) error {
	if err := a.allocateCandleFile(ctx, key); err != nil {
		return err
	}

	file, err := a.fs.OpenFile(a.chunkPath(key), os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open candle file: %w", err)
	}
	defer file.Close()

	resolution := time.Duration(key.seriesKey.resolution)
	for _, sl := range slots {
		offset := int64(sl.bucketStart.Sub(key.timeRange.from)/resolution) * candleByteSize

		written, err := file.WriteAt(sl.data, offset)
		if written != candleByteSize && err == nil {
			err = io.ErrShortWrite
		}
		if err != nil {
			return fmt.Errorf("failed to write candle: %w", err)
		}
	}
	return nil
}

// allocateCandleFile creates a zeroed chunk file unless it already exists.
// It must be called with a.mu held.
func (a *Archive) allocateCandleFile(ctx context.Context, key candleFileKey) error {
	for _, tr := range a.seriesTimeRanges[key.seriesKey] {
		if tr.from.Equal(key.timeRange.from) && tr.to.Equal(key.timeRange.to) {
			return nil
		}
	}
	slog.DebugContext(ctx, "allocate candle file", "series", key.seriesKey.dirName(), "from", key.timeRange.from, "to", key.timeRange.to)

	if err := a.fs.MkdirAll(path.Join(a.dataDir, key.seriesKey.dirName()), 0755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}

	file, err := a.fs.Create(a.chunkPath(key))
	if err != nil {
		return fmt.Errorf("failed to create candle file: %w", err)
	}
	defer file.Close()

	zeros := make([]byte, a.chunkCandleCount*candleByteSize)
	n, err := file.Write(zeros)
	if n != len(zeros) && err == nil {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("failed to write zeros to the candle file: %w", err)
	}

	ranges := append(a.seriesTimeRanges[key.seriesKey], key.timeRange)
	sortRanges(ranges)
	a.seriesTimeRanges[key.seriesKey] = ranges
	return nil
}

func (a *Archive) calcTimeRangeForTimestamp(resolution domain.Resolution, timestamp time.Time) timeRange {
	chunkSize := time.Duration(resolution) * time.Duration(a.chunkCandleCount)
	from := domain.ResolveBucket(timestamp, domain.Resolution(chunkSize))
	return timeRange{from: from, to: from.Add(chunkSize)}
}

func sortRanges(ranges []timeRange) {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].from.Before(ranges[j].from)
	})
}
