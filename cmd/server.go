package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/archive"
	"github.com/0xc0d3d00d/candlestream/internal/connect/handler"
	"github.com/0xc0d3d00d/candlestream/internal/connect/server"
	"github.com/0xc0d3d00d/candlestream/internal/engine"
	"github.com/0xc0d3d00d/candlestream/internal/kafkafeed"
	"github.com/0xc0d3d00d/candlestream/internal/upbit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type config struct {
	ListenAddress string     `env:"ADDR" envDefault:":6969"`
	LogLevel      slog.Level `env:"LOG_LEVEL" envDefault:"DEBUG"`

	Market         string  `env:"MARKET" envDefault:"KRW-BTC"`
	Unit           int     `env:"UNIT" envDefault:"1"`
	InitialCount   int     `env:"INITIAL_COUNT" envDefault:"200"`
	PageSize       int     `env:"PAGE_SIZE" envDefault:"200"`
	OlderPerSecond float64 `env:"OLDER_PER_SECOND" envDefault:"2"`

	// upbit or archive
	HistorySource string `env:"HISTORY_SOURCE" envDefault:"upbit"`
	ArchiveDir    string `env:"ARCHIVE_DIR" envDefault:"./data"`
	// Record writes the open series into the archive on shutdown.
	Record bool `env:"ARCHIVE_RECORD" envDefault:"false"`

	// upbit or kafka
	FeedSource  string  `env:"FEED_SOURCE" envDefault:"upbit"`
	UpbitAPIURL string  `env:"UPBIT_API_URL" envDefault:"https://api.upbit.com/v1"`
	UpbitWSURL  string  `env:"UPBIT_WS_URL" envDefault:"wss://api.upbit.com/websocket/v1"`
	UpbitRPS    float64 `env:"UPBIT_RPS" envDefault:"8"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"trades"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"candlestream"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config{}
	err := loadConfig(&cfg)

	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: time.DateTime,
		}),
	))

	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	var arch *archive.Archive
	if cfg.HistorySource == "archive" || cfg.Record {
		arch, err = archive.NewOs(cfg.ArchiveDir, archive.DefaultChunkCandleCount)
		if err != nil {
			slog.ErrorContext(ctx, "failed to open archive", "error", err)
			os.Exit(1)
		}
	}

	fetcher, err := historySource(cfg, arch)
	if err != nil {
		slog.ErrorContext(ctx, "invalid history source", "error", err)
		os.Exit(1)
	}
	dial, err := feedSource(cfg)
	if err != nil {
		slog.ErrorContext(ctx, "invalid feed source", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng := engine.New(engine.Config{
		Fetcher:  fetcher,
		PageSize: cfg.PageSize,
		Metrics:  engine.NewMetrics(registry),
	})
	defer eng.Close()

	if _, err := eng.Open(ctx, cfg.Market, cfg.Unit, cfg.InitialCount); err != nil {
		slog.ErrorContext(ctx, "failed to open series", "market", cfg.Market, "error", err)
		os.Exit(1)
	}

	h := handler.NewHandler(eng, handler.Config{
		OlderPerSecond: cfg.OlderPerSecond,
		InitialCount:   cfg.InitialCount,
	})
	connectServer, err := server.New(ctx, server.Config{
		Address:  cfg.ListenAddress,
		Registry: registry,
		Ready:    func() bool { return eng.Current() != nil },
	}, h.HTTPHandler)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create server", "error", err)
		os.Exit(1)
	}

	g, gCtx := errgroup.WithContext(ctx)
	// Start Connect server
	g.Go(func() error {
		slog.InfoContext(ctx, "starting server", "listen_address", cfg.ListenAddress)
		if err := runHttpServer(ctx, cfg.ListenAddress, connectServer); err != nil {
			slog.ErrorContext(ctx, "failed to start server", "error", err)
			cancel()
			return err
		}
		return nil
	})

	// Live trades
	g.Go(func() error {
		slog.InfoContext(ctx, "starting feed", "source", cfg.FeedSource)
		return eng.Run(gCtx, dial)
	})

	// Handle graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		slog.Info("shutting down server gracefully")

		if cfg.Record {
			recordSeries(shutdownCtx, eng, arch)
		}
		return connectServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server terminated", "err", err)
	}
}

func historySource(cfg config, arch *archive.Archive) (engine.Fetcher, error) {
	switch cfg.HistorySource {
	case "upbit":
		clientCfg := upbit.DefaultClientConfig(cfg.UpbitAPIURL)
		clientCfg.RequestsPerSecond = cfg.UpbitRPS
		return upbit.NewClient(clientCfg), nil
	case "archive":
		return arch, nil
	default:
		return nil, fmt.Errorf("unknown history source %q", cfg.HistorySource)
	}
}

func feedSource(cfg config) (engine.FeedFactory, error) {
	switch cfg.FeedSource {
	case "upbit":
		feedCfg := upbit.DefaultFeedConfig(cfg.UpbitWSURL)
		return func(market string) engine.Feed {
			return upbit.NewFeed(feedCfg, market)
		}, nil
	case "kafka":
		kafkaCfg := kafkafeed.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}
		return func(market string) engine.Feed {
			return kafkafeed.NewFeed(kafkaCfg, market)
		}, nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", cfg.FeedSource)
	}
}

func recordSeries(ctx context.Context, eng *engine.Engine, arch *archive.Archive) {
	s := eng.Current()
	if s == nil {
		return
	}
	candles := s.Snapshot()
	if err := arch.SaveCandles(ctx, candles); err != nil {
		slog.ErrorContext(ctx, "failed to record series", "market", s.Market(), "error", err)
		return
	}
	slog.InfoContext(ctx, "series recorded", "market", s.Market(), "candle_count", len(candles))
}

func runHttpServer(ctx context.Context, listenAddress string, srv *server.Server) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return err
	}

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func loadConfig(config any) error {
	// Ignore error if .env is missing
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		return err
	}

	// Parse for built-in types
	if err := env.Parse(config); err != nil {
		return err
	}

	return nil
}
