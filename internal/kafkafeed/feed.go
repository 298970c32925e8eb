// Package kafkafeed reads trades for one market from a Kafka topic.
//
// Message value format:
//
//	{"market":"KRW-BTC","timestamp":1709287200000,"price":"100.5","volume":"0.25"}
//
// Producers that key messages by market let the feed skip foreign trades
// without decoding them.
package kafkafeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type tradeMessage struct {
	Market    string          `json:"market"`
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Feed implements engine.Feed on a consumer group reader.
type Feed struct {
	reader messageReader
	market string
}

func NewFeed(cfg Config, market string) *Feed {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	return &Feed{reader: reader, market: market}
}

func (f *Feed) Next(ctx context.Context) (domain.RawTrade, error) {
	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			return domain.RawTrade{}, err
		}
		if len(msg.Key) > 0 && string(msg.Key) != f.market {
			continue
		}

		raw, err := decodeTrade(msg.Value)
		if err != nil {
			slog.WarnContext(ctx, "undecodable trade message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		// an unset market is left to normalization
		if raw.Market != "" && raw.Market != f.market {
			continue
		}
		return raw, nil
	}
}

func (f *Feed) Close() error {
	return f.reader.Close()
}

func decodeTrade(value []byte) (domain.RawTrade, error) {
	var m tradeMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return domain.RawTrade{}, fmt.Errorf("decode trade: %w", err)
	}
	return domain.RawTrade{
		Market:    m.Market,
		Timestamp: m.Timestamp,
		Price:     m.Price,
		Volume:    m.Volume,
	}, nil
}
