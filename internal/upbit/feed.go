package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	HandshakeTimeout      = 10 * time.Second
	ReadTimeout           = 60 * time.Second
	WriteTimeout          = 10 * time.Second
	PingInterval          = 30 * time.Second
	InitialReconnectDelay = 1 * time.Second
	MaxReconnectDelay     = 30 * time.Second
)

var ErrFeedClosed = errors.New("feed closed")

type FeedConfig struct {
	URL                   string
	HandshakeTimeout      time.Duration
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	PingInterval          time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
}

func DefaultFeedConfig(wsURL string) FeedConfig {
	return FeedConfig{
		URL:                   wsURL,
		HandshakeTimeout:      HandshakeTimeout,
		ReadTimeout:           ReadTimeout,
		WriteTimeout:          WriteTimeout,
		PingInterval:          PingInterval,
		InitialReconnectDelay: InitialReconnectDelay,
		MaxReconnectDelay:     MaxReconnectDelay,
	}
}

type ticketField struct {
	Ticket string `json:"ticket"`
}

type typeField struct {
	Type  string   `json:"type"`
	Codes []string `json:"codes"`
}

// tradeMessage is a realtime trade pushed by the websocket API.
type tradeMessage struct {
	Type           string          `json:"type"`
	Code           string          `json:"code"`
	TradeTimestamp int64           `json:"trade_timestamp"`
	TradePrice     decimal.Decimal `json:"trade_price"`
	TradeVolume    decimal.Decimal `json:"trade_volume"`
	AskBid         string          `json:"ask_bid"`
	SequentialID   int64           `json:"sequential_id"`
}

// Feed streams trades of a single market. It reconnects with exponential
// backoff until Close is called or the caller's context ends.
type Feed struct {
	cfg    FeedConfig
	market string

	mu     sync.Mutex
	conn   *websocket.Conn
	stop   chan struct{}
	closed bool

	delay time.Duration
}

func NewFeed(cfg FeedConfig, market string) *Feed {
	if cfg.InitialReconnectDelay <= 0 {
		cfg.InitialReconnectDelay = InitialReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.InitialReconnectDelay {
		cfg.MaxReconnectDelay = cfg.InitialReconnectDelay
	}
	return &Feed{
		cfg:    cfg,
		market: market,
		delay:  cfg.InitialReconnectDelay,
	}
}

// Next blocks until the next trade of the market arrives.
func (f *Feed) Next(ctx context.Context) (domain.RawTrade, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.RawTrade{}, err
		}

		conn, err := f.connection(ctx)
		if err != nil {
			if errors.Is(err, ErrFeedClosed) {
				return domain.RawTrade{}, err
			}
			slog.WarnContext(ctx, "upbit websocket connect failed", "market", f.market, "error", err, "retry_in", f.delay)
			if err := f.backoff(ctx); err != nil {
				return domain.RawTrade{}, err
			}
			continue
		}

		msg, err := f.read(ctx, conn)
		if err != nil {
			f.drop(conn)
			if ctx.Err() != nil {
				return domain.RawTrade{}, ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.WarnContext(ctx, "upbit websocket read failed", "market", f.market, "error", err)
			} else {
				slog.InfoContext(ctx, "upbit websocket disconnected", "market", f.market, "error", err)
			}
			continue
		}

		raw, ok, err := decodeTrade(msg)
		if err != nil {
			slog.WarnContext(ctx, "undecodable upbit message", "market", f.market, "error", err)
			continue
		}
		if !ok {
			continue
		}
		return raw, nil
	}
}

// Close tears down the current connection and makes Next return ErrFeedClosed.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.conn != nil {
		close(f.stop)
		err := f.conn.Close()
		f.conn = nil
		return err
	}
	return nil
}

func (f *Feed) connection(ctx context.Context) (*websocket.Conn, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	if f.conn != nil {
		conn := f.conn
		f.mu.Unlock()
		return conn, nil
	}
	f.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	conn.SetPingHandler(func(message string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(f.cfg.WriteTimeout))
	})

	if err := f.subscribe(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		conn.Close()
		return nil, ErrFeedClosed
	}
	f.conn = conn
	f.stop = make(chan struct{})
	f.delay = f.cfg.InitialReconnectDelay
	if f.cfg.PingInterval > 0 {
		go f.keepAlive(conn, f.stop)
	}

	slog.InfoContext(ctx, "upbit websocket connected", "market", f.market)
	return conn, nil
}

func (f *Feed) subscribe(conn *websocket.Conn) error {
	frame := []any{
		ticketField{Ticket: uuid.NewString()},
		typeField{Type: "trade", Codes: []string{f.market}},
	}
	if f.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteJSON(frame)
}

func (f *Feed) read(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	// unblock ReadMessage when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if f.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	}
	_, msg, err := conn.ReadMessage()
	return msg, err
}

func (f *Feed) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != conn {
		return
	}
	close(f.stop)
	f.conn.Close()
	f.conn = nil
}

func (f *Feed) backoff(ctx context.Context) error {
	delay := f.delay
	f.delay = min(f.delay*2, f.cfg.MaxReconnectDelay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decodeTrade reports ok=false for frames that are not trades.
func decodeTrade(msg []byte) (domain.RawTrade, bool, error) {
	var m tradeMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return domain.RawTrade{}, false, err
	}
	if m.Type != "trade" {
		return domain.RawTrade{}, false, nil
	}
	return domain.RawTrade{
		Market:    m.Code,
		Timestamp: m.TradeTimestamp,
		Price:     m.TradePrice,
		Volume:    m.TradeVolume,
	}, true, nil
}
