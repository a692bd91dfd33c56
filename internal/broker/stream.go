// stream.go implements the Alpaca market-data WebSocket feed.
//
// The feed authenticates with the API key pair, subscribes to trades and
// quotes for the tracked symbols, and converts incoming messages into
// TICK MarketEvents: trades carry "price", quotes carry "bid"/"ask".
// The connection auto-reconnects with exponential backoff (1s → 30s max)
// and re-subscribes on reconnection. A read deadline detects silent
// server failures.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-pipeline/pkg/types"
)

const (
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 10 * time.Second
	maxReconnectWait   = 30 * time.Second
	eventBufferSize    = 256
)

// MarketStream manages the Alpaca data WebSocket connection: lifecycle,
// subscription, message routing, and reconnection.
type MarketStream struct {
	url       string
	apiKey    string
	secretKey string

	conn   *websocket.Conn
	connMu sync.Mutex

	symbolsMu sync.RWMutex
	symbols   []string

	events chan types.MarketEvent
	logger *slog.Logger
}

// NewMarketStream creates a feed for the given symbols. Call Run to
// connect; consume via Events.
func NewMarketStream(url, apiKey, secretKey string, symbols []string, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		url:       url,
		apiKey:    apiKey,
		secretKey: secretKey,
		symbols:   symbols,
		events:    make(chan types.MarketEvent, eventBufferSize),
		logger:    logger.With("component", "market_stream"),
	}
}

// Events returns the read-only market event channel. Closed when Run
// returns.
func (s *MarketStream) Events() <-chan types.MarketEvent { return s.events }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled, then closes the event channel.
func (s *MarketStream) Run(ctx context.Context) error {
	defer close(s.events)
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("market stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// alpacaStreamMsg is the shape shared by trade and quote messages on the
// Alpaca data stream. T discriminates: "t" trade, "q" quote, plus
// control messages ("success", "error", "subscription").
type alpacaStreamMsg struct {
	T        string  `json:"T"`
	Symbol   string  `json:"S"`
	Price    float64 `json:"p"`
	BidPrice float64 `json:"bp"`
	AskPrice float64 `json:"ap"`
	Msg      string  `json:"msg"`
	Code     int     `json:"code"`
}

func (s *MarketStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.authenticate(); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := s.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("market stream connected", "symbols", s.trackedSymbols())

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *MarketStream) authenticate() error {
	return s.writeJSON(map[string]string{
		"action": "auth",
		"key":    s.apiKey,
		"secret": s.secretKey,
	})
}

func (s *MarketStream) subscribe() error {
	symbols := s.trackedSymbols()
	return s.writeJSON(map[string]any{
		"action": "subscribe",
		"trades": symbols,
		"quotes": symbols,
	})
}

func (s *MarketStream) trackedSymbols() []string {
	s.symbolsMu.RLock()
	defer s.symbolsMu.RUnlock()
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// dispatchMessage routes one stream frame. Alpaca batches messages into
// JSON arrays.
func (s *MarketStream) dispatchMessage(data []byte) {
	var msgs []alpacaStreamMsg
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.logger.Debug("ignoring non-array ws message", "data", string(data))
		return
	}

	for _, m := range msgs {
		switch m.T {
		case "t":
			s.emit(types.MarketEvent{
				Type:      types.MarketTick,
				Symbol:    m.Symbol,
				Timestamp: time.Now().UTC(),
				Payload:   map[string]any{"price": m.Price},
			})

		case "q":
			if m.BidPrice <= 0 || m.AskPrice <= 0 {
				continue
			}
			s.emit(types.MarketEvent{
				Type:      types.MarketTick,
				Symbol:    m.Symbol,
				Timestamp: time.Now().UTC(),
				Payload:   map[string]any{"bid": m.BidPrice, "ask": m.AskPrice},
			})

		case "error":
			s.logger.Error("stream error message", "code", m.Code, "msg", m.Msg)

		case "success", "subscription":
			s.logger.Debug("stream control message", "type", m.T, "msg", m.Msg)

		default:
			s.logger.Debug("unknown stream message type", "type", m.T)
		}
	}
}

func (s *MarketStream) emit(evt types.MarketEvent) {
	select {
	case s.events <- evt:
	default:
		s.logger.Warn("event channel full, dropping tick", "symbol", evt.Symbol)
	}
}

func (s *MarketStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

// StreamMarketData starts a MarketStream for the symbols and returns its
// event channel. The stream runs until ctx is cancelled.
func (a *AlpacaAdapter) StreamMarketData(ctx context.Context, symbols []string) (<-chan types.MarketEvent, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}

	stream := NewMarketStream(a.cfg.DataWSURL, a.cfg.APIKey, a.cfg.SecretKey, symbols, a.logger)
	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("market stream stopped", "error", err)
		}
	}()
	return stream.Events(), nil
}
