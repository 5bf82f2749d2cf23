package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	reconnectDelay = 5 * time.Second
)

// miniTickerEvent is the payload of the <symbol>@miniTicker stream.
type miniTickerEvent struct {
	Event  string `json:"e"`
	Time   int64  `json:"E"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
	Volume string `json:"v"`
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// PriceStream keeps the latest mini-ticker price per symbol from a combined websocket stream.
type PriceStream struct {
	baseURL string
	symbols []string
	logger  *zap.Logger

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewPriceStream creates a stream for the given symbols. baseURL is the websocket host,
// e.g. wss://stream.binance.com:9443.
func NewPriceStream(baseURL string, symbols []string, logger *zap.Logger) *PriceStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: append([]string(nil), symbols...),
		logger:  logger,
		quotes:  make(map[string]Quote),
	}
}

// URL returns the combined stream URL.
func (s *PriceStream) URL() string {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@miniTicker"
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/"))
}

// Latest returns the cached quote for symbol when it is younger than maxAge.
func (s *PriceStream) Latest(symbol string, maxAge time.Duration) (Quote, bool) {
	s.mu.RLock()
	q, ok := s.quotes[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if !ok || (maxAge > 0 && time.Since(q.Timestamp) > maxAge) {
		return Quote{}, false
	}
	return q, true
}

// Run keeps the connection alive, reconnecting after failures, until ctx is done.
func (s *PriceStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL(), nil)
		if err != nil {
			s.logger.Warn("Price stream connect failed, retrying", zap.Error(err), zap.Duration("delay", reconnectDelay))
		} else {
			s.logger.Info("Price stream connected", zap.Int("symbols", len(s.symbols)))
			if err := s.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn("Price stream disconnected", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *PriceStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		if err := s.apply(message); err != nil {
			s.logger.Debug("Skipping price stream message", zap.Error(err))
		}
	}
}

// apply parses one combined or raw mini-ticker message into the cache.
func (s *PriceStream) apply(message []byte) error {
	payload := message
	var combined combinedMessage
	if err := json.Unmarshal(message, &combined); err == nil && len(combined.Data) > 0 {
		payload = combined.Data
	}

	var ev miniTickerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode mini ticker: %w", err)
	}
	if ev.Symbol == "" {
		return fmt.Errorf("mini ticker without symbol")
	}
	price, err := strconv.ParseFloat(ev.Close, 64)
	if err != nil || price <= 0 {
		return fmt.Errorf("invalid price %q for %s", ev.Close, ev.Symbol)
	}
	volume, _ := strconv.ParseFloat(ev.Volume, 64)

	ts := time.Now()
	s.mu.Lock()
	s.quotes[strings.ToUpper(ev.Symbol)] = Quote{
		Symbol:    ev.Symbol,
		Price:     price,
		Bid:       price,
		Ask:       price,
		Volume:    volume,
		Timestamp: ts,
	}
	s.mu.Unlock()
	return nil
}
