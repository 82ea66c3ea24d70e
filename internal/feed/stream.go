package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ptdat-quant/confluence-bot/internal/logger"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// PublicLinearURL is the Bybit v5 public stream for USDT perpetuals.
const PublicLinearURL = "wss://stream.bybit.com/v5/public/linear"

const (
	pingInterval     = 20 * time.Second
	reconnectBackoff = 5 * time.Second
	readTimeout      = 60 * time.Second
)

// Stream subscribes to ticker topics and feeds a Cache. It owns its
// connection lifecycle: dial, subscribe, ping, and reconnect with
// resubscription until the context ends.
type Stream struct {
	url     string
	symbols []string
	cache   *Cache
	log     *logger.Logger
}

// NewStream creates a stream for the given symbols.
func NewStream(url string, symbols []string, cache *Cache, log *logger.Logger) *Stream {
	if url == "" {
		url = PublicLinearURL
	}
	return &Stream{url: url, symbols: symbols, cache: cache, log: log}
}

// Run blocks until ctx is done, reconnecting on any failure.
func (s *Stream) Run(ctx context.Context) {
	for {
		if err := s.runConn(ctx); err != nil && ctx.Err() == nil {
			s.log.Warning("feed: stream dropped: %v, reconnecting in %s", err, reconnectBackoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *Stream) runConn(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	if err := s.subscribe(conn); err != nil {
		return err
	}
	s.log.Info("feed: subscribed to %d ticker topics", len(s.symbols))

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go s.pingLoop(ctx, conn)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(message)
	}
}

func (s *Stream) subscribe(conn *websocket.Conn) error {
	args := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		args = append(args, "tickers."+sym)
	}
	msg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"op": "ping"})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// tickerFrame is the v5 ticker push. Delta frames carry only changed fields.
type tickerFrame struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol    string `json:"symbol"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (s *Stream) handleMessage(message []byte) {
	var frame tickerFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return
	}
	if frame.Data.Symbol == "" {
		return // op acks, pong frames
	}

	q := market.Quote{
		Symbol: frame.Data.Symbol,
		Bid:    parsePrice(frame.Data.Bid1Price),
		Ask:    parsePrice(frame.Data.Ask1Price),
		Last:   parsePrice(frame.Data.LastPrice),
	}
	if frame.TS > 0 {
		q.Time = time.UnixMilli(frame.TS).UTC()
	}
	s.cache.Put(q)
}

func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
