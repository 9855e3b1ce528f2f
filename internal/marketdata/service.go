// Package marketdata fetches daily candles over REST for the regime
// classifier and streams live ticker prices over WebSocket.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/volatility"
)

// PriceUpdate is a live ticker snapshot for one symbol.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"timestamp"`
}

// Config configures the market data service
type Config struct {
	RestURL        string
	WSURL          string
	Symbols        []string
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
}

// DefaultConfig returns the production market data configuration
func DefaultConfig() *Config {
	return &Config{
		RestURL:        "https://api.binance.com",
		WSURL:          "wss://stream.binance.com:9443/ws",
		Symbols:        []string{"BTCUSDT"},
		RequestTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
	}
}

// Service provides historical candles and live ticker prices.
type Service struct {
	logger *zap.Logger
	config *Config
	client *http.Client

	ws   *websocket.Conn
	wsMu sync.RWMutex

	onPrice func(PriceUpdate)

	prices  map[string]PriceUpdate
	priceMu sync.RWMutex

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a market data service.
func NewService(logger *zap.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		logger: logger.Named("market-data"),
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		prices: make(map[string]PriceUpdate),
	}
}

// GetDailyBars fetches up to lookbackDays of daily candles for the
// symbol, oldest first.
func (s *Service) GetDailyBars(ctx context.Context, symbol string, lookbackDays int) ([]volatility.Bar, error) {
	if lookbackDays > 1000 {
		lookbackDays = 1000
	}
	endpoint := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=1d&limit=%d",
		s.config.RestURL, url.QueryEscape(symbol), lookbackDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building klines request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching klines for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("klines request for %s returned %d: %s", symbol, resp.StatusCode, body)
	}

	// Klines arrive as arrays: [openTime, open, high, low, close, ...].
	var raw [][]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding klines for %s: %w", symbol, err)
	}

	bars := make([]volatility.Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 5 {
			continue
		}
		high, err1 := klineField(k[2])
		low, err2 := klineField(k[3])
		closePx, err3 := klineField(k[4])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("malformed kline for %s", symbol)
		}
		bars = append(bars, volatility.Bar{High: high, Low: low, Close: closePx})
	}
	return bars, nil
}

func klineField(v any) (float64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("kline field is %T, not string", v)
	}
	return strconv.ParseFloat(str, 64)
}

// OnPrice registers a callback for live ticker updates. Must be set
// before Start.
func (s *Service) OnPrice(fn func(PriceUpdate)) {
	s.onPrice = fn
}

// LatestPrice returns the most recent ticker for a symbol.
func (s *Service) LatestPrice(symbol string) (PriceUpdate, bool) {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok
}

// Start connects the live ticker stream and begins reading. Historical
// fetches work without Start; only the live stream needs it.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	if err := s.connect(); err != nil {
		return fmt.Errorf("connecting ticker stream: %w", err)
	}
	if err := s.subscribeAll(); err != nil {
		return fmt.Errorf("subscribing ticker stream: %w", err)
	}
	go s.readLoop()

	s.logger.Info("Market data stream started",
		zap.Strings("symbols", s.config.Symbols))
	return nil
}

// Stop closes the live stream.
func (s *Service) Stop() {
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.wsMu.Lock()
	if s.ws != nil {
		s.ws.Close()
	}
	s.wsMu.Unlock()
	s.logger.Info("Market data stream stopped")
}

func (s *Service) connect() error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(s.config.WSURL, nil)
	if err != nil {
		return err
	}
	s.ws = conn
	return nil
}

func (s *Service) subscribeAll() error {
	streams := make([]string, 0, len(s.config.Symbols))
	for _, symbol := range s.config.Symbols {
		streams = append(streams, lower(symbol)+"@ticker")
	}
	msg := map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return s.ws.WriteJSON(msg)
}

// readLoop reads ticker frames, reconnecting with a delay on errors.
func (s *Service) readLoop() {
	for s.running {
		s.wsMu.RLock()
		conn := s.ws
		s.wsMu.RUnlock()
		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !s.running {
				return
			}
			s.logger.Warn("WebSocket read error, reconnecting", zap.Error(err))
			s.reconnect()
			continue
		}
		s.handleMessage(message)
	}
}

func (s *Service) reconnect() {
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(s.config.ReconnectDelay):
	}
	if err := s.connect(); err != nil {
		s.logger.Error("Reconnect failed", zap.Error(err))
		return
	}
	if err := s.subscribeAll(); err != nil {
		s.logger.Error("Resubscribe failed", zap.Error(err))
	}
}

func (s *Service) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if eventType, _ := msg["e"].(string); eventType != "24hrTicker" {
		return
	}

	symbol, _ := msg["s"].(string)
	lastPrice, _ := msg["c"].(string)
	bidPrice, _ := msg["b"].(string)
	askPrice, _ := msg["a"].(string)
	volume, _ := msg["v"].(string)
	timestamp, _ := msg["E"].(float64)

	price, err := decimal.NewFromString(lastPrice)
	if err != nil {
		return
	}
	bid, _ := decimal.NewFromString(bidPrice)
	ask, _ := decimal.NewFromString(askPrice)
	vol, _ := decimal.NewFromString(volume)

	update := PriceUpdate{
		Symbol:    symbol,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume:    vol,
		Timestamp: int64(timestamp),
	}

	s.priceMu.Lock()
	s.prices[symbol] = update
	s.priceMu.Unlock()

	if s.onPrice != nil {
		s.onPrice(update)
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
