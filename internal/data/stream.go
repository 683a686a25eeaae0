package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// StreamConfig configures the spot kline stream.
type StreamConfig struct {
	URL            string        `json:"url"`
	Symbols        []string      `json:"symbols"`
	Handshake      time.Duration `json:"handshake"`
	StaleAfter     time.Duration `json:"staleAfter"`
	ReconnectEvery time.Duration `json:"reconnectEvery"`
}

// DefaultStreamConfig returns the Binance spot stream defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:            "wss://stream.binance.com:9443/ws",
		Symbols:        []string{"BTCUSDT", "ETHUSDT"},
		Handshake:      10 * time.Second,
		StaleAfter:     90 * time.Second,
		ReconnectEvery: 5 * time.Second,
	}
}

// StreamStats is a point-in-time view of stream health.
type StreamStats struct {
	Connected   bool      `json:"connected"`
	LastMessage time.Time `json:"lastMessage"`
	Bars        int64     `json:"bars"`
	Reconnects  int64     `json:"reconnects"`
}

// KlineStream keeps the candle store current between REST refreshes:
// it subscribes to one-minute klines for each symbol and appends every
// bar as it closes. Open bars are ignored; the store only ever holds
// finished minutes. The REST feed backfills whatever a disconnect
// missed.
type KlineStream struct {
	logger *zap.Logger
	config StreamConfig
	store  *Store

	mu   sync.Mutex
	conn *websocket.Conn

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastMessage atomic.Int64
	bars        atomic.Int64
	reconnects  atomic.Int64
}

// klineEnvelope is the exchange's kline event. Prices arrive as
// strings.
type klineEnvelope struct {
	Event  string   `json:"e"`
	Symbol string   `json:"s"`
	Kline  klineBar `json:"k"`
}

type klineBar struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

// NewKlineStream creates a stream that appends closed bars into store.
func NewKlineStream(logger *zap.Logger, config StreamConfig, store *Store) *KlineStream {
	return &KlineStream{
		logger: logger.Named("stream"),
		config: config,
		store:  store,
	}
}

// Start connects, subscribes and launches the read and reconnect
// loops. The initial dial must succeed; later drops are retried in the
// background.
func (s *KlineStream) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return errors.New("stream already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.connect(runCtx); err != nil {
		s.running.Store(false)
		cancel()
		return fmt.Errorf("connect stream: %w", err)
	}

	s.wg.Add(2)
	go s.readLoop(runCtx)
	go s.monitor(runCtx)

	s.logger.Info("Kline stream started",
		zap.String("url", s.config.URL),
		zap.Strings("symbols", s.config.Symbols))
	return nil
}

// Stop closes the connection and waits for the loops to exit.
func (s *KlineStream) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.dropConn()
	s.wg.Wait()
	s.logger.Info("Kline stream stopped", zap.Int64("bars", s.bars.Load()))
	return nil
}

// Stats reports stream health for the status surface.
func (s *KlineStream) Stats() StreamStats {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()

	var last time.Time
	if nanos := s.lastMessage.Load(); nanos > 0 {
		last = time.Unix(0, nanos).UTC()
	}
	return StreamStats{
		Connected:   connected,
		LastMessage: last,
		Bars:        s.bars.Load(),
		Reconnects:  s.reconnects.Load(),
	}
}

func (s *KlineStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.config.Handshake}
	conn, _, err := dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		return err
	}

	streams := make([]string, 0, len(s.config.Symbols))
	for _, symbol := range s.config.Symbols {
		streams = append(streams, fmt.Sprintf("%s@kline_1m", strings.ToLower(symbol)))
	}
	sub := map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.lastMessage.Store(time.Now().UnixNano())

	s.logger.Debug("Stream connected", zap.Int("streams", len(streams)))
	return nil
}

func (s *KlineStream) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *KlineStream) dropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *KlineStream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for s.running.Load() {
		conn := s.current()
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Warn("Stream read failed", zap.Error(err))
			s.dropConn()
			continue
		}
		s.lastMessage.Store(time.Now().UnixNano())
		s.handle(message)
	}
}

// handle appends a closed kline to the store. Subscription acks and
// open bars fall through silently.
func (s *KlineStream) handle(message []byte) {
	var env klineEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return
	}
	if env.Event != "kline" || !env.Kline.Closed {
		return
	}

	open, err1 := strconv.ParseFloat(env.Kline.Open, 64)
	high, err2 := strconv.ParseFloat(env.Kline.High, 64)
	low, err3 := strconv.ParseFloat(env.Kline.Low, 64)
	closePrice, err4 := strconv.ParseFloat(env.Kline.Close, 64)
	volume, err5 := strconv.ParseFloat(env.Kline.Volume, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		s.logger.Warn("Malformed kline dropped", zap.String("symbol", env.Symbol))
		return
	}

	s.store.Append(env.Symbol, []types.Candle{{
		Timestamp: time.UnixMilli(env.Kline.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: time.UnixMilli(env.Kline.CloseTime).UTC(),
	}})
	s.bars.Add(1)
}

// monitor redials when the connection is gone or has gone quiet.
func (s *KlineStream) monitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.ReconnectEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.running.Load() {
			return
		}

		stale := time.Since(time.Unix(0, s.lastMessage.Load())) > s.config.StaleAfter
		if s.current() != nil && !stale {
			continue
		}
		if stale {
			s.logger.Warn("Stream stale, reconnecting",
				zap.Duration("quiet", time.Since(time.Unix(0, s.lastMessage.Load()))))
		}
		s.dropConn()
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("Stream reconnect failed", zap.Error(err))
			continue
		}
		s.reconnects.Add(1)
	}
}
