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
	reconnectDelay = 5 * time.Second
)

// StreamPriceSource 通过 <symbol>@bookTicker 流维护最新中间价。
type StreamPriceSource struct {
	wsBaseURL  string
	assetA     string
	assetB     string
	maxAge     time.Duration
	pingPeriod time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	price   float64
	updated time.Time

	stopChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewStreamPriceSource creates a source for one pair. maxAge bounds how old a price may be;
// pingPeriod <= 0 selects 9/10 of the pong wait.
func NewStreamPriceSource(wsBaseURL, assetA, assetB string, maxAge, pingPeriod time.Duration, logger *zap.Logger) *StreamPriceSource {
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	return &StreamPriceSource{
		wsBaseURL:   strings.TrimRight(wsBaseURL, "/"),
		assetA:      strings.ToUpper(assetA),
		assetB:      strings.ToUpper(assetB),
		maxAge:      maxAge,
		pingPeriod:  pingPeriod,
		logger:      logger,
		now:         time.Now,
		stopChannel: make(chan struct{}),
	}
}

// Start 启动连接维护循环
func (s *StreamPriceSource) Start() {
	s.wg.Add(1)
	go s.webSocketLoop()
}

// Stop closes the stream and waits for the loop to exit.
func (s *StreamPriceSource) Stop() {
	s.stopOnce.Do(func() { close(s.stopChannel) })
	s.wg.Wait()
}

// GetPrice returns the last mid price if it is fresh and for the requested pair.
func (s *StreamPriceSource) GetPrice(ctx context.Context, assetA, assetB string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if !strings.EqualFold(assetA, s.assetA) || !strings.EqualFold(assetB, s.assetB) {
		return 0, fmt.Errorf("%w: stream serves %s/%s, not %s/%s", ErrPriceUnavailable, s.assetA, s.assetB, assetA, assetB)
	}
	s.mu.RLock()
	price, updated := s.price, s.updated
	s.mu.RUnlock()

	if price <= 0 {
		return 0, fmt.Errorf("%w: no price received yet", ErrPriceUnavailable)
	}
	if s.maxAge > 0 && s.now().Sub(updated) > s.maxAge {
		return 0, fmt.Errorf("%w: last update %s ago", ErrPriceUnavailable, s.now().Sub(updated).Round(time.Millisecond))
	}
	return price, nil
}

func (s *StreamPriceSource) streamURL() string {
	return fmt.Sprintf("%s/ws/%s@bookTicker", s.wsBaseURL, strings.ToLower(Symbol(s.assetA, s.assetB)))
}

// webSocketLoop 负责维持WebSocket的连接和重连
func (s *StreamPriceSource) webSocketLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChannel:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.streamURL(), nil)
		if err != nil {
			s.logger.Warn("WebSocket连接失败，稍后重试", zap.String("url", s.streamURL()), zap.Error(err))
		} else {
			s.logger.Info("WebSocket连接成功", zap.String("url", s.streamURL()))
			if err := s.readLoop(conn); err != nil {
				s.logger.Warn("WebSocket连接已断开", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-s.stopChannel:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// readLoop 处理一个已建立的连接，并实现心跳机制；连接断开或停止时返回
func (s *StreamPriceSource) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		pingTicker := time.NewTicker(s.pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-s.stopChannel:
				// unblock ReadMessage
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.SetReadDeadline(time.Now())
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChannel:
				return nil
			default:
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		if err := s.handleMessage(message); err != nil {
			s.logger.Debug("忽略无法解析的行情消息", zap.Error(err))
		}
	}
}

type bookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

func (s *StreamPriceSource) handleMessage(message []byte) error {
	var t bookTicker
	if err := json.Unmarshal(message, &t); err != nil {
		return err
	}
	bid, err := strconv.ParseFloat(t.Bid, 64)
	if err != nil {
		return fmt.Errorf("bid %q: %w", t.Bid, err)
	}
	ask, err := strconv.ParseFloat(t.Ask, 64)
	if err != nil {
		return fmt.Errorf("ask %q: %w", t.Ask, err)
	}
	if bid <= 0 || ask <= 0 || ask < bid {
		return fmt.Errorf("crossed or empty book bid=%v ask=%v", bid, ask)
	}

	s.mu.Lock()
	s.price = (bid + ask) / 2
	s.updated = s.now()
	s.mu.Unlock()
	return nil
}
