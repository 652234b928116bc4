package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStreamPriceSource_HandleMessage(t *testing.T) {
	s := NewStreamPriceSource("wss://example", "SUI", "USDC", time.Minute, 0, zap.NewNop())
	ctx := context.Background()

	_, err := s.GetPrice(ctx, "SUI", "USDC")
	assert.True(t, errors.Is(err, ErrPriceUnavailable), "no price before the first message")

	require.NoError(t, s.handleMessage([]byte(`{"u":1,"s":"SUIUSDC","b":"1.9990","B":"10","a":"2.0010","A":"12"}`)))
	p, err := s.GetPrice(ctx, "sui", "usdc")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, p, 1e-12)

	assert.Error(t, s.handleMessage([]byte(`{"b":"2.1","a":"2.0"}`)), "crossed book is rejected")
	assert.Error(t, s.handleMessage([]byte(`not json`)))
	p, _ = s.GetPrice(ctx, "SUI", "USDC")
	assert.InDelta(t, 2.0, p, 1e-12, "bad messages keep the last price")

	_, err = s.GetPrice(ctx, "BTC", "USDC")
	assert.True(t, errors.Is(err, ErrPriceUnavailable), "other pairs are unavailable")
}

func TestStreamPriceSource_Stale(t *testing.T) {
	s := NewStreamPriceSource("wss://example", "SUI", "USDC", 5*time.Second, 0, zap.NewNop())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	require.NoError(t, s.handleMessage([]byte(`{"b":"1","a":"1"}`)))

	now = now.Add(6 * time.Second)
	_, err := s.GetPrice(context.Background(), "SUI", "USDC")
	assert.True(t, errors.Is(err, ErrPriceUnavailable))
}

func TestStreamPriceSource_ReadsFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"SUIUSDC","b":"3.00","a":"3.02"}`))
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewStreamPriceSource(wsURL, "SUI", "USDC", time.Minute, 0, zap.NewNop())
	s.Start()
	defer s.Stop()

	select {
	case p := <-paths:
		assert.Equal(t, "/ws/suiusdc@bookTicker", p)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never connected")
	}

	require.Eventually(t, func() bool {
		p, err := s.GetPrice(context.Background(), "SUI", "USDC")
		return err == nil && p > 3.009 && p < 3.011
	}, 2*time.Second, 10*time.Millisecond)
}
