package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridvault-bot/internal/models"
)

// mockWriter is a mock implementation of the Writer interface for testing.
type mockWriter struct {
	sync.Mutex
	trades   []models.TradeRecord
	quotes   []models.QuoteRecord
	logs     []models.LogEntry
	err      error
	block    chan struct{} // when set, writes wait until it is closed
	doneChan chan bool
}

func newMockWriter() *mockWriter {
	return &mockWriter{doneChan: make(chan bool, 64)}
}

func (m *mockWriter) wait() {
	if m.block != nil {
		<-m.block
	}
}

func (m *mockWriter) SaveTrade(_ context.Context, t models.TradeRecord) error {
	m.wait()
	m.Lock()
	m.trades = append(m.trades, t)
	m.Unlock()
	m.doneChan <- true
	return m.err
}

func (m *mockWriter) SaveQuote(_ context.Context, q models.QuoteRecord) error {
	m.wait()
	m.Lock()
	m.quotes = append(m.quotes, q)
	m.Unlock()
	m.doneChan <- true
	return m.err
}

func (m *mockWriter) WriteLog(_ context.Context, e models.LogEntry) error {
	m.wait()
	m.Lock()
	m.logs = append(m.logs, e)
	m.Unlock()
	m.doneChan <- true
	return m.err
}

func (m *mockWriter) counts() (int, int, int) {
	m.Lock()
	defer m.Unlock()
	return len(m.trades), len(m.quotes), len(m.logs)
}

func waitWrites(t *testing.T, w *mockWriter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-w.doneChan:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for write %d of %d", i+1, n)
		}
	}
}

func TestRecorder_WritesAllKinds(t *testing.T) {
	w := newMockWriter()
	r := NewRecorder(w, 0, zap.NewNop())
	r.Start()
	defer r.Stop()

	r.RecordTrade(models.TradeRecord{ID: "t1", Side: models.Sell, Status: models.StatusSuccess})
	r.RecordQuote(models.QuoteRecord{ID: "q1", Side: models.Sell, Status: models.StatusSuccess})
	r.RecordLog("warn", "price unavailable", map[string]any{"pair": "SUI/USDC"})
	waitWrites(t, w, 3)

	trades, quotes, logs := w.counts()
	assert.Equal(t, 1, trades)
	assert.Equal(t, 1, quotes)
	require.Equal(t, 1, logs)
	w.Lock()
	assert.Equal(t, "warn", w.logs[0].Level)
	assert.Equal(t, "SUI/USDC", w.logs[0].Metadata["pair"])
	w.Unlock()
}

func TestRecorder_WriteErrorsAreSwallowed(t *testing.T) {
	w := newMockWriter()
	w.err = errors.New("disk full")
	r := NewRecorder(w, 4, zap.NewNop())
	r.Start()
	defer r.Stop()

	r.RecordTrade(models.TradeRecord{ID: "t1"})
	r.RecordTrade(models.TradeRecord{ID: "t2"})
	waitWrites(t, w, 2)

	trades, _, _ := w.counts()
	assert.Equal(t, 2, trades)
}

func TestRecorder_FullQueueDropsWithoutBlocking(t *testing.T) {
	w := newMockWriter()
	w.block = make(chan struct{})
	r := NewRecorder(w, 1, zap.NewNop())
	r.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.RecordLog("info", "tick", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	assert.Greater(t, r.Dropped(), int64(0))

	close(w.block)
	r.Stop()
}

func TestRecorder_StopDrainsQueue(t *testing.T) {
	w := newMockWriter()
	r := NewRecorder(w, 16, zap.NewNop())

	// queued before the loop runs
	for i := 0; i < 5; i++ {
		r.RecordQuote(models.QuoteRecord{ID: "q"})
	}
	r.Start()
	r.Stop()

	_, quotes, _ := w.counts()
	assert.Equal(t, 5, quotes)

	// records after Stop are ignored
	r.RecordQuote(models.QuoteRecord{ID: "late"})
	_, quotes, _ = w.counts()
	assert.Equal(t, 5, quotes)
}
