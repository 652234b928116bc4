// Package history records trades, quotes and operator logs off the tick path.
package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gridvault-bot/internal/models"
)

// EventType defines the type of a history event
type EventType int

const (
	TradeEvent EventType = iota
	QuoteEvent
	LogEvent
)

// Event is one record waiting to be written.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// Writer is the durable side of the recorder. storage.Store implements it.
type Writer interface {
	SaveTrade(ctx context.Context, t models.TradeRecord) error
	SaveQuote(ctx context.Context, q models.QuoteRecord) error
	WriteLog(ctx context.Context, e models.LogEntry) error
}

const (
	defaultBufferSize = 1024
	writeTimeout      = 5 * time.Second
)

// Recorder queues history records and writes them from a single background loop.
// Record methods never block and never fail; a full queue drops the record with a warning.
type Recorder struct {
	writer       Writer
	eventChannel chan Event
	stopChan     chan struct{}
	doneChan     chan struct{}
	stopOnce     sync.Once
	stopped      atomic.Bool
	dropped      atomic.Int64
	logger       *zap.Logger
}

// NewRecorder creates a Recorder; bufferSize <= 0 selects the default.
func NewRecorder(writer Writer, bufferSize int, logger *zap.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Recorder{
		writer:       writer,
		eventChannel: make(chan Event, bufferSize),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		logger:       logger,
	}
}

// Start begins the write loop.
func (r *Recorder) Start() {
	go r.writeLoop()
	r.logger.Sugar().Info("History recorder started.")
}

// Stop writes whatever is still queued and returns once the loop has exited.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopChan)
	})
	<-r.doneChan
	r.logger.Sugar().Info("History recorder stopped.")
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// RecordTrade queues a trade record.
func (r *Recorder) RecordTrade(t models.TradeRecord) {
	r.dispatch(Event{Type: TradeEvent, Timestamp: t.Timestamp, Data: t})
}

// RecordQuote queues a quote record.
func (r *Recorder) RecordQuote(q models.QuoteRecord) {
	r.dispatch(Event{Type: QuoteEvent, Timestamp: q.Timestamp, Data: q})
}

// RecordLog queues an operator log line.
func (r *Recorder) RecordLog(level, message string, fields map[string]any) {
	now := time.Now()
	r.dispatch(Event{Type: LogEvent, Timestamp: now, Data: models.LogEntry{
		Timestamp: now,
		Level:     level,
		Message:   message,
		Metadata:  fields,
	}})
}

func (r *Recorder) dispatch(event Event) {
	if r.stopped.Load() {
		return
	}
	select {
	case r.eventChannel <- event:
	default:
		r.dropped.Add(1)
		r.logger.Warn("history queue full, dropping record", zap.Int("type", int(event.Type)))
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.doneChan)
	for {
		select {
		case event := <-r.eventChannel:
			r.write(event)
		case <-r.stopChan:
			for {
				select {
				case event := <-r.eventChannel:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch event.Type {
	case TradeEvent:
		if t, ok := event.Data.(models.TradeRecord); ok {
			err = r.writer.SaveTrade(ctx, t)
		} else {
			r.logger.Sugar().Warnf("Received TradeEvent with unexpected data type: %T", event.Data)
		}
	case QuoteEvent:
		if q, ok := event.Data.(models.QuoteRecord); ok {
			err = r.writer.SaveQuote(ctx, q)
		} else {
			r.logger.Sugar().Warnf("Received QuoteEvent with unexpected data type: %T", event.Data)
		}
	case LogEvent:
		if e, ok := event.Data.(models.LogEntry); ok {
			err = r.writer.WriteLog(ctx, e)
		} else {
			r.logger.Sugar().Warnf("Received LogEvent with unexpected data type: %T", event.Data)
		}
	}
	if err != nil {
		r.logger.Error("failed to write history record", zap.Int("type", int(event.Type)), zap.Error(err))
	}
}
