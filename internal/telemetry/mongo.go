package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
)

// EventWriter persists batches of events; *database.Store implements it.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []database.TelemetryEvent) error
}

// MongoSink buffers events and writes them in batches from one goroutine.
// When the buffer is full new events are dropped.
type MongoSink struct {
	writer        EventWriter
	instance      string
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	ch      chan database.TelemetryEvent
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

func NewMongoSink(writer EventWriter, instance string, buffer, batchSize int, flushInterval time.Duration) *MongoSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	s := &MongoSink{
		writer:        writer,
		instance:      instance,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		now:           time.Now,
		ch:            make(chan database.TelemetryEvent, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *MongoSink) Emit(event string, fields Fields) {
	doc := database.NewTelemetryEvent(s.instance, event, fields, s.now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- doc:
	default:
		if s.dropped.Add(1)%1000 == 1 {
			logger.WarnF("Telemetry buffer full, %d events dropped so far", s.dropped.Load())
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *MongoSink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *MongoSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]database.TelemetryEvent, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writer.InsertEvents(context.Background(), batch); err != nil {
			logger.WarnF("Fail to persist %d telemetry events, details: %v", len(batch), err)
		}
		batch = make([]database.TelemetryEvent, 0, s.batchSize)
	}

	for {
		select {
		case doc, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, doc)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Invoke flushes pending events and stops the writer goroutine.
func (s *MongoSink) Invoke(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
