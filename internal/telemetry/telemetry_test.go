package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/database"
)

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi{a, b, Nop, LogSink{}}
	sink.Emit(EventChannelCreated, Fields{"channel_id": "chat"})
	sink.Emit(EventChannelCreated, Fields{"channel_id": "alerts"})
	if a.Count(EventChannelCreated) != 2 || b.Count(EventChannelCreated) != 2 {
		t.Fatalf("expected both recorders to see 2 events")
	}
	if got := a.Events()[1].Fields["channel_id"]; got != "alerts" {
		t.Fatalf("unexpected field %v", got)
	}
}

func TestMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewMetricsSink(reg)
	if err != nil {
		t.Fatalf("new metrics sink: %v", err)
	}
	sink.Emit(EventMessagePublished, nil)
	sink.Emit(EventMessagePublished, nil)
	sink.Emit(EventRpcTimeout, nil)

	if got := testutil.ToFloat64(sink.events.WithLabelValues(EventMessagePublished)); got != 2 {
		t.Fatalf("expected 2 published events, got %v", got)
	}
	if _, err := NewMetricsSink(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := RegisterGauge(reg, "connections", "Live connections.", func() float64 { return 3 }); err != nil {
		t.Fatalf("register gauge: %v", err)
	}
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]database.TelemetryEvent
	fail    bool
}

func (f *fakeWriter) InsertEvents(_ context.Context, events []database.TelemetryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]database.TelemetryEvent(nil), events...))
	if f.fail {
		return errors.New("insert failed")
	}
	return nil
}

func (f *fakeWriter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestMongoSinkBatchesAndFlushesOnClose(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewMongoSink(writer, "node-1", 16, 2, time.Hour)
	for i := 0; i < 5; i++ {
		sink.Emit(EventMessagePublished, Fields{"n": i})
	}
	if err := sink.Invoke(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if writer.total() != 5 {
		t.Fatalf("expected 5 persisted events, got %d", writer.total())
	}
	sink.Emit(EventMessagePublished, nil)
	if writer.total() != 5 {
		t.Fatalf("events after close must be ignored")
	}
	if err := sink.Invoke(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMongoSinkFlushesOnInterval(t *testing.T) {
	writer := &fakeWriter{fail: true}
	sink := NewMongoSink(writer, "node-1", 16, 100, 10*time.Millisecond)
	defer func() { _ = sink.Invoke(context.Background()) }()

	sink.Emit(EventHeartbeatTimeout, Fields{"conn_id": "c1"})
	deadline := time.Now().Add(2 * time.Second)
	for writer.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if writer.total() != 1 {
		t.Fatalf("expected interval flush, got %d events", writer.total())
	}
}

type blockingWriter struct {
	release chan struct{}
}

func (b *blockingWriter) InsertEvents(ctx context.Context, _ []database.TelemetryEvent) error {
	<-b.release
	return nil
}

func TestMongoSinkDropsWhenFull(t *testing.T) {
	writer := &blockingWriter{release: make(chan struct{})}
	sink := NewMongoSink(writer, "node-1", 1, 1, time.Hour)
	for i := 0; i < 50; i++ {
		sink.Emit(EventMessagePublished, nil)
	}
	if sink.Dropped() == 0 {
		t.Fatalf("expected dropped events with a full buffer")
	}
	close(writer.release)
	if err := sink.Invoke(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}
