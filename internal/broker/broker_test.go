package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/telemetry"
)

type fakeSender struct {
	mu       sync.Mutex
	received map[string][]protocol.Event
	offline  map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{received: make(map[string][]protocol.Event), offline: make(map[string]bool)}
}

func (f *fakeSender) SendMessage(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[connID] {
		return errors.New("offline")
	}
	event, err := protocol.DefaultCodec.Decode(data)
	if err != nil {
		return err
	}
	f.received[connID] = append(f.received[connID], event)
	return nil
}

func (f *fakeSender) events(connID string) []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Event(nil), f.received[connID]...)
}

func newTestBroker(sender *fakeSender, rec *telemetry.Recorder) *Broker {
	return New(Options{
		AutoCreate:    true,
		DefaultConfig: ChannelConfig{MaxSubscribers: 10, RetentionCount: 3},
		Sender:        sender,
		Telemetry:     rec,
		Now:           func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
}

func TestCreateIsIdempotent(t *testing.T) {
	b := newTestBroker(newFakeSender(), &telemetry.Recorder{})
	cfg := ChannelConfig{MaxSubscribers: 2, RetentionCount: 1}

	created, err := b.Create("chat", cfg)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = b.Create("chat", cfg)
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	_, err = b.Create("chat", ChannelConfig{MaxSubscribers: 3})
	if !errors.Is(err, protocol.ErrChannelConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := b.Create("", cfg); !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestScenarioCapacity(t *testing.T) {
	rec := &telemetry.Recorder{}
	b := newTestBroker(newFakeSender(), rec)
	if _, err := b.Create("chat", ChannelConfig{MaxSubscribers: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i, conn := range []string{"conn1", "conn2"} {
		res, err := b.Subscribe(conn, "chat")
		if err != nil {
			t.Fatalf("subscribe %s: %v", conn, err)
		}
		if res.SubscriberCount != i+1 {
			t.Fatalf("expected count %d, got %d", i+1, res.SubscriberCount)
		}
	}
	_, err := b.Subscribe("conn3", "chat")
	if !errors.Is(err, protocol.ErrCapacityExceeded) {
		t.Fatalf("expected capacity-exceeded, got %v", err)
	}
	if protocol.ReasonOf(err) != "capacity-exceeded" {
		t.Fatalf("unexpected reason %q", protocol.ReasonOf(err))
	}
	if b.SubscriberCount("chat") != 2 {
		t.Fatalf("count must stay 2")
	}
	if rec.Count(telemetry.EventCapacityExceeded) != 1 {
		t.Fatalf("expected capacity telemetry")
	}

	// an existing subscriber may subscribe again at capacity
	if res, err := b.Subscribe("conn1", "chat"); err != nil || res.SubscriberCount != 2 {
		t.Fatalf("resubscribe: %+v %v", res, err)
	}
}

func TestScenarioPublishFanOut(t *testing.T) {
	sender := newFakeSender()
	b := newTestBroker(sender, &telemetry.Recorder{})
	if _, err := b.Create("chat", ChannelConfig{MaxSubscribers: 2, RetentionCount: 10}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, conn := range []string{"conn1", "conn2"} {
		if _, err := b.Subscribe(conn, "chat"); err != nil {
			t.Fatalf("subscribe %s: %v", conn, err)
		}
	}

	payload := json.RawMessage(`{"user":"Alice","message":"Hello"}`)
	res, err := b.Publish("chat", payload, "conn1", false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.DeliveredTo != 2 || res.MessageID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	b.Unsubscribe("conn1", "chat")
	res, err = b.Publish("chat", payload, "conn2", false)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if res.DeliveredTo != 1 {
		t.Fatalf("expected delivered_to=1, got %d", res.DeliveredTo)
	}

	got := sender.events("conn2")
	if len(got) != 2 || got[0].ID != protocol.EventMessage {
		t.Fatalf("conn2 expected 2 channel messages, got %+v", got)
	}
	var msg protocol.ChannelMessage
	if err := got[0].Bind(&msg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if msg.ChannelID != "chat" || string(msg.Payload) != string(payload) || msg.SenderID != "conn1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(sender.events("conn1")) != 1 {
		t.Fatalf("conn1 must only see the first message")
	}
}

func TestPublishExcludeSenderAndFailures(t *testing.T) {
	sender := newFakeSender()
	b := newTestBroker(sender, &telemetry.Recorder{})
	for _, conn := range []string{"a", "b", "c"} {
		if _, err := b.Subscribe(conn, "room"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	sender.offline["c"] = true

	res, err := b.Publish("room", json.RawMessage(`1`), "a", true)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.DeliveredTo != 1 {
		t.Fatalf("expected only b to receive, got %d", res.DeliveredTo)
	}
	if len(sender.events("a")) != 0 {
		t.Fatalf("sender must be excluded")
	}

	_, err = b.Publish("missing", json.RawMessage(`1`), "a", false)
	if !errors.Is(err, protocol.ErrChannelNotFound) {
		t.Fatalf("expected channel-not-found, got %v", err)
	}
}

func TestRetentionKeepsNewest(t *testing.T) {
	b := newTestBroker(newFakeSender(), &telemetry.Recorder{})
	if _, err := b.Create("log", ChannelConfig{RetentionCount: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := b.Publish("log", json.RawMessage(fmt.Sprint(i)), "p", false); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	res, err := b.Subscribe("late", "log")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(res.RetainedMessages) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(res.RetainedMessages))
	}
	for i, msg := range res.RetainedMessages {
		if want := fmt.Sprint(i + 2); string(msg.Payload) != want {
			t.Fatalf("retained[%d]=%s, want %s", i, msg.Payload, want)
		}
	}

	if _, err := b.Create("live", ChannelConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.Publish("live", json.RawMessage(`1`), "p", false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res, _ := b.Subscribe("late", "live"); len(res.RetainedMessages) != 0 {
		t.Fatalf("retention disabled channel kept messages")
	}
}

func TestUnsubscribeIsNoOp(t *testing.T) {
	b := newTestBroker(newFakeSender(), &telemetry.Recorder{})
	if _, err := b.Subscribe("conn1", "chat"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	before := b.SubscriberCount("chat")
	if n := b.Unsubscribe("conn2", "chat"); n != before {
		t.Fatalf("count changed from %d to %d", before, n)
	}
	if n := b.Unsubscribe("conn1", "missing"); n != 0 {
		t.Fatalf("missing channel returned %d", n)
	}
	if got := b.Subscriptions("conn1"); len(got) != 1 || got[0] != "chat" {
		t.Fatalf("unexpected subscriptions %v", got)
	}
}

func TestSubscriberCountAfterChurn(t *testing.T) {
	tests := []struct {
		name string
		subs int
		uns  int
	}{
		{"none", 0, 0},
		{"balanced", 5, 5},
		{"partial", 7, 3},
		{"over unsubscribe", 3, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(newFakeSender(), &telemetry.Recorder{})
			if _, err := b.Create("c", ChannelConfig{MaxSubscribers: 8}); err != nil {
				t.Fatalf("create: %v", err)
			}
			for i := 0; i < tt.subs; i++ {
				if _, err := b.Subscribe(fmt.Sprintf("conn%d", i), "c"); err != nil {
					t.Fatalf("subscribe: %v", err)
				}
			}
			for i := 0; i < tt.uns; i++ {
				b.Unsubscribe(fmt.Sprintf("conn%d", i), "c")
			}
			want := tt.subs - tt.uns
			if want < 0 {
				want = 0
			}
			if got := b.SubscriberCount("c"); got != want {
				t.Fatalf("expected %d subscribers, got %d", want, got)
			}
		})
	}
}

func TestSubscribeWithoutAutoCreate(t *testing.T) {
	b := New(Options{})
	_, err := b.Subscribe("conn1", "chat")
	if !errors.Is(err, protocol.ErrChannelNotFound) {
		t.Fatalf("expected channel-not-found, got %v", err)
	}
}

func TestUnsubscribeAllKeepsIndicesConsistent(t *testing.T) {
	b := newTestBroker(newFakeSender(), &telemetry.Recorder{})
	for _, ch := range []string{"a", "b", "c"} {
		if _, err := b.Subscribe("conn1", ch); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if _, err := b.Subscribe("conn2", "a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	left := b.UnsubscribeAll("conn1")
	if len(left) != 3 {
		t.Fatalf("expected 3 channels left, got %v", left)
	}
	for _, info := range b.Channels() {
		want := 0
		if info.ID == "a" {
			want = 1
		}
		if info.SubscriberCount != want {
			t.Fatalf("channel %s has %d subscribers, want %d", info.ID, info.SubscriberCount, want)
		}
	}
	if len(b.Subscriptions("conn1")) != 0 {
		t.Fatalf("conn index not cleared")
	}
	if b.UnsubscribeAll("conn1") != nil {
		t.Fatalf("second call must be empty")
	}
}

func TestDeleteNotifiesSubscribers(t *testing.T) {
	sender := newFakeSender()
	rec := &telemetry.Recorder{}
	b := newTestBroker(sender, rec)
	for _, conn := range []string{"conn1", "conn2"} {
		if _, err := b.Subscribe(conn, "chat"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	deleted, err := b.Delete("chat")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	if _, ok := b.Channel("chat"); ok {
		t.Fatalf("channel still present")
	}
	if len(b.Subscriptions("conn1")) != 0 {
		t.Fatalf("conn index still references deleted channel")
	}
	got := sender.events("conn2")
	if len(got) != 1 || got[0].ID != protocol.EventChannelDeleted {
		t.Fatalf("expected channel/deleted, got %+v", got)
	}
	if rec.Count(telemetry.EventChannelDeleted) != 1 {
		t.Fatalf("expected delete telemetry")
	}
	if deleted, _ := b.Delete("chat"); deleted {
		t.Fatalf("second delete must report false")
	}
}

func TestConcurrentSubscribeRespectsCapacity(t *testing.T) {
	b := newTestBroker(newFakeSender(), &telemetry.Recorder{})
	if _, err := b.Create("hot", ChannelConfig{MaxSubscribers: 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = b.Subscribe(fmt.Sprintf("conn%d", i), "hot")
			_, _ = b.Publish("hot", json.RawMessage(`1`), "x", false)
		}(i)
	}
	wg.Wait()
	if got := b.SubscriberCount("hot"); got != 5 {
		t.Fatalf("expected exactly 5 subscribers, got %d", got)
	}
}
