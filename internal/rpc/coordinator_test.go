package rpc

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/telemetry"
)

type fakeSender struct {
	mu       sync.Mutex
	received map[string][]protocol.Event
}

func (f *fakeSender) SendMessage(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, err := protocol.DefaultCodec.Decode(data)
	if err != nil {
		return err
	}
	if f.received == nil {
		f.received = make(map[string][]protocol.Event)
	}
	f.received[connID] = append(f.received[connID], event)
	return nil
}

func (f *fakeSender) responses(t *testing.T, connID string) []protocol.RpcResponse {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.RpcResponse
	for _, event := range f.received[connID] {
		if event.ID != protocol.EventRpcResponse {
			continue
		}
		var resp protocol.RpcResponse
		if err := event.Bind(&resp); err != nil {
			t.Fatalf("bind: %v", err)
		}
		out = append(out, resp)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

type fixture struct {
	clock  *clock
	sender *fakeSender
	broker *broker.Broker
	coord  *Coordinator
	rec    *telemetry.Recorder
}

func newFixture(t *testing.T, maxPending int) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{}, sender: &fakeSender{}, rec: &telemetry.Recorder{}}
	f.clock.Set(0)
	f.broker = broker.New(broker.Options{
		AutoCreate: true,
		Sender:     f.sender,
		Now:        f.clock.Now,
	})
	f.coord = New(Options{
		Channels:          f.broker,
		Sender:            f.sender,
		Telemetry:         f.rec,
		Now:               f.clock.Now,
		DefaultTimeout:    time.Second,
		MaxPendingPerConn: maxPending,
	})
	for _, conn := range []string{"origin", "worker"} {
		if _, err := f.broker.Subscribe(conn, "svc"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	return f
}

func TestRequestForwardsToSubscribersExceptOrigin(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.coord.Request("origin", "svc", json.RawMessage(`{"op":"sum"}`), 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.RequestID == "" || res.DeliveredTo != 1 || res.ChannelID != "svc" {
		t.Fatalf("unexpected result %+v", res)
	}
	f.sender.mu.Lock()
	got := f.sender.received["worker"]
	originGot := len(f.sender.received["origin"])
	f.sender.mu.Unlock()
	if originGot != 0 {
		t.Fatalf("origin must not receive its own request")
	}
	if len(got) != 1 || got[0].ID != protocol.EventRpcRequest {
		t.Fatalf("worker expected rpc/request, got %+v", got)
	}
	var call protocol.RpcCall
	if err := got[0].Bind(&call); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if call.RequestID != res.RequestID || call.Origin != "origin" || string(call.Payload) != `{"op":"sum"}` {
		t.Fatalf("unexpected call %+v", call)
	}
	if f.coord.Pending() != 1 || f.coord.PendingFor("origin") != 1 {
		t.Fatalf("expected one pending entry")
	}
}

func TestRequestUnknownChannel(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.coord.Request("origin", "nope", nil, 0)
	if !errors.Is(err, protocol.ErrChannelNotFound) {
		t.Fatalf("expected channel-not-found, got %v", err)
	}
	if f.coord.Pending() != 0 {
		t.Fatalf("failed request must not stay pending")
	}
}

func TestResponseDeliveredExactlyOnce(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.coord.Request("origin", "svc", json.RawMessage(`1`), 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp := protocol.RpcResponse{RequestID: res.RequestID, Payload: json.RawMessage(`2`)}
	if err := f.coord.Response("worker", resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	err = f.coord.Response("worker", resp)
	if !errors.Is(err, protocol.ErrRequestNotFound) {
		t.Fatalf("expected request-not-found on duplicate, got %v", err)
	}

	got := f.sender.responses(t, "origin")
	if len(got) != 1 || string(got[0].Payload) != "2" {
		t.Fatalf("origin expected exactly one response, got %+v", got)
	}
	if len(f.sender.responses(t, "worker")) != 0 {
		t.Fatalf("responder must not receive the response")
	}
	if f.coord.Pending() != 0 || f.coord.PendingFor("origin") != 0 {
		t.Fatalf("entry not removed")
	}
	if f.rec.Count(telemetry.EventRpcResponse) != 1 {
		t.Fatalf("expected one rpc-response event")
	}
}

func TestScenarioSweepExpiresRequest(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.coord.Request("origin", "svc", json.RawMessage(`1`), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if expired := f.coord.Sweep(time.UnixMilli(100)); len(expired) != 0 {
		t.Fatalf("request expired too early: %v", expired)
	}

	f.clock.Set(150)
	expired := f.coord.Sweep(f.clock.Now())
	if len(expired) != 1 || expired[0] != res.RequestID {
		t.Fatalf("expected %s to expire, got %v", res.RequestID, expired)
	}
	if f.rec.Count(telemetry.EventRpcTimeout) != 1 {
		t.Fatalf("expected rpc-timeout telemetry")
	}
	got := f.sender.responses(t, "origin")
	if len(got) != 1 || got[0].Error != protocol.ReasonTimeout {
		t.Fatalf("origin expected timeout notice, got %+v", got)
	}

	f.clock.Set(200)
	err = f.coord.Response("worker", protocol.RpcResponse{RequestID: res.RequestID, Payload: json.RawMessage(`1`)})
	if !errors.Is(err, protocol.ErrRequestNotFound) {
		t.Fatalf("expected request-not-found, got %v", err)
	}
}

func TestChannelTimeoutUsedWhenRequestOmitsIt(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.broker.Create("slow", broker.ChannelConfig{RpcTimeout: 5 * time.Second}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.coord.Request("origin", "slow", nil, 0); err != nil {
		t.Fatalf("request: %v", err)
	}
	if expired := f.coord.Sweep(time.UnixMilli(4000)); len(expired) != 0 {
		t.Fatalf("channel timeout ignored")
	}
	if expired := f.coord.Sweep(time.UnixMilli(5001)); len(expired) != 1 {
		t.Fatalf("expected expiry after channel timeout")
	}
}

func TestPendingCapPerConnection(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 2; i++ {
		if _, err := f.coord.Request("origin", "svc", nil, 0); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	_, err := f.coord.Request("origin", "svc", nil, 0)
	if !errors.Is(err, protocol.ErrTooManyPending) {
		t.Fatalf("expected too-many-pending-requests, got %v", err)
	}
	if _, err := f.coord.Request("worker", "svc", nil, 0); err != nil {
		t.Fatalf("other connection must not be limited: %v", err)
	}
}

func TestRemoveOrigin(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.coord.Request("origin", "svc", nil, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.coord.Request("worker", "svc", nil, 0); err != nil {
		t.Fatalf("request: %v", err)
	}
	if n := f.coord.RemoveOrigin("origin"); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if n := f.coord.RemoveOrigin("origin"); n != 0 {
		t.Fatalf("expected nothing left, got %d", n)
	}
	if f.coord.Pending() != 1 {
		t.Fatalf("worker request must survive")
	}
	err = f.coord.Response("worker", protocol.RpcResponse{RequestID: res.RequestID})
	if !errors.Is(err, protocol.ErrRequestNotFound) {
		t.Fatalf("expected request-not-found, got %v", err)
	}
}
