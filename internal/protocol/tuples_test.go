package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestHandshakeArities(t *testing.T) {
	tests := []struct {
		input string
		want  Handshake
	}{
		{`["u1","tok"]`, Handshake{UID: "u1", SessionToken: "tok"}},
		{`["u1","tok",{"version":2}]`, Handshake{UID: "u1", SessionToken: "tok", ServerMetadata: json.RawMessage(`{"version":2}`)}},
		{`["u1","tok",null,true]`, Handshake{UID: "u1", SessionToken: "tok", IsFirst: true}},
		{`["u1","tok",{"version":2},false]`, Handshake{UID: "u1", SessionToken: "tok", ServerMetadata: json.RawMessage(`{"version":2}`)}},
		{`[null,"tok"]`, Handshake{SessionToken: "tok"}},
	}
	for _, tt := range tests {
		var got Handshake
		if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.input, err)
		}
		if got.UID != tt.want.UID || got.SessionToken != tt.want.SessionToken || got.IsFirst != tt.want.IsFirst ||
			!bytes.Equal(got.ServerMetadata, tt.want.ServerMetadata) {
			t.Fatalf("unmarshal %s: got %+v want %+v", tt.input, got, tt.want)
		}
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	tests := []struct {
		in   Handshake
		wire string
	}{
		{Handshake{UID: "u1", SessionToken: "tok"}, `["u1","tok"]`},
		{Handshake{UID: "u1", SessionToken: "tok", ServerMetadata: json.RawMessage(`{"v":1}`)}, `["u1","tok",{"v":1}]`},
		{Handshake{UID: "u1", SessionToken: "tok", IsFirst: true}, `["u1","tok",null,true]`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.in)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(data) != tt.wire {
			t.Fatalf("marshal %+v: got %s want %s", tt.in, data, tt.wire)
		}
		var out Handshake
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.UID != tt.in.UID || out.SessionToken != tt.in.SessionToken || out.IsFirst != tt.in.IsFirst ||
			!bytes.Equal(out.ServerMetadata, tt.in.ServerMetadata) {
			t.Fatalf("round trip mismatch: in=%+v out=%+v", tt.in, out)
		}
	}
}

func TestHandshakeRejectsBadArity(t *testing.T) {
	for _, in := range []string{`["only"]`, `["a","b",null,true,1]`, `{"uid":"a"}`, `["a","b",null,"yes"]`} {
		var h Handshake
		if err := json.Unmarshal([]byte(in), &h); !errors.Is(err, ErrValidation) {
			t.Errorf("unmarshal %s: expected validation error, got %v", in, err)
		}
	}
}

func TestReplyEvent(t *testing.T) {
	event, err := NewReply("cb-9", SubscribeReply{ChannelID: "chat", Success: true, SubscriberCount: 1})
	if err != nil {
		t.Fatalf("new reply: %v", err)
	}
	if event.ID != EventReply {
		t.Fatalf("unexpected id %s", event.ID)
	}
	var reply RpcReply
	if err := json.Unmarshal(event.Payload, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.CorrelationID != "cb-9" {
		t.Fatalf("unexpected correlation id %q", reply.CorrelationID)
	}
	var body SubscribeReply
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if !body.Success || body.ChannelID != "chat" || body.SubscriberCount != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestReplyRejectsMissingCorrelation(t *testing.T) {
	var reply RpcReply
	if err := json.Unmarshal([]byte(`[{"a":1},""]`), &reply); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
