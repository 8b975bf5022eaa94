package protocol

import (
	"encoding/json"
)

// Handshake is sent by the server on open as (uid, session_token, server_metadata?, is_first?).
// Older peers send only the first two or three elements.
type Handshake struct {
	UID            string
	SessionToken   string
	ServerMetadata json.RawMessage
	IsFirst        bool
}

// MarshalJSON emits the shortest tuple that carries every set field.
func (h Handshake) MarshalJSON() ([]byte, error) {
	tuple := []any{h.UID, h.SessionToken}
	var metadata any
	if len(h.ServerMetadata) > 0 {
		metadata = h.ServerMetadata
	}
	switch {
	case h.IsFirst:
		tuple = append(tuple, metadata, true)
	case metadata != nil:
		tuple = append(tuple, metadata)
	}
	return json.Marshal(tuple)
}

func (h *Handshake) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Validationf("handshake is not a tuple: %v", err)
	}
	if len(parts) < 2 || len(parts) > 4 {
		return Validationf("handshake has %d elements, expected 2-4", len(parts))
	}
	out := Handshake{}
	if !isNull(parts[0]) {
		if err := json.Unmarshal(parts[0], &out.UID); err != nil {
			return Validationf("handshake uid is not a string")
		}
	}
	if !isNull(parts[1]) {
		if err := json.Unmarshal(parts[1], &out.SessionToken); err != nil {
			return Validationf("handshake session token is not a string")
		}
	}
	if len(parts) > 2 && !isNull(parts[2]) {
		out.ServerMetadata = append(json.RawMessage(nil), parts[2]...)
	}
	if len(parts) > 3 && !isNull(parts[3]) {
		if err := json.Unmarshal(parts[3], &out.IsFirst); err != nil {
			return Validationf("handshake is_first is not a boolean")
		}
	}
	*h = out
	return nil
}

// RpcReply is the (payload, correlation_id) tuple carried by chsk/reply.
type RpcReply struct {
	Payload       json.RawMessage
	CorrelationID string
}

func (r RpcReply) MarshalJSON() ([]byte, error) {
	var payload any
	if len(r.Payload) > 0 {
		payload = r.Payload
	}
	return json.Marshal([]any{payload, r.CorrelationID})
}

func (r *RpcReply) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Validationf("reply is not a tuple: %v", err)
	}
	if len(parts) != 2 {
		return Validationf("reply has %d elements, expected 2", len(parts))
	}
	out := RpcReply{}
	if !isNull(parts[0]) {
		out.Payload = append(json.RawMessage(nil), parts[0]...)
	}
	if err := json.Unmarshal(parts[1], &out.CorrelationID); err != nil || out.CorrelationID == "" {
		return Validationf("reply correlation id must be a non-empty string")
	}
	*r = out
	return nil
}
