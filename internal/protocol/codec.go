package protocol

import (
	"bytes"
	"encoding/json"
)

// DefaultMaxFrameSize bounds a single decoded frame.
const DefaultMaxFrameSize = 1 << 20

// Codec turns events into transport frames and back.
type Codec interface {
	Encode(event Event) ([]byte, error)
	Decode(data []byte) (Event, error)
}

// JSONCodec encodes events as JSON arrays: [event_id, payload] or
// [event_id, payload, callback_id]. Payloads are stored compacted.
type JSONCodec struct {
	MaxFrameSize int
}

// DefaultCodec is the codec used when none is injected.
var DefaultCodec Codec = JSONCodec{}

func (c JSONCodec) maxFrameSize() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

func (c JSONCodec) Encode(event Event) ([]byte, error) {
	if err := event.ID.validate(); err != nil {
		return nil, err
	}
	payload := json.RawMessage("null")
	if len(event.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, event.Payload); err != nil {
			return nil, Validationf("%s: payload is not valid JSON: %v", event.ID, err)
		}
		payload = buf.Bytes()
	}
	frame := []any{string(event.ID), payload}
	if event.CallbackID != "" {
		frame = append(frame, event.CallbackID)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, Validationf("encode %s: %v", event.ID, err)
	}
	if len(data) > c.maxFrameSize() {
		return nil, Validationf("frame of %d bytes exceeds limit %d", len(data), c.maxFrameSize())
	}
	return data, nil
}

func (c JSONCodec) Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, Validationf("empty frame")
	}
	if len(data) > c.maxFrameSize() {
		return Event{}, Validationf("frame of %d bytes exceeds limit %d", len(data), c.maxFrameSize())
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Event{}, Validationf("frame is not a JSON array: %v", err)
	}
	if len(parts) < 1 || len(parts) > 3 {
		return Event{}, Validationf("frame has %d elements, expected 1-3", len(parts))
	}

	var id string
	if err := json.Unmarshal(parts[0], &id); err != nil {
		return Event{}, Validationf("event id is not a string")
	}
	event := Event{ID: EventID(id)}
	if err := event.ID.validate(); err != nil {
		return Event{}, err
	}
	if len(parts) > 1 && !isNull(parts[1]) {
		event.Payload = parts[1]
	}
	if len(parts) > 2 && !isNull(parts[2]) {
		if err := json.Unmarshal(parts[2], &event.CallbackID); err != nil {
			return Event{}, Validationf("callback id is not a string")
		}
	}
	return event, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
