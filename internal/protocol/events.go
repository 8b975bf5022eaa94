// Package protocol implements the chsk event envelope, its system messages and the
// error taxonomy shared by the broker and the client.
package protocol

import (
	"encoding/json"
	"strings"
)

// EventID is a namespaced event name such as "channel/publish".
type EventID string

const (
	EventHandshake      EventID = "connect/handshake"
	EventPing           EventID = "chsk/ping"
	EventPong           EventID = "chsk/pong"
	EventReply          EventID = "chsk/reply"
	EventSubscribe      EventID = "channel/subscribe"
	EventUnsubscribe    EventID = "channel/unsubscribe"
	EventPublish        EventID = "channel/publish"
	EventMessage        EventID = "channel/message"
	EventChannelDeleted EventID = "channel/deleted"
	EventRpcRequest     EventID = "rpc/request"
	EventRpcResponse    EventID = "rpc/response"
)

var systemNamespaces = []string{"chsk/", "connect/"}

// Namespace returns the part of the id before the first slash.
func (id EventID) Namespace() string {
	ns, _, _ := strings.Cut(string(id), "/")
	return ns
}

// IsSystem reports whether id belongs to the reserved protocol namespaces.
func (id EventID) IsSystem() bool {
	for _, prefix := range systemNamespaces {
		if strings.HasPrefix(string(id), prefix) {
			return true
		}
	}
	return false
}

func (id EventID) validate() error {
	ns, name, found := strings.Cut(string(id), "/")
	if !found || ns == "" || name == "" {
		return Validationf("event id %q is not namespaced", string(id))
	}
	return nil
}

// Event is the envelope (event_id, payload). CallbackID is set on requests that
// expect a chsk/reply.
type Event struct {
	ID         EventID
	Payload    json.RawMessage
	CallbackID string
}

// NewEvent marshals v as the payload of a new event.
func NewEvent(id EventID, v any) (Event, error) {
	if v == nil {
		return Event{ID: id}, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Event{}, Validationf("marshal %s payload: %v", id, err)
	}
	return Event{ID: id, Payload: payload}, nil
}

// Bind unmarshals the payload into v.
func (e Event) Bind(v any) error {
	if len(e.Payload) == 0 {
		return Validationf("%s: missing payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return Validationf("%s: %v", e.ID, err)
	}
	if validator, ok := v.(interface{ Validate() error }); ok {
		return validator.Validate()
	}
	return nil
}

// NewReply answers the request identified by callbackID with v.
func NewReply(callbackID string, v any) (Event, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Event{}, Validationf("marshal reply: %v", err)
	}
	return NewEvent(EventReply, RpcReply{Payload: payload, CorrelationID: callbackID})
}
