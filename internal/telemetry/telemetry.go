// Package telemetry carries fire-and-forget broker events to log, metrics and
// storage sinks.
package telemetry

import (
	"log/slog"
	"sort"
	"sync"
)

const (
	EventConnectionOpened    = "connection-opened"
	EventConnectionClosed    = "connection-closed"
	EventConnectionRejected  = "connection-rejected"
	EventChannelCreated      = "channel-created"
	EventChannelDeleted      = "channel-deleted"
	EventSubscriptionAdded   = "subscription-added"
	EventSubscriptionRemoved = "subscription-removed"
	EventCapacityExceeded    = "capacity-exceeded"
	EventMessagePublished    = "message-published"
	EventMessageRejected     = "message-rejected"
	EventRpcRequest          = "rpc-request"
	EventRpcResponse         = "rpc-response"
	EventRpcTimeout          = "rpc-timeout"
	EventHeartbeatTimeout    = "heartbeat-timeout"
)

// Fields is the structured body of an event.
type Fields map[string]any

// Sink receives events. Emit must not block the caller.
type Sink interface {
	Emit(event string, fields Fields)
}

type nopSink struct{}

func (nopSink) Emit(string, Fields) {}

// Nop discards every event.
var Nop Sink = nopSink{}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(event string, fields Fields) {
	for _, s := range m {
		s.Emit(event, fields)
	}
}

// LogSink writes events at debug level through slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(event string, fields Fields) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	log.Debug("telemetry "+event, args...)
}

// Recorder keeps events in memory; tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

type Recorded struct {
	Event  string
	Fields Fields
}

func (r *Recorder) Emit(event string, fields Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Event: event, Fields: fields})
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Count returns how many times event was emitted.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}
