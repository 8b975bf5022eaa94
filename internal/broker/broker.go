// Package broker keeps the channel table of one server instance.
package broker

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/telemetry"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/utils"
)

type Options struct {
	AutoCreate    bool
	DefaultConfig ChannelConfig
	Sender        connection.MessageSender
	Codec         protocol.Codec
	Telemetry     telemetry.Sink
	Now           func() time.Time
}

// Broker owns the channel table and the connection->channels index. Both
// indices change together under mu.
type Broker struct {
	mu           sync.RWMutex
	channels     map[string]*channel
	connChannels map[string]map[string]struct{}

	autoCreate    bool
	defaultConfig ChannelConfig
	sender        connection.MessageSender
	codec         protocol.Codec
	telemetry     telemetry.Sink
	now           func() time.Time
}

func New(opts Options) *Broker {
	b := &Broker{
		channels:      make(map[string]*channel),
		connChannels:  make(map[string]map[string]struct{}),
		autoCreate:    opts.AutoCreate,
		defaultConfig: opts.DefaultConfig,
		sender:        opts.Sender,
		codec:         opts.Codec,
		telemetry:     opts.Telemetry,
		now:           opts.Now,
	}
	if b.codec == nil {
		b.codec = protocol.DefaultCodec
	}
	if b.telemetry == nil {
		b.telemetry = telemetry.Nop
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

type SubscribeResult struct {
	SubscriberCount  int
	RetainedMessages []protocol.ChannelMessage
	Created          bool
}

type PublishResult struct {
	MessageID   string
	DeliveredTo int
}

// Create registers a channel. Creating an existing channel with the same
// config is a no-op, a different config is a conflict.
func (b *Broker) Create(id string, cfg ChannelConfig) (bool, error) {
	if id == "" {
		return false, protocol.Validationf("missing channel_id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[id]; ok {
		if ch.config != cfg {
			return false, protocol.NewError(protocol.KindConflict, protocol.ReasonChannelConflict,
				"channel %s already exists with a different config", id)
		}
		return false, nil
	}
	b.createLocked(id, cfg)
	return true, nil
}

func (b *Broker) createLocked(id string, cfg ChannelConfig) *channel {
	ch := newChannel(id, cfg, b.now())
	b.channels[id] = ch
	logger.DebugF("Channel %s created, max_subscribers=%d, retention=%d", id, cfg.MaxSubscribers, cfg.RetentionCount)
	b.telemetry.Emit(telemetry.EventChannelCreated, telemetry.Fields{
		"channel_id":      id,
		"max_subscribers": cfg.MaxSubscribers,
		"retention_count": cfg.RetentionCount,
	})
	return ch
}

// Subscribe adds connID to channel id and returns the retained messages for
// catch-up. Subscribing twice keeps a single membership.
func (b *Broker) Subscribe(connID, id string) (SubscribeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	created := false
	ch, ok := b.channels[id]
	if !ok {
		if !b.autoCreate {
			return SubscribeResult{}, protocol.NewError(protocol.KindNotFound, protocol.ReasonChannelNotFound, "channel %s", id)
		}
		ch = b.createLocked(id, b.defaultConfig)
		created = true
	}

	if _, already := ch.subscribers[connID]; !already {
		if ch.full() {
			b.telemetry.Emit(telemetry.EventCapacityExceeded, telemetry.Fields{
				"channel_id":      id,
				"conn_id":         connID,
				"max_subscribers": ch.config.MaxSubscribers,
			})
			return SubscribeResult{}, protocol.NewError(protocol.KindCapacity, protocol.ReasonCapacityExceeded,
				"channel %s has %d subscribers", id, len(ch.subscribers))
		}
		ch.subscribers[connID] = struct{}{}
		set, ok := b.connChannels[connID]
		if !ok {
			set = make(map[string]struct{})
			b.connChannels[connID] = set
		}
		set[id] = struct{}{}
		b.telemetry.Emit(telemetry.EventSubscriptionAdded, telemetry.Fields{
			"channel_id":       id,
			"conn_id":          connID,
			"subscriber_count": len(ch.subscribers),
		})
	}

	return SubscribeResult{
		SubscriberCount:  len(ch.subscribers),
		RetainedMessages: ch.retained.items(),
		Created:          created,
	}, nil
}

// Unsubscribe removes connID from channel id. It is a no-op when connID is
// not subscribed or the channel does not exist; the returned count is the
// remaining number of subscribers.
func (b *Broker) Unsubscribe(connID, id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[id]
	if !ok {
		return 0
	}
	b.removeLocked(connID, ch)
	return len(ch.subscribers)
}

func (b *Broker) removeLocked(connID string, ch *channel) {
	if _, ok := ch.subscribers[connID]; !ok {
		return
	}
	delete(ch.subscribers, connID)
	if set, ok := b.connChannels[connID]; ok {
		delete(set, ch.id)
		if len(set) == 0 {
			delete(b.connChannels, connID)
		}
	}
	b.telemetry.Emit(telemetry.EventSubscriptionRemoved, telemetry.Fields{
		"channel_id":       ch.id,
		"conn_id":          connID,
		"subscriber_count": len(ch.subscribers),
	})
}

// UnsubscribeAll drops every subscription of connID and returns the channels
// it left.
func (b *Broker) UnsubscribeAll(connID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.connChannels[connID]
	if !ok {
		return nil
	}
	left := make([]string, 0, len(set))
	for id := range set {
		if ch, ok := b.channels[id]; ok {
			delete(ch.subscribers, connID)
		}
		left = append(left, id)
	}
	delete(b.connChannels, connID)
	sort.Strings(left)
	if len(left) > 0 {
		b.telemetry.Emit(telemetry.EventSubscriptionRemoved, telemetry.Fields{
			"conn_id":  connID,
			"channels": left,
		})
	}
	return left
}

// Publish retains payload on channel id and fans it out to the subscribers
// present at the time of the call. Delivery happens outside the lock.
func (b *Broker) Publish(id string, payload json.RawMessage, senderID string, excludeSender bool) (PublishResult, error) {
	b.mu.Lock()
	ch, ok := b.channels[id]
	if !ok {
		b.mu.Unlock()
		b.telemetry.Emit(telemetry.EventMessageRejected, telemetry.Fields{
			"channel_id": id,
			"conn_id":    senderID,
			"reason":     protocol.ReasonChannelNotFound,
		})
		return PublishResult{}, protocol.NewError(protocol.KindNotFound, protocol.ReasonChannelNotFound, "channel %s", id)
	}
	msg := protocol.ChannelMessage{
		ChannelID: id,
		MessageID: utils.NewMessageID(),
		Payload:   payload,
		SenderID:  senderID,
		Timestamp: b.now().UnixMilli(),
	}
	ch.retained.push(msg)
	exclude := ""
	if excludeSender {
		exclude = senderID
	}
	targets := ch.snapshot(exclude)
	b.mu.Unlock()

	delivered, err := b.fanOut(targets, protocol.EventMessage, msg)
	if err != nil {
		return PublishResult{}, err
	}
	b.telemetry.Emit(telemetry.EventMessagePublished, telemetry.Fields{
		"channel_id":   id,
		"message_id":   msg.MessageID,
		"conn_id":      senderID,
		"delivered_to": delivered,
	})
	return PublishResult{MessageID: msg.MessageID, DeliveredTo: delivered}, nil
}

// Broadcast sends v as event to the current subscribers of channel id except
// exclude, without retaining it.
func (b *Broker) Broadcast(id string, event protocol.EventID, v any, exclude string) (int, error) {
	b.mu.RLock()
	ch, ok := b.channels[id]
	if !ok {
		b.mu.RUnlock()
		return 0, protocol.NewError(protocol.KindNotFound, protocol.ReasonChannelNotFound, "channel %s", id)
	}
	targets := ch.snapshot(exclude)
	b.mu.RUnlock()
	return b.fanOut(targets, event, v)
}

func (b *Broker) fanOut(targets []string, id protocol.EventID, v any) (int, error) {
	if len(targets) == 0 || b.sender == nil {
		return 0, nil
	}
	event, err := protocol.NewEvent(id, v)
	if err != nil {
		return 0, err
	}
	data, err := b.codec.Encode(event)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, connID := range targets {
		if err := b.sender.SendMessage(connID, data); err != nil {
			logger.WarnF("[%s] Fail to deliver %s, details: %v", connID, id, err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Delete removes channel id after force-unsubscribing its subscribers, who
// are told with a channel/deleted event. Publishes that already took their
// snapshot finish first.
func (b *Broker) Delete(id string) (bool, error) {
	b.mu.Lock()
	ch, ok := b.channels[id]
	if !ok {
		b.mu.Unlock()
		return false, nil
	}
	targets := ch.snapshot("")
	for _, connID := range targets {
		b.removeLocked(connID, ch)
	}
	delete(b.channels, id)
	b.mu.Unlock()

	b.telemetry.Emit(telemetry.EventChannelDeleted, telemetry.Fields{
		"channel_id":  id,
		"subscribers": len(targets),
	})
	if _, err := b.fanOut(targets, protocol.EventChannelDeleted, protocol.ChannelDeleted{ChannelID: id}); err != nil {
		return true, err
	}
	return true, nil
}

func (b *Broker) Channel(id string) (Info, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[id]
	if !ok {
		return Info{}, false
	}
	return ch.info(), true
}

// Channels lists every channel sorted by id.
func (b *Broker) Channels() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Info, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscriptions returns the channels connID is subscribed to.
func (b *Broker) Subscriptions(connID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.connChannels[connID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SubscriberCount returns 0 for unknown channels.
func (b *Broker) SubscriberCount(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ch, ok := b.channels[id]; ok {
		return len(ch.subscribers)
	}
	return 0
}

// ChannelCount is exported as a gauge.
func (b *Broker) ChannelCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}
