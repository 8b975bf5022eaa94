// Package rpc correlates requests published on a channel with the responses
// sent back by its subscribers.
package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/telemetry"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/utils"
)

const (
	resolutionAnswered     = "answered"
	resolutionTimeout      = "timeout"
	resolutionOriginClosed = "origin-closed"
)

// Channels is the part of the broker the coordinator needs.
type Channels interface {
	Channel(id string) (broker.Info, bool)
	Broadcast(id string, event protocol.EventID, v any, exclude string) (int, error)
}

type Options struct {
	Channels          Channels
	Sender            connection.MessageSender
	Codec             protocol.Codec
	Telemetry         telemetry.Sink
	Now               func() time.Time
	DefaultTimeout    time.Duration
	MaxPendingPerConn int
	ResolvedCacheSize int
	ResolvedCacheTTL  time.Duration
}

type pending struct {
	id        string
	origin    string
	channelID string
	createdAt time.Time
	timeout   time.Duration
}

// Coordinator holds the pending request table. Entries leave the table on
// their first response or when Sweep finds them expired.
type Coordinator struct {
	mu       sync.Mutex
	pending  map[string]*pending
	byOrigin map[string]int

	// resolved remembers recently finished ids so late duplicates can be told
	// apart from unknown ids in the logs.
	resolved *expirable.LRU[string, string]

	channels       Channels
	sender         connection.MessageSender
	codec          protocol.Codec
	telemetry      telemetry.Sink
	now            func() time.Time
	defaultTimeout time.Duration
	maxPending     int
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		pending:        make(map[string]*pending),
		byOrigin:       make(map[string]int),
		channels:       opts.Channels,
		sender:         opts.Sender,
		codec:          opts.Codec,
		telemetry:      opts.Telemetry,
		now:            opts.Now,
		defaultTimeout: opts.DefaultTimeout,
		maxPending:     opts.MaxPendingPerConn,
	}
	if c.codec == nil {
		c.codec = protocol.DefaultCodec
	}
	if c.telemetry == nil {
		c.telemetry = telemetry.Nop
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.defaultTimeout <= 0 {
		c.defaultTimeout = 30 * time.Second
	}
	size := opts.ResolvedCacheSize
	if size <= 0 {
		size = 4096
	}
	ttl := opts.ResolvedCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.resolved = expirable.NewLRU[string, string](size, nil, ttl)
	return c
}

// Result is returned to the requester as the RPC ack.
type Result struct {
	RequestID   string
	ChannelID   string
	DeliveredTo int
}

// Request records a pending entry and forwards the call to the subscribers of
// channelID, origin excluded. A zero timeout falls back to the channel's
// rpc timeout, then to the coordinator default.
func (c *Coordinator) Request(origin, channelID string, payload json.RawMessage, timeout time.Duration) (Result, error) {
	info, ok := c.channels.Channel(channelID)
	if !ok {
		return Result{}, protocol.NewError(protocol.KindNotFound, protocol.ReasonChannelNotFound, "channel %s", channelID)
	}
	if timeout <= 0 {
		timeout = info.Config.RpcTimeout
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	now := c.now()
	entry := &pending{
		id:        utils.NewRequestID(now),
		origin:    origin,
		channelID: channelID,
		createdAt: now,
		timeout:   timeout,
	}

	c.mu.Lock()
	if c.maxPending > 0 && c.byOrigin[origin] >= c.maxPending {
		c.mu.Unlock()
		return Result{}, protocol.NewError(protocol.KindCapacity, protocol.ReasonTooManyPending,
			"connection %s has %d pending requests", origin, c.maxPending)
	}
	if _, exists := c.pending[entry.id]; exists {
		c.mu.Unlock()
		return Result{}, protocol.NewError(protocol.KindConflict, protocol.ReasonInternal, "request id %s collided", entry.id)
	}
	c.pending[entry.id] = entry
	c.byOrigin[origin]++
	c.mu.Unlock()

	delivered, err := c.channels.Broadcast(channelID, protocol.EventRpcRequest, protocol.RpcCall{
		ChannelID: channelID,
		RequestID: entry.id,
		Origin:    origin,
		Payload:   payload,
	}, origin)
	if err != nil {
		c.mu.Lock()
		c.removeLocked(entry)
		c.mu.Unlock()
		return Result{}, err
	}

	logger.DebugF("[%s] RPC %s sent to %s, delivered to %d", origin, entry.id, channelID, delivered)
	c.telemetry.Emit(telemetry.EventRpcRequest, telemetry.Fields{
		"request_id":   entry.id,
		"conn_id":      origin,
		"channel_id":   channelID,
		"timeout_ms":   timeout.Milliseconds(),
		"delivered_to": delivered,
	})
	return Result{RequestID: entry.id, ChannelID: channelID, DeliveredTo: delivered}, nil
}

func (c *Coordinator) removeLocked(entry *pending) {
	delete(c.pending, entry.id)
	if n := c.byOrigin[entry.origin] - 1; n > 0 {
		c.byOrigin[entry.origin] = n
	} else {
		delete(c.byOrigin, entry.origin)
	}
}

// Response delivers resp to the origin of the request, at most once. Unknown,
// expired or already answered ids yield ErrRequestNotFound.
func (c *Coordinator) Response(responder string, resp protocol.RpcResponse) error {
	c.mu.Lock()
	entry, ok := c.pending[resp.RequestID]
	if ok {
		c.removeLocked(entry)
	}
	c.mu.Unlock()

	if !ok {
		if why, seen := c.resolved.Get(resp.RequestID); seen {
			logger.DebugF("[%s] Duplicate response for %s swallowed, request already %s", responder, resp.RequestID, why)
		} else {
			logger.DebugF("[%s] Response for unknown request %s", responder, resp.RequestID)
		}
		return protocol.NewError(protocol.KindNotFound, protocol.ReasonRequestNotFound, "request %s", resp.RequestID)
	}
	c.resolved.Add(entry.id, resolutionAnswered)

	elapsed := c.now().Sub(entry.createdAt)
	c.telemetry.Emit(telemetry.EventRpcResponse, telemetry.Fields{
		"request_id": entry.id,
		"conn_id":    responder,
		"origin":     entry.origin,
		"channel_id": entry.channelID,
		"elapsed_ms": elapsed.Milliseconds(),
		"error":      resp.Error,
	})
	return c.deliver(entry.origin, resp)
}

func (c *Coordinator) deliver(origin string, resp protocol.RpcResponse) error {
	if c.sender == nil {
		return nil
	}
	event, err := protocol.NewEvent(protocol.EventRpcResponse, resp)
	if err != nil {
		return err
	}
	data, err := c.codec.Encode(event)
	if err != nil {
		return err
	}
	if err := c.sender.SendMessage(origin, data); err != nil {
		logger.WarnF("[%s] Fail to deliver response %s, details: %v", origin, resp.RequestID, err)
		return protocol.NewError(protocol.KindTransport, protocol.ReasonTransportClosed, "origin %s: %v", origin, err)
	}
	return nil
}

// Sweep removes every entry older than its timeout and tells each origin its
// request timed out. It returns the expired ids.
func (c *Coordinator) Sweep(now time.Time) []string {
	var expired []*pending
	c.mu.Lock()
	for _, entry := range c.pending {
		if now.Sub(entry.createdAt) > entry.timeout {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		c.removeLocked(entry)
	}
	c.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, entry := range expired {
		ids = append(ids, entry.id)
		c.resolved.Add(entry.id, resolutionTimeout)
		logger.DebugF("[%s] RPC %s on %s timed out after %v", entry.origin, entry.id, entry.channelID, entry.timeout)
		c.telemetry.Emit(telemetry.EventRpcTimeout, telemetry.Fields{
			"request_id": entry.id,
			"conn_id":    entry.origin,
			"channel_id": entry.channelID,
			"timeout_ms": entry.timeout.Milliseconds(),
		})
		_ = c.deliver(entry.origin, protocol.RpcResponse{RequestID: entry.id, Error: protocol.ReasonTimeout})
	}
	return ids
}

// RemoveOrigin drops the requests of a closed connection.
func (c *Coordinator) RemoveOrigin(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byOrigin[connID] == 0 {
		return 0
	}
	removed := 0
	for _, entry := range c.pending {
		if entry.origin == connID {
			c.removeLocked(entry)
			c.resolved.Add(entry.id, resolutionOriginClosed)
			removed++
		}
	}
	return removed
}

// Pending returns the number of outstanding requests.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) PendingFor(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byOrigin[connID]
}

// Run sweeps every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := c.Sweep(c.now()); len(expired) > 0 {
				logger.InfoF("RPC sweep expired %d requests, %d pending", len(expired), c.Pending())
			}
		}
	}
}
