package broker

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
)

// ChannelConfig limits one channel. A zero MaxSubscribers means unlimited,
// a zero RetentionCount disables retention.
type ChannelConfig struct {
	MaxSubscribers int
	RetentionCount int
	RpcTimeout     time.Duration
}

// ConfigFromSettings converts the file representation of a channel.
func ConfigFromSettings(s config.ChannelSettings) ChannelConfig {
	return ChannelConfig{
		MaxSubscribers: s.MaxSubscribers,
		RetentionCount: s.RetentionCount,
		RpcTimeout:     time.Duration(s.RpcTimeoutMs) * time.Millisecond,
	}
}

// Info is a read-only view of a channel.
type Info struct {
	ID              string
	Config          ChannelConfig
	SubscriberCount int
	RetainedCount   int
	CreatedAt       time.Time
}

type channel struct {
	id          string
	config      ChannelConfig
	subscribers map[string]struct{}
	retained    *ring
	createdAt   time.Time
}

func newChannel(id string, cfg ChannelConfig, now time.Time) *channel {
	return &channel{
		id:          id,
		config:      cfg,
		subscribers: make(map[string]struct{}),
		retained:    newRing(cfg.RetentionCount),
		createdAt:   now,
	}
}

func (c *channel) full() bool {
	return c.config.MaxSubscribers > 0 && len(c.subscribers) >= c.config.MaxSubscribers
}

// snapshot copies the subscriber set, leaving out exclude.
func (c *channel) snapshot(exclude string) []string {
	out := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (c *channel) info() Info {
	return Info{
		ID:              c.id,
		Config:          c.config,
		SubscriberCount: len(c.subscribers),
		RetainedCount:   c.retained.len(),
		CreatedAt:       c.createdAt,
	}
}

// ring is a fixed size FIFO that overwrites its oldest entry when full.
type ring struct {
	buf   []protocol.ChannelMessage
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{buf: make([]protocol.ChannelMessage, capacity)}
}

func (r *ring) push(msg protocol.ChannelMessage) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = msg
		r.size++
		return
	}
	r.buf[r.start] = msg
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int {
	return r.size
}

// items returns the retained messages oldest first.
func (r *ring) items() []protocol.ChannelMessage {
	out := make([]protocol.ChannelMessage, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
