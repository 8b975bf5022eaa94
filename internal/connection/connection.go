// Package connection 实现了服务器的连接管理功能
package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
)

var (
	ErrSendQueueFull     = errors.New("send queue full")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrConnectionUnknown = errors.New("connection not registered")
)

// Transport 连接底层的双工传输
type Transport interface {
	Write(data []byte) error
	Close() error
	RemoteAddr() string
}

// Stats 连接计数器的快照
type Stats struct {
	Received     uint64
	Sent         uint64
	Dropped      uint64
	OpenedAt     time.Time
	LastActivity time.Time
	LastPong     time.Time
}

// Connection 表示一个客户端连接，发送的数据先进入有界队列，由 WriteLoop 写出
type Connection struct {
	ID        string
	UID       string
	Transport Transport
	OpenedAt  time.Time

	lastActivity atomic.Int64
	lastPong     atomic.Int64
	received     atomic.Uint64
	sent         atomic.Uint64
	dropped      atomic.Uint64

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(id, uid string, transport Transport, queueSize int, now time.Time) *Connection {
	if queueSize <= 0 {
		queueSize = 64
	}
	c := &Connection{
		ID:        id,
		UID:       uid,
		Transport: transport,
		OpenedAt:  now,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	c.lastPong.Store(now.UnixNano())
	return c
}

// Enqueue 非阻塞地将数据加入发送队列
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.dropped.Add(1)
		return ErrSendQueueFull
	}
}

// WriteLoop 持续写出发送队列，直到连接关闭
func (c *Connection) WriteLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.Transport.Write(data); err != nil {
				if !IsNetClosedError(err) {
					logger.WarnF("[%s] Fail to send data, details: %v", c.ID, err)
				}
				c.Close()
				return
			}
			c.sent.Add(1)
		}
	}
}

// Close 关闭连接，可重复调用
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.Transport.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.ID, err)
		}
	})
}

// Done 在连接关闭后关闭
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Touch 记录收到的数据
func (c *Connection) Touch(now time.Time) {
	c.received.Add(1)
	c.lastActivity.Store(now.UnixNano())
}

// RecordPong 更新 last_pong，时间不会回退
func (c *Connection) RecordPong(at time.Time) {
	next := at.UnixNano()
	for {
		current := c.lastPong.Load()
		if next <= current {
			return
		}
		if c.lastPong.CompareAndSwap(current, next) {
			return
		}
	}
}

func (c *Connection) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		Sent:         c.sent.Load(),
		Dropped:      c.dropped.Load(),
		OpenedAt:     c.OpenedAt,
		LastActivity: c.LastActivity(),
		LastPong:     c.LastPong(),
	}
}
