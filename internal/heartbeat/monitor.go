// Package heartbeat probes connections with pings and closes the ones that
// stopped answering.
package heartbeat

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/telemetry"
)

const ReasonHeartbeatTimeout = "heartbeat-timeout"

// Connections lists the connections to probe.
type Connections interface {
	Snapshot() []*connection.Connection
}

// CloseFunc tears a connection down through the server's common close path.
type CloseFunc func(connID, reason string)

type Options struct {
	Connections Connections
	Close       CloseFunc
	Codec       protocol.Codec
	Telemetry   telemetry.Sink
	Now         func() time.Time
	Interval    time.Duration
	Timeout     time.Duration
}

type Monitor struct {
	connections Connections
	close       CloseFunc
	codec       protocol.Codec
	telemetry   telemetry.Sink
	now         func() time.Time
	interval    time.Duration
	timeout     time.Duration
}

func New(opts Options) *Monitor {
	m := &Monitor{
		connections: opts.Connections,
		close:       opts.Close,
		codec:       opts.Codec,
		telemetry:   opts.Telemetry,
		now:         opts.Now,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
	}
	if m.codec == nil {
		m.codec = protocol.DefaultCodec
	}
	if m.telemetry == nil {
		m.telemetry = telemetry.Nop
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.interval <= 0 {
		m.interval = 25 * time.Second
	}
	if m.timeout <= 0 {
		m.timeout = 60 * time.Second
	}
	return m
}

// Tick closes every connection whose last pong is older than the timeout and
// pings the rest. Pinging does not count as liveness; only a pong does.
func (m *Monitor) Tick(now time.Time) (pinged, closed int) {
	ping, err := protocol.NewEvent(protocol.EventPing, protocol.Ping{Timestamp: now.UnixMilli()})
	if err != nil {
		logger.ErrorF("Fail to build ping, details: %v", err)
		return 0, 0
	}
	data, err := m.codec.Encode(ping)
	if err != nil {
		logger.ErrorF("Fail to encode ping, details: %v", err)
		return 0, 0
	}

	for _, conn := range m.connections.Snapshot() {
		silence := now.Sub(conn.LastPong())
		if silence > m.timeout {
			logger.WarnF("[%s] No pong for %v, closing connection", conn.ID, silence.Truncate(time.Millisecond))
			m.telemetry.Emit(telemetry.EventHeartbeatTimeout, telemetry.Fields{
				"conn_id":    conn.ID,
				"uid":        conn.UID,
				"silence_ms": silence.Milliseconds(),
			})
			if m.close != nil {
				m.close(conn.ID, ReasonHeartbeatTimeout)
			}
			closed++
			continue
		}
		if err := conn.Enqueue(data); err != nil {
			logger.DebugF("[%s] Fail to queue ping, details: %v", conn.ID, err)
			continue
		}
		pinged++
	}
	return pinged, closed
}

// Run ticks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	logger.InfoF("Heartbeat monitor started, interval %v, timeout %v", m.interval, m.timeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}
