package server

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/utils"
)

type ConnectionHandler struct {
	server   *Server
	ws       *websocket.Conn
	connID   string
	uid      string
	deadline time.Duration
}

func newConnectionHandler(s *Server, ws *websocket.Conn, uid string) *ConnectionHandler {
	c := &ConnectionHandler{
		server: s,
		ws:     ws,
		connID: utils.NewConnectionID(),
		uid:    uid,
	}
	if s.cfg.Heartbeat.Enabled {
		c.deadline = s.cfg.Heartbeat.TimeoutDuration() + s.cfg.Heartbeat.IntervalDuration()
	}
	return c
}

func (c *ConnectionHandler) handleConnection() {
	transport := &wsTransport{ws: c.ws, writeTimeout: c.server.cfg.Server.WriteTimeoutDuration()}
	conn, err := c.server.Accept(c.connID, c.uid, transport)
	if err != nil {
		logger.ErrorF("[%s] Fail to accept connection, details: %v", c.connID, err)
		_ = transport.Close()
		return
	}
	reason := c.handleMessages(conn)
	c.server.CloseConnection(conn.ID, reason)
}

func (c *ConnectionHandler) handleMessages(conn *connection.Connection) string {
	if limit := c.server.cfg.Server.ReadLimit; limit > 0 {
		c.ws.SetReadLimit(limit)
	}
	for {
		if c.deadline > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.deadline))
		}

		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			connection.HandleReadError(c.connID, err)
			if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ReasonClientClosed
			}
			return ReasonReadError
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			logger.DebugF("[%s] Ignore websocket message type %d", c.connID, messageType)
			continue
		}
		c.server.HandleFrame(conn, data)
	}
}

// wsTransport 只在连接的写协程中写出数据
type wsTransport struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) Write(data []byte) error {
	if t.writeTimeout > 0 {
		_ = t.ws.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}
