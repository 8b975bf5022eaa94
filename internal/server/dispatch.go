package server

import (
	"encoding/json"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/telemetry"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/utils"
)

type serverMetadata struct {
	Server              string `json:"server"`
	ConnID              string `json:"conn_id"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms,omitempty"`
	HeartbeatTimeoutMs  int64  `json:"heartbeat_timeout_ms,omitempty"`
}

func (s *Server) sendHandshake(conn *connection.Connection, isFirst bool) error {
	meta := serverMetadata{Server: s.cfg.AppName, ConnID: conn.ID}
	if s.cfg.Heartbeat.Enabled {
		meta.HeartbeatIntervalMs = s.cfg.Heartbeat.IntervalDuration().Milliseconds()
		meta.HeartbeatTimeoutMs = s.cfg.Heartbeat.TimeoutDuration().Milliseconds()
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.send(conn, protocol.EventHandshake, protocol.Handshake{
		UID:            conn.UID,
		SessionToken:   utils.NewSessionToken(),
		ServerMetadata: rawMeta,
		IsFirst:        isFirst,
	})
}

func (s *Server) send(conn *connection.Connection, id protocol.EventID, v any) error {
	event, err := protocol.NewEvent(id, v)
	if err != nil {
		return err
	}
	return s.enqueue(conn, event)
}

// reply 仅在对端要求回调时应答
func (s *Server) reply(conn *connection.Connection, event protocol.Event, v any) {
	if event.CallbackID == "" {
		return
	}
	resp, err := protocol.NewReply(event.CallbackID, v)
	if err != nil {
		logger.ErrorF("[%s] Fail to build reply for %s, details: %v", conn.ID, event.ID, err)
		return
	}
	if err := s.enqueue(conn, resp); err != nil {
		logger.WarnF("[%s] Fail to send reply for %s, details: %v", conn.ID, event.ID, err)
	}
}

func (s *Server) enqueue(conn *connection.Connection, event protocol.Event) error {
	data, err := s.codec.Encode(event)
	if err != nil {
		return err
	}
	return conn.Enqueue(data)
}

// HandleFrame 解码并分发一帧数据，格式错误的帧被丢弃，连接保持打开
func (s *Server) HandleFrame(conn *connection.Connection, data []byte) {
	select {
	case <-conn.Done():
		logger.DebugF("[%s] Drop frame on closed connection", conn.ID)
		return
	default:
	}
	conn.Touch(s.now())
	event, err := s.codec.Decode(data)
	if err != nil {
		logger.WarnF("[%s] Drop malformed frame, details: %v", conn.ID, err)
		s.telemetry.Emit(telemetry.EventMessageRejected, telemetry.Fields{
			"conn_id": conn.ID,
			"reason":  protocol.ReasonOf(err),
		})
		return
	}

	logger.DebugF("[%s] Receive %s event", conn.ID, event.ID)

	switch event.ID {
	case protocol.EventPong:
		s.handlePong(conn, event)
	case protocol.EventPing:
		s.handlePing(conn, event)
	case protocol.EventSubscribe:
		s.handleSubscribe(conn, event)
	case protocol.EventUnsubscribe:
		s.handleUnsubscribe(conn, event)
	case protocol.EventPublish:
		s.handlePublish(conn, event)
	case protocol.EventRpcRequest:
		s.handleRpcRequest(conn, event)
	case protocol.EventRpcResponse:
		s.handleRpcResponse(conn, event)
	case protocol.EventHandshake:
		logger.WarnF("[%s] Duplicate handshake ignored", conn.ID)
	default:
		logger.WarnF("[%s] %s event has not been supported", conn.ID, event.ID)
		s.reply(conn, event, protocol.FailureAck(
			protocol.NewError(protocol.KindValidation, protocol.ReasonUnknownEvent, "%s", event.ID)))
	}
}

func (s *Server) handlePong(conn *connection.Connection, event protocol.Event) {
	var pong protocol.Pong
	if len(event.Payload) > 0 {
		if err := event.Bind(&pong); err != nil {
			logger.DebugF("[%s] Pong without valid payload, details: %v", conn.ID, err)
		}
	}
	now := s.now()
	conn.RecordPong(now)
	if pong.OriginalTimestamp > 0 {
		logger.DebugF("[%s] Heartbeat rtt %dms", conn.ID, now.UnixMilli()-pong.OriginalTimestamp)
	}
}

func (s *Server) handlePing(conn *connection.Connection, event protocol.Event) {
	var ping protocol.Ping
	if len(event.Payload) > 0 {
		_ = event.Bind(&ping)
	}
	pong := protocol.Pong{Timestamp: s.now().UnixMilli(), OriginalTimestamp: ping.Timestamp}
	if event.CallbackID != "" {
		s.reply(conn, event, pong)
		return
	}
	if err := s.send(conn, protocol.EventPong, pong); err != nil {
		logger.WarnF("[%s] Fail to send pong, details: %v", conn.ID, err)
	}
}

func (s *Server) handleSubscribe(conn *connection.Connection, event protocol.Event) {
	var req protocol.SubscribeRequest
	if err := event.Bind(&req); err != nil {
		s.reply(conn, event, protocol.SubscribeReply{ChannelID: req.ChannelID, Reason: protocol.ReasonOf(err)})
		return
	}
	res, err := s.broker.Subscribe(conn.ID, req.ChannelID)
	if err != nil {
		logger.InfoF("[%s] Subscribe to %s rejected, details: %v", conn.ID, req.ChannelID, err)
		s.reply(conn, event, protocol.SubscribeReply{
			ChannelID:        req.ChannelID,
			Reason:           protocol.ReasonOf(err),
			SubscriberCount:  s.broker.SubscriberCount(req.ChannelID),
			RetainedMessages: []protocol.ChannelMessage{},
		})
		return
	}
	s.reply(conn, event, protocol.SubscribeReply{
		ChannelID:        req.ChannelID,
		Success:          true,
		SubscriberCount:  res.SubscriberCount,
		RetainedMessages: res.RetainedMessages,
	})
}

func (s *Server) handleUnsubscribe(conn *connection.Connection, event protocol.Event) {
	var req protocol.UnsubscribeRequest
	if err := event.Bind(&req); err != nil {
		s.reply(conn, event, protocol.UnsubscribeReply{ChannelID: req.ChannelID, Reason: protocol.ReasonOf(err)})
		return
	}
	count := s.broker.Unsubscribe(conn.ID, req.ChannelID)
	s.reply(conn, event, protocol.UnsubscribeReply{ChannelID: req.ChannelID, Success: true, SubscriberCount: count})
}

func (s *Server) handlePublish(conn *connection.Connection, event protocol.Event) {
	var req protocol.PublishRequest
	if err := event.Bind(&req); err != nil {
		s.reply(conn, event, protocol.PublishReply{ChannelID: req.ChannelID, Reason: protocol.ReasonOf(err)})
		return
	}
	res, err := s.broker.Publish(req.ChannelID, req.Payload, conn.ID, req.ExcludeSender)
	if err != nil {
		s.reply(conn, event, protocol.PublishReply{ChannelID: req.ChannelID, Reason: protocol.ReasonOf(err)})
		return
	}
	s.reply(conn, event, protocol.PublishReply{
		ChannelID:   req.ChannelID,
		Success:     true,
		MessageID:   res.MessageID,
		DeliveredTo: res.DeliveredTo,
	})
}

func (s *Server) handleRpcRequest(conn *connection.Connection, event protocol.Event) {
	var req protocol.RpcRequest
	if err := event.Bind(&req); err != nil {
		s.reply(conn, event, protocol.RpcAck{Reason: protocol.ReasonOf(err), DeliveryStats: protocol.DeliveryStats{ChannelID: req.ChannelID}})
		return
	}
	res, err := s.coordinator.Request(conn.ID, req.ChannelID, req.Payload, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		s.reply(conn, event, protocol.RpcAck{Reason: protocol.ReasonOf(err), DeliveryStats: protocol.DeliveryStats{ChannelID: req.ChannelID}})
		return
	}
	s.reply(conn, event, protocol.RpcAck{
		Success:       true,
		RequestID:     res.RequestID,
		DeliveryStats: protocol.DeliveryStats{ChannelID: res.ChannelID, DeliveredTo: res.DeliveredTo},
	})
}

func (s *Server) handleRpcResponse(conn *connection.Connection, event protocol.Event) {
	var resp protocol.RpcResponse
	if err := event.Bind(&resp); err != nil {
		s.reply(conn, event, protocol.FailureAck(err))
		return
	}
	if err := s.coordinator.Response(conn.ID, resp); err != nil {
		s.reply(conn, event, protocol.FailureAck(err))
		return
	}
	s.reply(conn, event, protocol.Ack{Success: true})
}
