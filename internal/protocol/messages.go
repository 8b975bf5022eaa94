package protocol

import (
	"encoding/json"
	"strings"
)

// Ping is sent by the server heartbeat; Timestamp is unix milliseconds.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a Ping. OriginalTimestamp echoes the ping so the sender can measure RTT.
type Pong struct {
	Timestamp         int64 `json:"timestamp"`
	OriginalTimestamp int64 `json:"original_timestamp,omitempty"`
}

type SubscribeRequest struct {
	ChannelID string `json:"channel_id"`
}

func (r SubscribeRequest) Validate() error {
	return validateChannelID(r.ChannelID)
}

type SubscribeReply struct {
	ChannelID        string           `json:"channel_id"`
	Success          bool             `json:"success"`
	Reason           string           `json:"reason,omitempty"`
	SubscriberCount  int              `json:"subscriber_count"`
	RetainedMessages []ChannelMessage `json:"retained_messages"`
}

type UnsubscribeRequest struct {
	ChannelID string `json:"channel_id"`
}

func (r UnsubscribeRequest) Validate() error {
	return validateChannelID(r.ChannelID)
}

type UnsubscribeReply struct {
	ChannelID       string `json:"channel_id"`
	Success         bool   `json:"success"`
	Reason          string `json:"reason,omitempty"`
	SubscriberCount int    `json:"subscriber_count"`
}

type PublishRequest struct {
	ChannelID     string          `json:"channel_id"`
	Payload       json.RawMessage `json:"payload"`
	ExcludeSender bool            `json:"exclude_sender,omitempty"`
}

func (r PublishRequest) Validate() error {
	return validateChannelID(r.ChannelID)
}

type PublishReply struct {
	ChannelID   string `json:"channel_id"`
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	DeliveredTo int    `json:"delivered_to"`
}

// ChannelMessage is delivered to subscribers and kept in the retention buffer.
type ChannelMessage struct {
	ChannelID string          `json:"channel_id"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type ChannelDeleted struct {
	ChannelID string `json:"channel_id"`
}

// RpcRequest is sent by the requester.
type RpcRequest struct {
	ChannelID string          `json:"channel_id"`
	Payload   json.RawMessage `json:"payload"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

func (r RpcRequest) Validate() error {
	if err := validateChannelID(r.ChannelID); err != nil {
		return err
	}
	if r.TimeoutMs < 0 {
		return Validationf("timeout_ms must not be negative")
	}
	return nil
}

type DeliveryStats struct {
	ChannelID   string `json:"channel_id"`
	DeliveredTo int    `json:"delivered_to"`
}

// RpcAck is the server's reply to an RpcRequest.
type RpcAck struct {
	Success       bool          `json:"success"`
	Reason        string        `json:"reason,omitempty"`
	RequestID     string        `json:"request_id,omitempty"`
	DeliveryStats DeliveryStats `json:"delivery_stats"`
}

// RpcCall is what subscribers of the target channel receive as rpc/request.
type RpcCall struct {
	ChannelID string          `json:"channel_id"`
	RequestID string          `json:"request_id"`
	Origin    string          `json:"origin"`
	Payload   json.RawMessage `json:"payload"`
}

// RpcResponse travels responder -> server and server -> origin as rpc/response.
type RpcResponse struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (r RpcResponse) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return Validationf("missing request_id")
	}
	return nil
}

// Ack is the generic {success, reason} reply.
type Ack struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// FailureAck converts err into an Ack for the peer.
func FailureAck(err error) Ack {
	return Ack{Success: false, Reason: ReasonOf(err), Detail: err.Error()}
}

func validateChannelID(id string) error {
	if strings.TrimSpace(id) == "" {
		return Validationf("missing channel_id")
	}
	return nil
}
