// Package client keeps a connection to a broker alive across transport
// failures and replays the session's subscriptions after every reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusClosing      Status = "closing"
	StatusClosed       Status = "closed"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

var ErrSessionClosing = errors.New("session is closing")

type Config struct {
	URL           string
	UID           string
	AutoReconnect bool
	// DisableAutoPong stops the session from answering server pings.
	DisableAutoPong bool
	Backoff         BackoffConfig
	MaxAttempts     int
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
}

// ConfigFromClientConfig converts the file representation.
func ConfigFromClientConfig(c config.ClientConfig) Config {
	multiplier := c.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}
	return Config{
		URL:             c.URL,
		UID:             c.UID,
		AutoReconnect:   c.AutoReconnect,
		DisableAutoPong: !c.AutoPong,
		Backoff: BackoffConfig{
			InitialDelay: c.InitialDelayDuration(),
			Multiplier:   multiplier,
			MaxDelay:     c.MaxDelayDuration(),
			Jitter:       DefaultJitter,
		},
		MaxAttempts:    c.MaxAttempts,
		ConnectTimeout: c.ConnectTimeoutDuration(),
		RequestTimeout: c.RequestTimeoutDuration(),
	}
}

// Handlers are called outside the session lock. Any of them may be nil.
type Handlers struct {
	OnStateChange    func(from, to Status)
	OnHandshake      func(hs protocol.Handshake)
	OnMessage        func(msg protocol.ChannelMessage)
	OnChannelDeleted func(channelID string)
	OnRpcRequest     func(call protocol.RpcCall)
	OnRpcResponse    func(resp protocol.RpcResponse)
	OnEvent          func(event protocol.Event)
}

type Options struct {
	Dialer    Dialer
	Scheduler Scheduler
	Codec     protocol.Codec
	Handlers  Handlers
	Now       func() time.Time
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Session is the client side state machine. Transport callbacks, the
// reconnect timer and API calls all go through mu; epoch identifies the
// current attempt so callbacks from an older transport are ignored.
type Session struct {
	mu        sync.Mutex
	cfg       Config
	dialer    Dialer
	scheduler Scheduler
	codec     protocol.Codec
	handlers  Handlers
	now       func() time.Time

	status    Status
	epoch     uint64
	conn      Conn
	attempt   int
	backoff   *reconnectBackoff
	timer     Timer
	desired   map[string]struct{}
	handshake protocol.Handshake
	changed   chan struct{}
	notify    []func()

	pending      map[string]chan callResult
	nextCallback uint64

	writeMu sync.Mutex
}

func NewSession(cfg Config, opts Options) *Session {
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = time.Second
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = 30 * time.Second
	}
	s := &Session{
		cfg:       cfg,
		dialer:    opts.Dialer,
		scheduler: opts.Scheduler,
		codec:     opts.Codec,
		handlers:  opts.Handlers,
		now:       opts.Now,
		status:    StatusClosed,
		backoff:   newReconnectBackoff(cfg.Backoff),
		desired:   make(map[string]struct{}),
		changed:   make(chan struct{}),
		pending:   make(map[string]chan callResult),
	}
	if s.dialer == nil {
		s.dialer = WebsocketDialer{}
	}
	if s.scheduler == nil {
		s.scheduler = realScheduler{}
	}
	if s.codec == nil {
		s.codec = protocol.DefaultCodec
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.cfg.RequestTimeout <= 0 {
		s.cfg.RequestTimeout = 10 * time.Second
	}
	return s
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Attempt is the number of consecutive failed connection attempts.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Handshake returns the last handshake received from the server.
func (s *Session) Handshake() protocol.Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

// Subscriptions returns the desired subscription set.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.desired))
	for id := range s.desired {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WaitFor blocks until the status satisfies match or ctx is done.
func (s *Session) WaitFor(ctx context.Context, match func(Status) bool) (Status, error) {
	for {
		s.mu.Lock()
		status, changed := s.status, s.changed
		s.mu.Unlock()
		if match(status) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Session) setStatusLocked(to Status) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	close(s.changed)
	s.changed = make(chan struct{})
	logger.DebugF("Session %s -> %s", from, to)
	if fn := s.handlers.OnStateChange; fn != nil {
		s.notify = append(s.notify, func() { fn(from, to) })
	}
}

// unlock releases mu and runs the callbacks queued while it was held.
func (s *Session) unlock() {
	queued := s.notify
	s.notify = nil
	s.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

func (s *Session) dialURL() string {
	if s.cfg.UID == "" {
		return s.cfg.URL
	}
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return s.cfg.URL
	}
	q := u.Query()
	q.Set("uid", s.cfg.UID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect starts connecting. From failed it starts over with a fresh attempt
// counter; while connecting or open it does nothing.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.unlock()
	switch s.status {
	case StatusOpen, StatusConnecting:
		return nil
	case StatusClosing:
		return ErrSessionClosing
	case StatusReconnecting:
		s.stopTimerLocked()
	}
	s.attempt = 0
	s.backoff.Reset()
	s.startAttemptLocked()
	return nil
}

func (s *Session) startAttemptLocked() {
	s.epoch++
	epoch := s.epoch
	s.setStatusLocked(StatusConnecting)
	go s.dial(epoch)
}

func (s *Session) dial(epoch uint64) {
	ctx := context.Background()
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := s.dialer.Dial(ctx, s.dialURL())

	s.mu.Lock()
	if epoch != s.epoch || s.status != StatusConnecting {
		s.unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		logger.WarnF("Fail to connect to %s, details: %v", s.cfg.URL, err)
		s.failLocked(epoch)
		s.unlock()
		return
	}

	s.conn = conn
	s.attempt = 0
	s.backoff.Reset()
	s.setStatusLocked(StatusOpen)
	channels := make([]string, 0, len(s.desired))
	for id := range s.desired {
		channels = append(channels, id)
	}
	sort.Strings(channels)
	s.unlock()

	logger.InfoF("Connected to %s", s.cfg.URL)
	go s.readLoop(epoch, conn)
	if len(channels) > 0 {
		go s.resubscribe(channels)
	}
}

// failLocked handles the loss of the current attempt's transport, either a
// failed dial or a dropped open connection.
func (s *Session) failLocked(epoch uint64) {
	if !s.cfg.AutoReconnect {
		if s.status == StatusConnecting {
			s.setStatusLocked(StatusFailed)
		} else {
			s.setStatusLocked(StatusClosed)
		}
		return
	}
	if s.cfg.MaxAttempts > 0 && s.attempt >= s.cfg.MaxAttempts {
		logger.ErrorF("Giving up on %s after %d attempts", s.cfg.URL, s.attempt)
		s.setStatusLocked(StatusFailed)
		return
	}
	nominal := s.cfg.Backoff.Delay(s.attempt)
	delay := s.backoff.Next()
	s.attempt++
	s.setStatusLocked(StatusReconnecting)
	logger.InfoF("Reconnecting to %s in %v, nominal %v (attempt %d)", s.cfg.URL, delay, nominal, s.attempt)
	s.timer = s.scheduler.AfterFunc(delay, func() { s.reconnect(epoch) })
}

func (s *Session) reconnect(epoch uint64) {
	s.mu.Lock()
	defer s.unlock()
	if epoch != s.epoch || s.status != StatusReconnecting {
		return
	}
	s.timer = nil
	s.startAttemptLocked()
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Disconnect closes the session. A pending reconnect is cancelled and will
// not fire.
func (s *Session) Disconnect() {
	s.mu.Lock()
	var conn Conn
	switch s.status {
	case StatusOpen:
		conn = s.conn
		s.setStatusLocked(StatusClosing)
	case StatusConnecting, StatusReconnecting:
		s.stopTimerLocked()
		s.epoch++
		s.setStatusLocked(StatusClosing)
		s.setStatusLocked(StatusClosed)
	case StatusFailed:
		s.setStatusLocked(StatusClosed)
	}
	s.failPendingLocked()
	s.unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.DebugF("Error occured while closing transport, details: %v", err)
		}
	}
}

func (s *Session) failPendingLocked() {
	for id, ch := range s.pending {
		ch <- callResult{err: protocol.NewError(protocol.KindTransport, protocol.ReasonTransportClosed, "transport closed before reply")}
		delete(s.pending, id)
	}
}

func (s *Session) transportClosed(epoch uint64, err error) {
	s.mu.Lock()
	defer s.unlock()
	if epoch != s.epoch {
		return
	}
	s.conn = nil
	s.failPendingLocked()
	switch s.status {
	case StatusClosing:
		s.epoch++
		s.setStatusLocked(StatusClosed)
	case StatusOpen:
		logger.WarnF("Connection to %s lost, details: %v", s.cfg.URL, err)
		s.failLocked(epoch)
	}
}

func (s *Session) readLoop(epoch uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.transportClosed(epoch, err)
			return
		}
		event, err := s.codec.Decode(data)
		if err != nil {
			logger.WarnF("Drop malformed frame from server, details: %v", err)
			continue
		}
		s.dispatch(epoch, event)
	}
}

func (s *Session) dispatch(epoch uint64, event protocol.Event) {
	h := s.handlers
	switch event.ID {
	case protocol.EventHandshake:
		var hs protocol.Handshake
		if err := event.Bind(&hs); err != nil {
			logger.WarnF("Invalid handshake, details: %v", err)
			return
		}
		s.mu.Lock()
		s.handshake = hs
		s.mu.Unlock()
		logger.InfoF("Handshake completed, uid %s, first %v", hs.UID, hs.IsFirst)
		if h.OnHandshake != nil {
			h.OnHandshake(hs)
		}
	case protocol.EventPing:
		s.handlePing(epoch, event)
	case protocol.EventPong:
		var pong protocol.Pong
		if event.Bind(&pong) == nil && pong.OriginalTimestamp > 0 {
			logger.DebugF("Heartbeat rtt %dms", s.now().UnixMilli()-pong.OriginalTimestamp)
		}
	case protocol.EventReply:
		var reply protocol.RpcReply
		if err := event.Bind(&reply); err != nil {
			logger.WarnF("Invalid reply, details: %v", err)
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[reply.CorrelationID]
		delete(s.pending, reply.CorrelationID)
		s.mu.Unlock()
		if !ok {
			logger.DebugF("Reply %s has no pending call", reply.CorrelationID)
			return
		}
		ch <- callResult{payload: reply.Payload}
	case protocol.EventMessage:
		var msg protocol.ChannelMessage
		if err := event.Bind(&msg); err != nil {
			logger.WarnF("Invalid channel message, details: %v", err)
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	case protocol.EventChannelDeleted:
		var deleted protocol.ChannelDeleted
		if err := event.Bind(&deleted); err != nil {
			return
		}
		s.mu.Lock()
		delete(s.desired, deleted.ChannelID)
		s.mu.Unlock()
		if h.OnChannelDeleted != nil {
			h.OnChannelDeleted(deleted.ChannelID)
		}
	case protocol.EventRpcRequest:
		var call protocol.RpcCall
		if err := event.Bind(&call); err != nil {
			logger.WarnF("Invalid rpc request, details: %v", err)
			return
		}
		if h.OnRpcRequest != nil {
			h.OnRpcRequest(call)
		}
	case protocol.EventRpcResponse:
		var resp protocol.RpcResponse
		if err := event.Bind(&resp); err != nil {
			logger.WarnF("Invalid rpc response, details: %v", err)
			return
		}
		if h.OnRpcResponse != nil {
			h.OnRpcResponse(resp)
		}
	default:
		if h.OnEvent != nil {
			h.OnEvent(event)
		}
	}
}

func (s *Session) handlePing(epoch uint64, event protocol.Event) {
	if s.cfg.DisableAutoPong {
		return
	}
	var ping protocol.Ping
	if len(event.Payload) > 0 {
		_ = event.Bind(&ping)
	}
	s.mu.Lock()
	conn := s.conn
	open := s.status == StatusOpen && epoch == s.epoch
	s.mu.Unlock()
	if !open || conn == nil {
		return
	}
	pong := protocol.Pong{Timestamp: s.now().UnixMilli(), OriginalTimestamp: ping.Timestamp}
	if err := s.write(conn, protocol.EventPong, pong, ""); err != nil {
		logger.WarnF("Fail to send pong, details: %v", err)
	}
}

func (s *Session) write(conn Conn, id protocol.EventID, v any, callback string) error {
	event, err := protocol.NewEvent(id, v)
	if err != nil {
		return err
	}
	event.CallbackID = callback
	data, err := s.codec.Encode(event)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(data)
}

func errNotOpen() error {
	return protocol.NewError(protocol.KindTransport, protocol.ReasonTransportClosed, "session is not open")
}

// Send emits an event without waiting for a reply.
func (s *Session) Send(id protocol.EventID, v any) error {
	s.mu.Lock()
	conn := s.conn
	open := s.status == StatusOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return errNotOpen()
	}
	return s.write(conn, id, v, "")
}

// call sends a request carrying a callback id and decodes the reply into out.
func (s *Session) call(ctx context.Context, id protocol.EventID, v any, out any) error {
	s.mu.Lock()
	conn := s.conn
	if s.status != StatusOpen || conn == nil {
		s.mu.Unlock()
		return errNotOpen()
	}
	s.nextCallback++
	callback := strconv.FormatUint(s.nextCallback, 10)
	ch := make(chan callResult, 1)
	s.pending[callback] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, callback)
		s.mu.Unlock()
	}

	if err := s.write(conn, id, v, callback); err != nil {
		forget()
		return protocol.NewError(protocol.KindTransport, protocol.ReasonTransportClosed, "%v", err)
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if err := json.Unmarshal(res.payload, out); err != nil {
			return protocol.Validationf("decode %s reply: %v", id, err)
		}
		return nil
	case <-timer.C:
		forget()
		return protocol.NewError(protocol.KindTimeout, protocol.ReasonTimeout, "%s reply not received within %v", id, s.cfg.RequestTimeout)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (s *Session) subscribe(ctx context.Context, channelID string) (protocol.SubscribeReply, error) {
	var reply protocol.SubscribeReply
	if err := s.call(ctx, protocol.EventSubscribe, protocol.SubscribeRequest{ChannelID: channelID}, &reply); err != nil {
		return reply, err
	}
	if !reply.Success {
		return reply, protocol.ErrorFromReason(reply.Reason, "subscribe "+channelID)
	}
	return reply, nil
}

// Subscribe adds channelID to the desired set and subscribes now if the
// session is open. The set is replayed after every reconnect, so a transport
// error here still leaves the subscription pending. A rejection by the
// server removes it from the set.
func (s *Session) Subscribe(ctx context.Context, channelID string) (protocol.SubscribeReply, error) {
	if channelID == "" {
		return protocol.SubscribeReply{}, protocol.Validationf("missing channel_id")
	}
	s.mu.Lock()
	s.desired[channelID] = struct{}{}
	s.mu.Unlock()

	reply, err := s.subscribe(ctx, channelID)
	var perr *protocol.Error
	if err != nil && errors.As(err, &perr) && perr.Kind != protocol.KindTransport && perr.Kind != protocol.KindTimeout {
		s.mu.Lock()
		delete(s.desired, channelID)
		s.mu.Unlock()
	}
	return reply, err
}

// Unsubscribe removes channelID from the desired set and tells the server
// when open.
func (s *Session) Unsubscribe(ctx context.Context, channelID string) (protocol.UnsubscribeReply, error) {
	s.mu.Lock()
	delete(s.desired, channelID)
	open := s.status == StatusOpen
	s.mu.Unlock()
	if !open {
		return protocol.UnsubscribeReply{ChannelID: channelID, Success: true}, nil
	}
	var reply protocol.UnsubscribeReply
	if err := s.call(ctx, protocol.EventUnsubscribe, protocol.UnsubscribeRequest{ChannelID: channelID}, &reply); err != nil {
		return reply, err
	}
	return reply, nil
}

// resubscribe replays the desired set on a fresh transport. Failures are
// logged only.
func (s *Session) resubscribe(channels []string) {
	for _, id := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		reply, err := s.subscribe(ctx, id)
		cancel()
		if err != nil {
			logger.WarnF("Fail to restore subscription %s, details: %v", id, err)
			continue
		}
		logger.InfoF("Subscription %s restored, %d subscribers, %d retained", id, reply.SubscriberCount, len(reply.RetainedMessages))
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, protocol.Validationf("marshal payload: %v", err)
	}
	return data, nil
}

func (s *Session) Publish(ctx context.Context, channelID string, payload any, excludeSender bool) (protocol.PublishReply, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return protocol.PublishReply{}, err
	}
	var reply protocol.PublishReply
	req := protocol.PublishRequest{ChannelID: channelID, Payload: raw, ExcludeSender: excludeSender}
	if err := s.call(ctx, protocol.EventPublish, req, &reply); err != nil {
		return reply, err
	}
	if !reply.Success {
		return reply, protocol.ErrorFromReason(reply.Reason, "publish "+channelID)
	}
	return reply, nil
}

// Request sends an RPC to the subscribers of channelID. The answer arrives
// through Handlers.OnRpcResponse.
func (s *Session) Request(ctx context.Context, channelID string, payload any, timeout time.Duration) (protocol.RpcAck, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return protocol.RpcAck{}, err
	}
	var ack protocol.RpcAck
	req := protocol.RpcRequest{ChannelID: channelID, Payload: raw, TimeoutMs: timeout.Milliseconds()}
	if err := s.call(ctx, protocol.EventRpcRequest, req, &ack); err != nil {
		return ack, err
	}
	if !ack.Success {
		return ack, protocol.ErrorFromReason(ack.Reason, "rpc "+channelID)
	}
	return ack, nil
}

// Respond answers an RPC received through Handlers.OnRpcRequest.
func (s *Session) Respond(ctx context.Context, requestID string, payload any, errMsg string) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	var ack protocol.Ack
	resp := protocol.RpcResponse{RequestID: requestID, Payload: raw, Error: errMsg}
	if err := s.call(ctx, protocol.EventRpcResponse, resp, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return protocol.ErrorFromReason(ack.Reason, ack.Detail)
	}
	return nil
}
