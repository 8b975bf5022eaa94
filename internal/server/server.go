// Package server 通过 websocket 对外提供消息代理服务
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/heartbeat"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/rpc"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/telemetry"
)

const (
	ReasonClientClosed = "client-closed"
	ReasonReadError    = "read-error"
	ReasonShutdown     = "shutdown"
)

type Options struct {
	// Sinks 额外的遥测输出，日志和指标输出由配置生成
	Sinks []telemetry.Sink
	// Registry 指标注册表，为 nil 时使用独立的注册表
	Registry *prometheus.Registry
	Codec    protocol.Codec
	Now      func() time.Time
}

// Server 一个代理实例，包含连接表、频道表、RPC 表和心跳监控，实例之间不共享状态
type Server struct {
	cfg       config.Config
	codec     protocol.Codec
	now       func() time.Time
	telemetry telemetry.Sink

	registry    *connection.Registry
	broker      *broker.Broker
	coordinator *rpc.Coordinator
	monitor     *heartbeat.Monitor

	sem      chan struct{}
	upgrader websocket.Upgrader
	metrics  *prometheus.Registry
	routes   map[string]http.Handler

	presetMu  sync.Mutex
	presetIDs map[string]struct{}

	mu         sync.Mutex
	httpServer *http.Server
	handlers   sync.WaitGroup
}

func New(cfg config.Config, opts Options) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		codec:     opts.Codec,
		now:       opts.Now,
		registry:  connection.NewRegistry(),
		metrics:   opts.Registry,
		routes:    make(map[string]http.Handler),
		presetIDs: make(map[string]struct{}),
	}
	if s.codec == nil {
		s.codec = protocol.JSONCodec{MaxFrameSize: int(cfg.Server.ReadLimit)}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.metrics == nil {
		s.metrics = prometheus.NewRegistry()
	}
	maxConnections := cfg.Server.MaxConnections
	if maxConnections <= 0 {
		maxConnections = 10000
	}
	s.sem = make(chan struct{}, maxConnections)

	sinks := append([]telemetry.Sink(nil), opts.Sinks...)
	if cfg.Telemetry.Log {
		sinks = append(sinks, telemetry.LogSink{})
	}
	if cfg.Telemetry.Metrics {
		metricsSink, err := telemetry.NewMetricsSink(s.metrics)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, metricsSink)
	}
	s.telemetry = telemetry.Multi(sinks)

	s.broker = broker.New(broker.Options{
		AutoCreate:    cfg.Broker.AutoCreateChannels,
		DefaultConfig: broker.ConfigFromSettings(cfg.Broker.DefaultChannel),
		Sender:        s.registry,
		Codec:         s.codec,
		Telemetry:     s.telemetry,
		Now:           s.now,
	})
	s.coordinator = rpc.New(rpc.Options{
		Channels:          s.broker,
		Sender:            s.registry,
		Codec:             s.codec,
		Telemetry:         s.telemetry,
		Now:               s.now,
		DefaultTimeout:    cfg.Rpc.DefaultTimeoutDuration(),
		MaxPendingPerConn: cfg.Rpc.MaxPendingPerConn,
		ResolvedCacheSize: cfg.Rpc.ResolvedCacheSize,
		ResolvedCacheTTL:  cfg.Rpc.ResolvedCacheTTLDuration(),
	})
	s.monitor = heartbeat.New(heartbeat.Options{
		Connections: s.registry,
		Close:       s.CloseConnection,
		Codec:       s.codec,
		Telemetry:   s.telemetry,
		Now:         s.now,
		Interval:    cfg.Heartbeat.IntervalDuration(),
		Timeout:     cfg.Heartbeat.TimeoutDuration(),
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	if cfg.Telemetry.Metrics {
		gauges := []struct {
			name, help string
			fn         func() float64
		}{
			{"connections", "Live connections.", func() float64 { return float64(s.registry.Len()) }},
			{"channels", "Existing channels.", func() float64 { return float64(s.broker.ChannelCount()) }},
			{"rpc_pending", "Outstanding RPC requests.", func() float64 { return float64(s.coordinator.Pending()) }},
		}
		for _, g := range gauges {
			if err := telemetry.RegisterGauge(s.metrics, g.name, g.help, g.fn); err != nil {
				return nil, err
			}
		}
	}

	if err := s.ApplyPresets(cfg.Broker.Channels); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) Broker() *broker.Broker {
	return s.broker
}

func (s *Server) Coordinator() *rpc.Coordinator {
	return s.coordinator
}

func (s *Server) Registry() *connection.Registry {
	return s.registry
}

func (s *Server) Monitor() *heartbeat.Monitor {
	return s.monitor
}

// ApplyPresets 创建配置中的频道，与已有频道冲突的预设会被跳过并返回错误
func (s *Server) ApplyPresets(presets []config.ChannelPreset) error {
	s.presetMu.Lock()
	defer s.presetMu.Unlock()
	var errs []error
	for _, preset := range presets {
		created, err := s.broker.Create(preset.ID, broker.ConfigFromSettings(preset.ChannelSettings))
		if err != nil {
			logger.WarnF("Fail to apply channel preset %s, details: %v", preset.ID, err)
			errs = append(errs, err)
			continue
		}
		s.presetIDs[preset.ID] = struct{}{}
		if created {
			logger.InfoF("Channel preset %s applied", preset.ID)
		}
	}
	return errors.Join(errs...)
}

// ReloadPresets 应用新的预设，并删除已从配置中移除的预设频道
// 被删除频道的订阅者会收到 channel/deleted
func (s *Server) ReloadPresets(presets []config.ChannelPreset) error {
	next := make(map[string]struct{}, len(presets))
	for _, preset := range presets {
		next[preset.ID] = struct{}{}
	}

	s.presetMu.Lock()
	var removed []string
	for id := range s.presetIDs {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
			delete(s.presetIDs, id)
		}
	}
	s.presetMu.Unlock()

	var errs []error
	for _, id := range removed {
		deleted, err := s.broker.Delete(id)
		if err != nil {
			logger.WarnF("Fail to notify subscribers of removed channel %s, details: %v", id, err)
			errs = append(errs, err)
		}
		if deleted {
			logger.InfoF("Channel preset %s removed, channel deleted", id)
		}
	}
	if err := s.ApplyPresets(presets); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Handle 注册额外的 HTTP 路由，必须在 Run 之前调用
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = handler
}

// Handler 返回 websocket 入口和指标接口的路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Server.Path, s.ServeWS)
	if s.cfg.Telemetry.Metrics && s.cfg.Server.MetricsPath != "" {
		mux.Handle(s.cfg.Server.MetricsPath, promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	s.mu.Lock()
	for pattern, handler := range s.routes {
		mux.Handle(pattern, handler)
	}
	s.mu.Unlock()
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS 升级为 websocket 连接并处理到连接关闭
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.WarnF("Connection limit %d reached, rejecting %s", cap(s.sem), r.RemoteAddr)
		s.telemetry.Emit(telemetry.EventConnectionRejected, telemetry.Fields{
			"remote_addr": r.RemoteAddr,
			"reason":      protocol.ReasonCapacityExceeded,
		})
		http.Error(w, protocol.ReasonCapacityExceeded, http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.sem }()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Fail to upgrade connection from %s, details: %v", r.RemoteAddr, err)
		return
	}

	s.handlers.Add(1)
	defer s.handlers.Done()
	handler := newConnectionHandler(s, ws, r.URL.Query().Get("uid"))
	handler.handleConnection()
}

// Accept 注册连接并发送握手，调用方负责将收到的数据交给 HandleFrame，
// 传输结束时调用 CloseConnection
func (s *Server) Accept(id, uid string, transport connection.Transport) (*connection.Connection, error) {
	if uid == "" {
		uid = id
	}
	conn := connection.NewConnection(id, uid, transport, s.cfg.Server.SendQueue, s.now())
	isFirst, ok := s.registry.Register(conn)
	if !ok {
		return nil, protocol.NewError(protocol.KindConflict, protocol.ReasonInternal, "connection id %s already registered", id)
	}
	go conn.WriteLoop()

	logger.InfoF("[%s] Connection opened from %s, uid %s", id, transport.RemoteAddr(), uid)
	s.telemetry.Emit(telemetry.EventConnectionOpened, telemetry.Fields{
		"conn_id":     id,
		"uid":         uid,
		"remote_addr": transport.RemoteAddr(),
		"is_first":    isFirst,
	})

	if err := s.sendHandshake(conn, isFirst); err != nil {
		s.CloseConnection(id, ReasonShutdown)
		return nil, err
	}
	return conn, nil
}

// CloseConnection 唯一的连接清理入口：移出连接表、所有频道和 RPC 表，然后关闭传输
// 每次调用都会清理频道和 RPC 表，与首次关闭并发处理的订阅不会残留
func (s *Server) CloseConnection(connID, reason string) {
	conn, ok := s.registry.Remove(connID)
	channels := s.broker.UnsubscribeAll(connID)
	dropped := s.coordinator.RemoveOrigin(connID)
	if !ok {
		if len(channels) > 0 || dropped > 0 {
			logger.WarnF("[%s] Late cleanup after close, left %d channels, dropped %d pending requests", connID, len(channels), dropped)
		}
		return
	}
	conn.Close()

	stats := conn.Stats()
	logger.InfoF("[%s] Connection closed (%s), left %d channels, dropped %d pending requests", connID, reason, len(channels), dropped)
	s.telemetry.Emit(telemetry.EventConnectionClosed, telemetry.Fields{
		"conn_id":      connID,
		"uid":          conn.UID,
		"reason":       reason,
		"channels":     len(channels),
		"rpc_dropped":  dropped,
		"received":     stats.Received,
		"sent":         stats.Sent,
		"dropped":      stats.Dropped,
		"duration_ms":  s.now().Sub(conn.OpenedAt).Milliseconds(),
		"last_pong_ms": stats.LastPong.UnixMilli(),
	})
}

// Run 在配置的地址上监听，并运行心跳和 RPC 超时清理，直到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.StartBackground(ctx)
	logger.InfoF("Broker listening on %s%s", ln.Addr().String(), s.cfg.Server.Path)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Invoke(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// StartBackground 启动心跳监控和 RPC 超时清理
func (s *Server) StartBackground(ctx context.Context) {
	if s.cfg.Heartbeat.Enabled {
		go s.monitor.Run(ctx)
	}
	go s.coordinator.Run(ctx, s.cfg.Rpc.SweepIntervalDuration())
}

// Invoke 停止接受新连接并关闭现有连接
func (s *Server) Invoke(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	for _, conn := range s.registry.Snapshot() {
		s.CloseConnection(conn.ID, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info("Broker server stopped")
	return err
}
