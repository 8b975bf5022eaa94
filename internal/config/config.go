package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/utils"
)

// ErrConfigCreated 配置文件不存在，已写入默认配置
var ErrConfigCreated = errors.New("the configuration file does not exist and has been created with defaults")

type ServerConfig struct {
	Addr           string   `json:"addr"`
	AdminAddr      string   `json:"admin_addr"`
	Path           string   `json:"path"`
	MetricsPath    string   `json:"metrics_path"`
	MaxConnections int      `json:"max_connections"`
	ReadLimit      int64    `json:"read_limit"`
	SendQueue      int      `json:"send_queue"`
	WriteTimeout   string   `json:"write_timeout"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// ChannelSettings 单个频道的配置
type ChannelSettings struct {
	MaxSubscribers int   `json:"max_subscribers"`
	RetentionCount int   `json:"retention_count"`
	RpcTimeoutMs   int64 `json:"rpc_timeout_ms"`
}

type ChannelPreset struct {
	ID string `json:"id"`
	ChannelSettings
}

type BrokerConfig struct {
	AutoCreateChannels bool            `json:"auto_create_channels"`
	DefaultChannel     ChannelSettings `json:"default_channel"`
	Channels           []ChannelPreset `json:"channels"`
}

type RpcConfig struct {
	SweepInterval     string `json:"sweep_interval"`
	DefaultTimeout    string `json:"default_timeout"`
	MaxPendingPerConn int    `json:"max_pending_per_conn"`
	ResolvedCacheSize int    `json:"resolved_cache_size"`
	ResolvedCacheTTL  string `json:"resolved_cache_ttl"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
}

type TelemetryConfig struct {
	Log                bool   `json:"log"`
	Metrics            bool   `json:"metrics"`
	Mongo              bool   `json:"mongo"`
	MongoBuffer        int    `json:"mongo_buffer"`
	MongoBatchSize     int    `json:"mongo_batch_size"`
	MongoFlushInterval string `json:"mongo_flush_interval"`
}

type DatabaseConfig struct {
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	Collection         string `json:"collection"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
	EventTTL           string `json:"event_ttl"`
}

type ClientConfig struct {
	URL            string   `json:"url"`
	UID            string   `json:"uid"`
	AutoReconnect  bool     `json:"auto_reconnect"`
	AutoPong       bool     `json:"auto_pong"`
	InitialDelay   string   `json:"initial_delay"`
	Multiplier     float64  `json:"multiplier"`
	MaxDelay       string   `json:"max_delay"`
	MaxAttempts    int      `json:"max_attempts"`
	ConnectTimeout string   `json:"connect_timeout"`
	RequestTimeout string   `json:"request_timeout"`
	Channels       []string `json:"channels"`
}

type LogConfig struct {
	Dir       string `json:"dir"`
	Retention string `json:"retention"`
	NoColor   bool   `json:"no_color"`
}

type Config struct {
	Server    ServerConfig    `json:"server"`
	Broker    BrokerConfig    `json:"broker"`
	Rpc       RpcConfig       `json:"rpc"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Database  DatabaseConfig  `json:"database"`
	Client    ClientConfig    `json:"client"`
	Log       LogConfig       `json:"log"`
	DebugMode bool            `json:"debug_mode"`
	AppName   string          `json:"app_name"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AdminAddr:      ":9090",
			Path:           "/chsk",
			MetricsPath:    "/metrics",
			MaxConnections: 10000,
			ReadLimit:      1 << 20,
			SendQueue:      256,
			WriteTimeout:   "10s",
		},
		Broker: BrokerConfig{
			AutoCreateChannels: true,
			DefaultChannel: ChannelSettings{
				MaxSubscribers: 1000,
				RetentionCount: 100,
				RpcTimeoutMs:   30000,
			},
		},
		Rpc: RpcConfig{
			SweepInterval:     "1s",
			DefaultTimeout:    "30s",
			MaxPendingPerConn: 256,
			ResolvedCacheSize: 4096,
			ResolvedCacheTTL:  "5m",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: "25s",
			Timeout:  "60s",
		},
		Telemetry: TelemetryConfig{
			Log:                true,
			Metrics:            true,
			MongoBuffer:        1024,
			MongoBatchSize:     100,
			MongoFlushInterval: "2s",
		},
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               27017,
			Database:           "chsk",
			Collection:         "telemetry_events",
			ConnectTimeout:     "10s",
			SocketTimeout:      "10s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        10,
			EventTTL:           "7d",
		},
		Client: ClientConfig{
			URL:            "ws://localhost:8080/chsk",
			AutoReconnect:  true,
			AutoPong:       true,
			InitialDelay:   "1s",
			Multiplier:     2,
			MaxDelay:       "30s",
			MaxAttempts:    10,
			ConnectTimeout: "10s",
			RequestTimeout: "10s",
		},
		Log: LogConfig{
			Dir:       "logs",
			Retention: "30d",
		},
		AppName: "chsk-broker",
	}
}

// ReadConfig 在默认配置上加载配置文件，文件不存在时写入默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (Config, error) {
	cfg := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(cfg, "", "\t")
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return cfg, fmt.Errorf("create config %s: %w", path, writeErr)
		}
		return cfg, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	durations := map[string]string{
		"server.write_timeout":           c.Server.WriteTimeout,
		"rpc.sweep_interval":             c.Rpc.SweepInterval,
		"rpc.default_timeout":            c.Rpc.DefaultTimeout,
		"rpc.resolved_cache_ttl":         c.Rpc.ResolvedCacheTTL,
		"heartbeat.interval":             c.Heartbeat.Interval,
		"heartbeat.timeout":              c.Heartbeat.Timeout,
		"client.initial_delay":           c.Client.InitialDelay,
		"client.max_delay":               c.Client.MaxDelay,
		"client.connect_timeout":         c.Client.ConnectTimeout,
		"client.request_timeout":         c.Client.RequestTimeout,
		"log.retention":                  c.Log.Retention,
		"telemetry.mongo_flush_interval": c.Telemetry.MongoFlushInterval,
	}
	for key, value := range durations {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := utils.ParseStringTime(value); err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("config server.addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("config server.path must start with '/', got %q", c.Server.Path)
	}
	if c.Client.Multiplier != 0 && c.Client.Multiplier < 1 {
		return fmt.Errorf("config client.multiplier must be >= 1, got %v", c.Client.Multiplier)
	}
	seen := make(map[string]struct{}, len(c.Broker.Channels))
	for i, preset := range c.Broker.Channels {
		id := strings.TrimSpace(preset.ID)
		if id == "" {
			return fmt.Errorf("config broker.channels[%d] missing id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config broker.channels[%d] duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if preset.MaxSubscribers < 0 || preset.RetentionCount < 0 || preset.RpcTimeoutMs < 0 {
			return fmt.Errorf("config broker.channels[%d] has negative limits", i)
		}
	}
	return nil
}

func (c HeartbeatConfig) IntervalDuration() time.Duration {
	return utils.ParseStringTimeOr(c.Interval, 25*time.Second)
}

func (c HeartbeatConfig) TimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(c.Timeout, 60*time.Second)
}

func (c RpcConfig) SweepIntervalDuration() time.Duration {
	return utils.ParseStringTimeOr(c.SweepInterval, time.Second)
}

func (c RpcConfig) DefaultTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(c.DefaultTimeout, 30*time.Second)
}

func (c RpcConfig) ResolvedCacheTTLDuration() time.Duration {
	return utils.ParseStringTimeOr(c.ResolvedCacheTTL, 5*time.Minute)
}

func (c ServerConfig) WriteTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(c.WriteTimeout, 10*time.Second)
}

func (c LogConfig) RetentionDuration() time.Duration {
	return utils.ParseStringTimeOr(c.Retention, 30*24*time.Hour)
}

func (c TelemetryConfig) MongoFlushIntervalDuration() time.Duration {
	return utils.ParseStringTimeOr(c.MongoFlushInterval, 2*time.Second)
}

func (c ClientConfig) InitialDelayDuration() time.Duration {
	return utils.ParseStringTimeOr(c.InitialDelay, time.Second)
}

func (c ClientConfig) MaxDelayDuration() time.Duration {
	return utils.ParseStringTimeOr(c.MaxDelay, 30*time.Second)
}

func (c ClientConfig) ConnectTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(c.ConnectTimeout, 10*time.Second)
}

func (c ClientConfig) RequestTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(c.RequestTimeout, 10*time.Second)
}
