package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top level server configuration.
type Config struct {
	Name     string          `yaml:"name" json:"name" usage:"Server instance name. Default 'avid'."`
	Address  string          `yaml:"address" json:"address" usage:"Listen address for the HTTP/WebSocket server. Default ':7350'."`
	Logger   *LoggerConfig   `yaml:"logger" json:"logger"`
	Session  *SessionConfig  `yaml:"session" json:"session"`
	Socket   *SocketConfig   `yaml:"socket" json:"socket"`
	Database *DatabaseConfig `yaml:"database" json:"database"`
	Batcher  *BatcherConfig  `yaml:"batcher" json:"batcher"`
}

type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Minimum log level. Default 'info'."`
	File       string `yaml:"file" json:"file" usage:"Log file path. Empty logs to stdout only."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"Maximum log file size in MB before rotation. Default 100."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"Maximum age of rotated log files in days. Default 7."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"Maximum number of rotated log files kept. Default 5."`
}

type SessionConfig struct {
	EncryptionKey  string `yaml:"encryption_key" json:"encryption_key" usage:"Key used to sign session tokens."`
	TokenExpirySec int64  `yaml:"token_expiry_sec" json:"token_expiry_sec" usage:"Session token lifetime in seconds. Default 86400."`
}

type SocketConfig struct {
	MaxMessageSizeBytes  int64 `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum incoming websocket message size in bytes. Default 4096."`
	ReadBufferSizeBytes  int   `yaml:"read_buffer_size_bytes" json:"read_buffer_size_bytes" usage:"Websocket read buffer size. Default 4096."`
	WriteBufferSizeBytes int   `yaml:"write_buffer_size_bytes" json:"write_buffer_size_bytes" usage:"Websocket write buffer size. Default 4096."`
	PingPeriodMs         int   `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Interval between pings to the client. Default 15000."`
	PongWaitMs           int   `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time to wait for a pong before the connection is considered dead. Default 25000."`
	WriteWaitMs          int   `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time allowed for a single websocket write. Default 5000."`
	PingBackoffThreshold int   `yaml:"ping_backoff_threshold" json:"ping_backoff_threshold" usage:"Received messages that reset the ping timer without an explicit ping. Default 20."`
	OutgoingQueueSize    int   `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"Outgoing message queue length per session. Default 64."`
}

type DatabaseConfig struct {
	Address           string `yaml:"address" json:"address" usage:"Postgres connection string."`
	MaxOpenConns      int    `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum open database connections. Default 16."`
	MaxIdleConns      int    `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum idle database connections. Default 8."`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Maximum database connection lifetime in ms. Default 3600000."`
}

type BatcherConfig struct {
	FlushWindowMs int `yaml:"flush_window_ms" json:"flush_window_ms" usage:"Coalescing window for batched events in ms. Default 2000."`
}

func NewConfig() *Config {
	return &Config{
		Name:    "avid",
		Address: ":7350",
		Logger: &LoggerConfig{
			Level:      "info",
			File:       "",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
		},
		Session: &SessionConfig{
			EncryptionKey:  "defaultencryptionkey",
			TokenExpirySec: 86400,
		},
		Socket: &SocketConfig{
			MaxMessageSizeBytes:  4096,
			ReadBufferSizeBytes:  4096,
			WriteBufferSizeBytes: 4096,
			PingPeriodMs:         15000,
			PongWaitMs:           25000,
			WriteWaitMs:          5000,
			PingBackoffThreshold: 20,
			OutgoingQueueSize:    64,
		},
		Database: &DatabaseConfig{
			Address:           "postgres://avid@localhost:5432/avid?sslmode=disable",
			MaxOpenConns:      16,
			MaxIdleConns:      8,
			ConnMaxLifetimeMs: 3600000,
		},
		Batcher: &BatcherConfig{
			FlushWindowMs: 2000,
		},
	}
}

// ParseConfig loads configuration from a YAML file over the defaults.
// An empty path returns the defaults unchanged.
func ParseConfig(path string) (*Config, error) {
	config := NewConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func (cfg *SocketConfig) GetPingPeriod() time.Duration {
	return time.Duration(cfg.PingPeriodMs) * time.Millisecond
}

func (cfg *SocketConfig) GetPongWait() time.Duration {
	return time.Duration(cfg.PongWaitMs) * time.Millisecond
}

func (cfg *SocketConfig) GetWriteWait() time.Duration {
	return time.Duration(cfg.WriteWaitMs) * time.Millisecond
}

func (cfg *SessionConfig) GetTokenExpiry() time.Duration {
	return time.Duration(cfg.TokenExpirySec) * time.Second
}

func (cfg *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return time.Duration(cfg.ConnMaxLifetimeMs) * time.Millisecond
}

func (cfg *BatcherConfig) GetFlushWindow() time.Duration {
	return time.Duration(cfg.FlushWindowMs) * time.Millisecond
}
