package config

import (
	"encoding/json"
	"time"

	"github.com/harun/resumable/pkg/client"
	"github.com/harun/resumable/pkg/gateway"
	"github.com/harun/resumable/pkg/session"
	"github.com/harun/resumable/pkg/upstream"
)

// Config represents the relay and client configuration
type Config struct {
	Server        ServerConfig        `json:"server" mapstructure:"server"`
	Sessions      SessionsConfig      `json:"sessions" mapstructure:"sessions"`
	Upstream      UpstreamConfig      `json:"upstream" mapstructure:"upstream"`
	Client        ClientConfig        `json:"client" mapstructure:"client"`
	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`

	// Data directory for logs, audit trail and client state
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds relay server configuration
type ServerConfig struct {
	Host              string          `json:"host" mapstructure:"host"`
	Port              int             `json:"port" mapstructure:"port"`
	HeartbeatInterval time.Duration   `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration   `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORSOrigins       []string        `json:"cors_origins" mapstructure:"cors_origins"`
	RateLimit         RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig holds per-client limits; zero disables a limit
type RateLimitConfig struct {
	CreatesPerMinute    int `json:"creates_per_minute" mapstructure:"creates_per_minute"`
	MaxStreamsPerClient int `json:"max_streams_per_client" mapstructure:"max_streams_per_client"`
}

// SessionsConfig holds session lifetime settings
type SessionsConfig struct {
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	SweepSchedule string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// UpstreamConfig selects and tunes the generation provider
type UpstreamConfig struct {
	Provider   string        `json:"provider" mapstructure:"provider"` // anthropic, openai, file
	Model      string        `json:"model" mapstructure:"model"`
	MaxTokens  int           `json:"max_tokens" mapstructure:"max_tokens"`
	APIKey     string        `json:"api_key" mapstructure:"api_key"`
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	FilePath   string        `json:"file_path" mapstructure:"file_path"`
	ChunkSize  int           `json:"chunk_size" mapstructure:"chunk_size"`
	ChunkDelay time.Duration `json:"chunk_delay" mapstructure:"chunk_delay"`
}

// ClientConfig holds settings for the stream command
type ClientConfig struct {
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Transport string `json:"transport" mapstructure:"transport"` // sse, websocket
	// MaxRetries of zero disables reconnects
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	StateStore string        `json:"state_store" mapstructure:"state_store"` // file, sqlite
	StatePath  string        `json:"state_path" mapstructure:"state_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ObservabilityConfig holds tracing and audit settings
type ObservabilityConfig struct {
	Tracing     bool   `json:"tracing" mapstructure:"tracing"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	AuditLog    string `json:"audit_log" mapstructure:"audit_log"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3001,
			HeartbeatInterval: gateway.DefaultHeartbeatInterval,
			ShutdownTimeout:   gateway.DefaultShutdownTimeout,
			CORSOrigins:       []string{"*"},
			RateLimit: RateLimitConfig{
				CreatesPerMinute:    gateway.DefaultCreatesPerMinute,
				MaxStreamsPerClient: gateway.DefaultMaxStreamsPerClient,
			},
		},
		Sessions: SessionsConfig{
			TTL:           session.DefaultTTL,
			SweepSchedule: session.DefaultSweepSchedule,
		},
		Upstream: UpstreamConfig{
			Provider:   upstream.ProviderAnthropic,
			MaxTokens:  upstream.DefaultMaxTokens,
			ChunkSize:  upstream.DefaultChunkSize,
			ChunkDelay: upstream.DefaultChunkDelay,
		},
		Client: ClientConfig{
			BaseURL:    "http://localhost:3001",
			Transport:  client.TransportSSE,
			MaxRetries: client.DefaultMaxRetries,
			RetryDelay: client.DefaultRetryDelay,
			StateStore: StateStoreFile,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Observability: ObservabilityConfig{
			ServiceName: "resumable",
		},
	}
}

// ResumerRetries converts MaxRetries to the client package convention,
// where zero selects the default
func (c ClientConfig) ResumerRetries() int {
	if c.MaxRetries == 0 {
		return client.NoRetries
	}
	return c.MaxRetries
}

// State store kinds for the client
const (
	StateStoreFile   = "file"
	StateStoreSQLite = "sqlite"
)

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Upstream.APIKey != "" {
		masked.Upstream.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return joinErrors(NewValidator().ValidateConfig(c))
}

// ValidateServe additionally checks what the relay needs to start
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return NewValidator().ValidateUpstreamReady(c.Upstream)
}
