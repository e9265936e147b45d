package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "RESUMABLE"
	configDirName  = ".resumable"
	configFileName = "resumable.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFiles   []string
}

// NewLoader creates a config loader. envFiles are loaded into the process
// environment before the config is read; nil means ".env".
func NewLoader(configPath string, envFiles ...string) *Loader {
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	return &Loader{
		configPath: configPath,
		envFiles:   envFiles,
	}
}

// Load reads defaults, then the config file if it exists, then RESUMABLE_
// environment overrides
func (l *Loader) Load() (*Config, error) {
	if err := loadEnvFiles(l.envFiles); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := NewValidator().ValidateDocument(data); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case os.IsNotExist(err):
		// defaults and environment only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerived(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads each existing file without overriding variables that
// are already set
func loadEnvFiles(files []string) error {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.heartbeat_interval", cfg.Server.HeartbeatInterval)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", cfg.Server.CORSOrigins)
	v.SetDefault("server.rate_limit.creates_per_minute", cfg.Server.RateLimit.CreatesPerMinute)
	v.SetDefault("server.rate_limit.max_streams_per_client", cfg.Server.RateLimit.MaxStreamsPerClient)

	v.SetDefault("sessions.ttl", cfg.Sessions.TTL)
	v.SetDefault("sessions.sweep_schedule", cfg.Sessions.SweepSchedule)

	v.SetDefault("upstream.provider", cfg.Upstream.Provider)
	v.SetDefault("upstream.model", cfg.Upstream.Model)
	v.SetDefault("upstream.max_tokens", cfg.Upstream.MaxTokens)
	v.SetDefault("upstream.api_key", cfg.Upstream.APIKey)
	v.SetDefault("upstream.base_url", cfg.Upstream.BaseURL)
	v.SetDefault("upstream.file_path", cfg.Upstream.FilePath)
	v.SetDefault("upstream.chunk_size", cfg.Upstream.ChunkSize)
	v.SetDefault("upstream.chunk_delay", cfg.Upstream.ChunkDelay)

	v.SetDefault("client.base_url", cfg.Client.BaseURL)
	v.SetDefault("client.transport", cfg.Client.Transport)
	v.SetDefault("client.max_retries", cfg.Client.MaxRetries)
	v.SetDefault("client.retry_delay", cfg.Client.RetryDelay)
	v.SetDefault("client.state_store", cfg.Client.StateStore)
	v.SetDefault("client.state_path", cfg.Client.StatePath)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("observability.tracing", cfg.Observability.Tracing)
	v.SetDefault("observability.service_name", cfg.Observability.ServiceName)
	v.SetDefault("observability.audit_log", cfg.Observability.AuditLog)

	v.SetDefault("data_dir", cfg.DataDir)
}

// applyDerived fills paths under the data directory and provider keys from
// their conventional environment variables
func applyDerived(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, configDirName)
	}

	if cfg.Client.StatePath == "" {
		name := "client-state"
		if cfg.Client.StateStore == StateStoreSQLite {
			name = "client-state.db"
		}
		cfg.Client.StatePath = filepath.Join(cfg.DataDir, name)
	}

	if cfg.Upstream.APIKey == "" {
		switch cfg.Upstream.Provider {
		case "anthropic":
			cfg.Upstream.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			cfg.Upstream.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	return nil
}

// Save writes the configuration to the loader's path
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("server", cfg.Server)
	v.Set("sessions", cfg.Sessions)
	v.Set("upstream", cfg.Upstream)
	v.Set("client", cfg.Client)
	v.Set("logging", cfg.Logging)
	v.Set("observability", cfg.Observability)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
