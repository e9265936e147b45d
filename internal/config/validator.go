package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/harun/resumable/pkg/client"
	"github.com/harun/resumable/pkg/session"
	"github.com/harun/resumable/pkg/upstream"
	"github.com/xeipuuv/gojsonschema"
)

// Validator validates configuration values
type Validator struct {
	schemaLoader gojsonschema.JSONLoader
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		schemaLoader: gojsonschema.NewStringLoader(Schema),
	}
}

// ValidateDocument checks a raw JSON config document against the schema
func (v *Validator) ValidateDocument(data []byte) error {
	result, err := gojsonschema.Validate(v.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("config does not match schema: %s", strings.Join(msgs, "; "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case upstream.ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case upstream.ProviderOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateProvider validates the upstream provider name
func (v *Validator) ValidateProvider(provider string) error {
	return oneOf("upstream provider", provider,
		upstream.ProviderAnthropic, upstream.ProviderOpenAI, upstream.ProviderFile)
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "trace", "debug", "info", "warn", "error")
}

// ValidateTransport validates the client stream transport
func (v *Validator) ValidateTransport(transport string) error {
	return oneOf("client transport", transport, client.TransportSSE, client.TransportWebSocket)
}

// ValidateStateStore validates the client state store kind
func (v *Validator) ValidateStateStore(kind string) error {
	return oneOf("client state store", kind, StateStoreFile, StateStoreSQLite)
}

// ValidateBaseURL requires an absolute http(s) URL
func (v *Validator) ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base url %q: host is required", raw)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add(fmt.Errorf("server.port must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	add(nonNegative("server.heartbeat_interval", cfg.Server.HeartbeatInterval))
	add(nonNegative("server.shutdown_timeout", cfg.Server.ShutdownTimeout))
	if cfg.Server.RateLimit.CreatesPerMinute < 0 {
		add(fmt.Errorf("server.rate_limit.creates_per_minute must be >= 0"))
	}
	if cfg.Server.RateLimit.MaxStreamsPerClient < 0 {
		add(fmt.Errorf("server.rate_limit.max_streams_per_client must be >= 0"))
	}

	if cfg.Sessions.TTL <= 0 {
		add(fmt.Errorf("sessions.ttl must be positive"))
	}
	if err := session.ValidateSchedule(cfg.Sessions.SweepSchedule); err != nil {
		add(fmt.Errorf("sessions.sweep_schedule: %w", err))
	}

	add(v.ValidateProvider(cfg.Upstream.Provider))
	if cfg.Upstream.MaxTokens != 0 {
		add(v.ValidateMaxTokens(cfg.Upstream.MaxTokens))
	}
	if cfg.Upstream.ChunkSize < 0 {
		add(fmt.Errorf("upstream.chunk_size must be >= 0"))
	}
	add(nonNegative("upstream.chunk_delay", cfg.Upstream.ChunkDelay))
	if cfg.Upstream.BaseURL != "" {
		add(v.ValidateBaseURL(cfg.Upstream.BaseURL))
	}

	add(v.ValidateBaseURL(cfg.Client.BaseURL))
	add(v.ValidateTransport(cfg.Client.Transport))
	add(v.ValidateStateStore(cfg.Client.StateStore))
	if cfg.Client.MaxRetries < 0 {
		add(fmt.Errorf("client.max_retries must be >= 0"))
	}
	add(nonNegative("client.retry_delay", cfg.Client.RetryDelay))

	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}

// ValidateUpstreamReady checks the credentials or input the provider needs
func (v *Validator) ValidateUpstreamReady(cfg UpstreamConfig) error {
	switch cfg.Provider {
	case upstream.ProviderFile:
		if cfg.FilePath == "" {
			return fmt.Errorf("upstream.file_path is required for the file provider")
		}
		return nil
	default:
		// a custom base URL may front a gateway with its own key format
		if cfg.BaseURL != "" && cfg.APIKey != "" {
			return nil
		}
		return v.ValidateAPIKey(cfg.APIKey, cfg.Provider)
	}
}

func oneOf(what, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", what, value, strings.Join(allowed, ", "))
}

func nonNegative(field string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s must be >= 0, got %s", field, d)
	}
	return nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
