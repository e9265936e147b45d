package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderFile      = "file"

	DefaultAnthropicModel = "claude-3-7-sonnet-20250219"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultMaxTokens      = 4096
	DefaultChunkSize      = 10
	DefaultChunkDelay     = 100 * time.Millisecond
)

var ErrUnsupportedProvider = errors.New("upstream: unsupported provider")

// Generator starts one upstream generation call
type Generator interface {
	// Generate opens a stream of text units for the request. Errors that
	// happen after the call is accepted are reported through Stream.Err.
	Generate(ctx context.Context, req Request) (Stream, error)

	// Name returns the provider name
	Name() string
}

// Stream yields discrete units of generated text.
//
//	for s.Next() {
//		use(s.Text())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}

// Request parameterizes a generation call
type Request struct {
	Prompt    string
	Model     string
	MaxTokens int
}

// Config selects and configures a generator
type Config struct {
	Provider  string
	Model     string
	MaxTokens int
	APIKey    string
	BaseURL   string

	FilePath   string
	ChunkSize  int
	ChunkDelay time.Duration
}

// New creates the generator named by cfg.Provider
func New(cfg Config) (Generator, error) {
	switch cfg.Provider {
	case ProviderAnthropic, "":
		return NewAnthropicGenerator(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIGenerator(cfg), nil
	case ProviderFile:
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file provider requires a file path")
		}
		return NewFileGenerator(cfg.FilePath, cfg.ChunkSize, cfg.ChunkDelay), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
}

// eventStream is the iterator shape shared by the SDK streaming clients
type eventStream[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// deltaStream adapts an SDK event stream to Stream, skipping events that
// carry no text.
type deltaStream[T any] struct {
	events  eventStream[T]
	extract func(T) string
	text    string
}

func newDeltaStream[T any](events eventStream[T], extract func(T) string) *deltaStream[T] {
	return &deltaStream[T]{events: events, extract: extract}
}

func (s *deltaStream[T]) Next() bool {
	for s.events.Next() {
		if text := s.extract(s.events.Current()); text != "" {
			s.text = text
			return true
		}
	}
	s.text = ""
	return false
}

func (s *deltaStream[T]) Text() string {
	return s.text
}

func (s *deltaStream[T]) Err() error {
	return s.events.Err()
}

func (s *deltaStream[T]) Close() error {
	return s.events.Close()
}
