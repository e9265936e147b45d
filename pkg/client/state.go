package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the position of a Resumer in its connection lifecycle
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Terminal reports whether no further transitions will happen on their own
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

var (
	ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")
	ErrSessionNotFound  = errors.New("client: session not found")
	ErrRecordNotFound   = errors.New("client: no saved state for session")
)

// UpstreamError is the failure the relay reported in an error frame
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "upstream failed: " + e.Message
}

// StatusError is a non-success HTTP status returned by the relay
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned status %d", e.Code)
	}
	return fmt.Sprintf("relay returned status %d: %s", e.Code, e.Message)
}

// Temporary reports whether retrying the request may succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == 429
}

// Record is the durable resumption state for one session
type Record struct {
	SessionID   string    `json:"sessionId"`
	Prompt      string    `json:"prompt"`
	LastEventID uint64    `json:"lastEventId"`
	Content     string    `json:"content"`
	Status      State     `json:"status"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StateStore persists records outside process memory
type StateStore interface {
	Load(ctx context.Context, sessionID string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// MemoryStore keeps records in process. It does not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SessionID] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
