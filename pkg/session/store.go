package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/harun/resumable/internal/observability"
	"github.com/harun/resumable/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTTL = 24 * time.Hour

	// MaxIDLength bounds client-supplied session ids
	MaxIDLength = 128

	generatedIDLength   = 6
	generatedIDAlphabet = "0123456789"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrAlreadyExists   = errors.New("session: already exists with a different prompt")
	ErrEmptyPrompt     = errors.New("session: prompt is empty")
	ErrInvalidID       = errors.New("session: invalid id")
	ErrSessionClosed   = errors.New("session closed")
	ErrStoreClosed     = errors.New("session: store closed")
)

var (
	causeExpired  = fmt.Errorf("%w: expired", ErrSessionClosed)
	causeDeleted  = fmt.Errorf("%w: deleted", ErrSessionClosed)
	causeShutdown = fmt.Errorf("%w: relay shutting down", ErrSessionClosed)
)

// Config holds store configuration
type Config struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

// Store is the concurrency-safe registry of live sessions
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	closed   bool
}

// NewStore creates an empty store
func NewStore(cfg Config) *Store {
	observability.EnsureRegistered()

	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		sessions: make(map[string]*Session),
		ttl:      cfg.TTL,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// ValidateID checks a client-supplied session id
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, MaxIDLength)
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: cannot contain path elements", ErrInvalidID)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: cannot contain whitespace or control characters", ErrInvalidID)
		}
	}
	return nil
}

// NewID generates a random numeric session id
func NewID() (string, error) {
	return gonanoid.Generate(generatedIDAlphabet, generatedIDLength)
}

// Create registers a new session. Calling it again with the same id and
// prompt returns the existing session unchanged with created == false; a
// different prompt fails with ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, id, prompt string) (*Session, bool, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "session.create", attribute.String("session_id", id))
	defer span.End()

	sess, created, err := s.create(ctx, id, prompt, true)
	tracing.Fail(span, err)
	return sess, created, err
}

// GetOrCreate returns the live session for id, creating it with prompt when
// absent. The prompt of an existing session is never compared.
func (s *Store) GetOrCreate(ctx context.Context, id, prompt string) (*Session, bool, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "session.get_or_create", attribute.String("session_id", id))
	defer span.End()

	sess, created, err := s.create(ctx, id, prompt, false)
	tracing.Fail(span, err)
	return sess, created, err
}

// CreateGenerated creates a session under a freshly generated id
func (s *Store) CreateGenerated(ctx context.Context, prompt string) (*Session, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := NewID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session id: %w", err)
		}

		s.mu.RLock()
		_, taken := s.sessions[id]
		s.mu.RUnlock()
		if taken {
			continue
		}

		sess, created, err := s.Create(ctx, id, prompt)
		if err != nil {
			return nil, err
		}
		if created {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("failed to generate a unique session id")
}

func (s *Store) create(ctx context.Context, id, prompt string, strict bool) (*Session, bool, error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrStoreClosed
	}

	now := s.now()
	if existing, ok := s.sessions[id]; ok {
		if !existing.expired(now, s.ttl) {
			if strict && existing.Prompt != prompt {
				return nil, false, ErrAlreadyExists
			}
			return existing, false, nil
		}
		s.removeLocked(existing, causeExpired)
		observability.RecordSessionExpired(1)
		logger.Info().Msg("Expired session replaced on access")
	}

	if strings.TrimSpace(prompt) == "" {
		return nil, false, ErrEmptyPrompt
	}

	sess := newSession(id, prompt, now)
	s.sessions[id] = sess

	observability.RecordSessionCreated()
	observability.SetActiveSessions(len(s.sessions))
	observability.RecordSessionAudit(ctx, "created", id, map[string]interface{}{
		"prompt_length": len(prompt),
	})
	logger.Info().
		Int("prompt_length", len(prompt)).
		Time("expires_at", now.Add(s.ttl)).
		Msg("Session created")

	return sess, true, nil
}

// Get returns a live session. Expired sessions are removed lazily and
// reported as ErrSessionNotFound.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	expired := ok && sess.expired(s.now(), s.ttl)
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if expired {
		s.mu.Lock()
		if current, still := s.sessions[id]; still && current == sess {
			s.removeLocked(sess, causeExpired)
			observability.RecordSessionExpired(1)
		}
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete removes a session and cancels its producer. It reports whether a
// session existed.
func (s *Store) Delete(ctx context.Context, id string) bool {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "session.delete", attribute.String("session_id", id))
	defer span.End()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		s.removeLocked(sess, causeDeleted)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	observability.RecordSessionDeleted()
	observability.RecordSessionAudit(ctx, "deleted", id, nil)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Msg("Session deleted")
	return true
}

// SweepExpired removes every session whose createdAt + TTL is before now and
// returns how many were removed.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	var expired []*Session
	for _, sess := range s.sessions {
		if sess.expired(now, s.ttl) {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		s.removeLocked(sess, causeExpired)
	}
	s.mu.Unlock()

	for _, sess := range expired {
		observability.RecordSessionAudit(context.Background(), "expired", sess.ID, map[string]interface{}{
			"status": sess.Log().Status().String(),
		})
		s.logger.Info().Str("session_id", sess.ID).Msg("Cleaning up expired session")
	}
	if len(expired) > 0 {
		observability.RecordSessionExpired(len(expired))
	}

	return len(expired)
}

// removeLocked must be called with s.mu held for writing
func (s *Store) removeLocked(sess *Session, cause error) {
	delete(s.sessions, sess.ID)
	sess.close(cause)
	observability.SetActiveSessions(len(s.sessions))
}

// List returns live sessions ordered by creation time
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.expired(now, s.ttl) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of sessions held, expired or not
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// TTL returns the current session time-to-live
func (s *Store) TTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttl
}

// SetTTL changes the time-to-live applied by future expiry checks
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
	s.logger.Info().Dur("ttl", ttl).Msg("Session TTL updated")
}

// Close removes every session, cancelling their producers, and rejects
// further creation.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		s.removeLocked(sess, causeShutdown)
	}
	s.closed = true
	s.logger.Info().Msg("Session store closed")
}
