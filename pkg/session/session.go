package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/harun/resumable/pkg/chunklog"
)

// Session is the unit of resumable state for one generation request
type Session struct {
	ID        string
	Prompt    string
	CreatedAt time.Time

	log     *chunklog.Log
	claimed atomic.Bool
	ctx     context.Context
	cancel  context.CancelCauseFunc
}

// Info is the read-only view of a session returned by admin surfaces
type Info struct {
	SessionID      string    `json:"sessionId"`
	Prompt         string    `json:"prompt"`
	IsCompleted    bool      `json:"isCompleted"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ResponseLength int       `json:"responseLength"`
	ChunkCount     int       `json:"chunkCount"`
	LastEventID    uint64    `json:"lastEventId"`
}

func newSession(id, prompt string, createdAt time.Time) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		ID:        id,
		Prompt:    prompt,
		CreatedAt: createdAt,
		log:       chunklog.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Log returns the session's chunk log
func (s *Session) Log() *chunklog.Log {
	return s.log
}

// Context is cancelled when the session is deleted, expires, or the store
// closes. context.Cause reports which one, wrapping ErrSessionClosed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// ClaimProducer grants the caller the single writer slot for this session.
// It returns false if any producer has ever claimed it.
func (s *Session) ClaimProducer() bool {
	return s.claimed.CompareAndSwap(false, true)
}

// ProducerClaimed reports whether a producer has been started for the session
func (s *Session) ProducerClaimed() bool {
	return s.claimed.Load()
}

// expired reports whether createdAt + ttl lies strictly before now
func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && s.CreatedAt.Add(ttl).Before(now)
}

// close cancels the producer. If no producer ever claimed the session the
// closer becomes the writer and terminates the log itself.
func (s *Session) close(cause error) {
	s.cancel(cause)
	if s.ClaimProducer() {
		_ = s.log.MarkFailed(cause.Error())
	}
}

// Info returns a snapshot of the session for admin responses
func (s *Session) Info() Info {
	status := s.log.Status()
	return Info{
		SessionID:      s.ID,
		Prompt:         s.Prompt,
		IsCompleted:    status.Terminal(),
		Status:         status.String(),
		Error:          s.log.Failure(),
		CreatedAt:      s.CreatedAt,
		ResponseLength: len(s.log.FullText()),
		ChunkCount:     s.log.Len(),
		LastEventID:    s.log.LastEventID(),
	}
}
