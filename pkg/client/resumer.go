package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harun/resumable/pkg/chunklog"
	"github.com/harun/resumable/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 3 * time.Second

	// NoRetries disables reconnects: the first transport failure is final
	NoRetries = -1
)

// errStreamEnded marks a connection that closed before a terminal frame
var errStreamEnded = errors.New("stream ended before completion")

// Config holds resumer configuration
type Config struct {
	Transport Transport
	// Store persists progress between runs; nil keeps it in memory only
	Store StateStore

	// MaxRetries bounds reconnects after a transport failure. Zero means
	// DefaultMaxRetries; NoRetries (or any negative value) disables them.
	MaxRetries int
	RetryDelay time.Duration

	OnChunk func(chunklog.Chunk)
	OnState func(State)
	// OnReset fires when the relay restarted the session and earlier
	// content was discarded
	OnReset func()

	Logger zerolog.Logger
	Now    func() time.Time
}

// Resumer runs the client side of a resumable stream: it attaches, keeps
// the last received id, and reattaches after transport failures.
type Resumer struct {
	cfg Config

	mu    sync.Mutex
	state State
	rec   Record
}

// New creates a resumer
func New(cfg Config) (*Resumer, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Resumer{cfg: cfg, state: StateIdle}, nil
}

// State returns the current state
func (r *Resumer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Record returns a copy of the current progress
func (r *Resumer) Record() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}

// Run streams sessionID to completion. Saved progress for the session is
// loaded first, so a restarted process reattaches where it left off; a
// session already saved as completed returns without connecting.
func (r *Resumer) Run(ctx context.Context, sessionID, prompt string) (Record, error) {
	logger := r.cfg.Logger.With().Str("session_id", sessionID).Logger()

	rec, err := r.cfg.Store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = Record{SessionID: sessionID, Prompt: prompt, Status: StateIdle}
	case err != nil:
		return Record{}, fmt.Errorf("failed to load client state: %w", err)
	default:
		logger.Info().
			Uint64("last_event_id", rec.LastEventID).
			Str("status", string(rec.Status)).
			Msg("Resuming from saved state")
		if rec.Prompt == "" {
			rec.Prompt = prompt
		}
	}

	r.mu.Lock()
	r.rec = rec
	r.mu.Unlock()

	if rec.Status == StateCompleted {
		r.setState(ctx, StateCompleted)
		return rec, nil
	}

	attempt := 0
	for {
		r.setState(ctx, StateConnecting)
		logger.Debug().
			Int("attempt", attempt).
			Uint64("last_event_id", r.Record().LastEventID).
			Str("transport", r.cfg.Transport.Name()).
			Msg("Connecting to relay")

		gotData, err := r.attach(ctx, logger)
		if err == nil {
			r.setState(ctx, StateCompleted)
			logger.Info().Int("content_length", len(r.Record().Content)).Msg("Stream completed")
			return r.Record(), nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			// leave the saved state resumable
			return r.Record(), ctxErr
		}

		if !retryable(err) {
			r.fail(ctx, err)
			logger.Error().Err(err).Msg("Stream failed")
			return r.Record(), err
		}

		if gotData {
			attempt = 0
		}
		attempt++
		if attempt > r.cfg.MaxRetries {
			err = fmt.Errorf("%w after %d retries: %v", ErrRetriesExhausted, r.cfg.MaxRetries, err)
			r.fail(ctx, err)
			logger.Error().Err(err).Msg("Giving up on relay")
			return r.Record(), err
		}

		r.setState(ctx, StateError)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_retries", r.cfg.MaxRetries).
			Dur("delay", r.cfg.RetryDelay).
			Msg("Connection lost, retrying")

		timer := time.NewTimer(r.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return r.Record(), ctx.Err()
		case <-timer.C:
		}
	}
}

// attach consumes one connection until a terminal frame or a failure
func (r *Resumer) attach(ctx context.Context, logger zerolog.Logger) (bool, error) {
	rec := r.Record()
	stream, err := r.cfg.Transport.Open(ctx, OpenRequest{
		SessionID:   rec.SessionID,
		Prompt:      rec.Prompt,
		LastEventID: rec.LastEventID,
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = stream.Close() }()

	gotData := false
	for {
		frame, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return gotData, errStreamEnded
			}
			return gotData, err
		}

		switch frame.Kind {
		case protocol.KindData:
			if r.accept(ctx, frame, logger) {
				gotData = true
			}
		case protocol.KindComplete:
			return gotData, nil
		case protocol.KindError:
			return gotData, &UpstreamError{Message: frame.Err}
		}
	}
}

// accept applies a data frame and reports whether it advanced the cursor
func (r *Resumer) accept(ctx context.Context, frame protocol.Frame, logger zerolog.Logger) bool {
	r.mu.Lock()
	switch {
	case frame.ID == 1 && r.rec.LastEventID >= 1:
		// ids restart only when the relay recreated the session
		logger.Warn().
			Uint64("last_event_id", r.rec.LastEventID).
			Msg("Relay restarted the session, discarding stale content")
		r.rec.Content = ""
		r.rec.LastEventID = 0
		r.mu.Unlock()
		if r.cfg.OnReset != nil {
			r.cfg.OnReset()
		}
		r.mu.Lock()
	case frame.ID != 0 && frame.ID <= r.rec.LastEventID:
		r.mu.Unlock()
		logger.Debug().Uint64("event_id", frame.ID).Msg("Skipping duplicate chunk")
		return false
	}

	r.rec.Content += frame.Data
	if frame.ID != 0 {
		r.rec.LastEventID = frame.ID
	}
	r.mu.Unlock()

	r.setState(ctx, StateStreaming)
	if r.cfg.OnChunk != nil {
		r.cfg.OnChunk(frame.Chunk())
	}
	return true
}

func (r *Resumer) fail(ctx context.Context, err error) {
	r.mu.Lock()
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		r.rec.Error = upstream.Message
	} else {
		r.rec.Error = err.Error()
	}
	r.mu.Unlock()
	r.setState(ctx, StateError)
}

// setState records the transition and persists the record
func (r *Resumer) setState(ctx context.Context, state State) {
	r.mu.Lock()
	changed := r.state != state
	r.state = state
	r.rec.Status = state
	r.rec.UpdatedAt = r.cfg.Now()
	rec := r.rec
	r.mu.Unlock()

	// a cancelled run still saves where it got to
	if err := r.cfg.Store.Save(context.WithoutCancel(ctx), rec); err != nil {
		r.cfg.Logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("Failed to save client state")
	}

	if changed && r.cfg.OnState != nil {
		r.cfg.OnState(state)
	}
}

// retryable reports whether err is a transport failure worth reconnecting for
func retryable(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return false
	}
	if errors.Is(err, ErrSessionNotFound) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	return true
}
