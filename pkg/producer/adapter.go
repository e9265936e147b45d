package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/resumable/internal/observability"
	"github.com/harun/resumable/internal/tracing"
	"github.com/harun/resumable/pkg/chunklog"
	"github.com/harun/resumable/pkg/session"
	"github.com/harun/resumable/pkg/upstream"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds adapter configuration
type Config struct {
	Generator upstream.Generator
	Model     string
	MaxTokens int
	Logger    zerolog.Logger
}

// Adapter drives at most one upstream call per session and writes its
// output into the session's chunk log.
type Adapter struct {
	gen       upstream.Generator
	model     string
	maxTokens int
	logger    zerolog.Logger

	wg sync.WaitGroup
}

// New creates an adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	observability.EnsureRegistered()

	return &Adapter{
		gen:       cfg.Generator,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}, nil
}

// Start launches the producer for sess unless one was already claimed. It
// returns true when this call started it. The producer outlives the caller's
// request and stops only when the session's own context is cancelled.
func (a *Adapter) Start(ctx context.Context, sess *session.Session) bool {
	logger := tracing.LoggerFromContext(ctx, a.logger).With().Str("session_id", sess.ID).Logger()

	if !sess.ClaimProducer() {
		observability.RecordDuplicateProducer()
		logger.Debug().Msg("Producer already claimed, not starting another")
		return false
	}

	// keep trace ids for correlation but drop the request's cancellation
	runCtx := tracing.Detach(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(runCtx, sess, logger)
	}()
	return true
}

// Wait blocks until every started producer has returned or ctx is done
func (a *Adapter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) run(ctx context.Context, sess *session.Session, logger zerolog.Logger) {
	ctx, span := tracing.StartSpan(ctx, "producer.run",
		attribute.String("session_id", sess.ID),
		attribute.String("provider", a.gen.Name()),
	)
	defer span.End()

	start := time.Now()
	observability.RecordProducerStart()
	logger.Info().Str("provider", a.gen.Name()).Msg("Producer started")

	// the session context carries deletion, expiry and shutdown
	genCtx, cancel := context.WithCancel(sess.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	status, err := a.produce(genCtx, sess)
	duration := time.Since(start)
	observability.RecordProducerEnd(a.gen.Name(), status, duration)
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("chunks", sess.Log().Len()),
	)

	if err != nil {
		tracing.Fail(span, err)
		logger.Error().
			Err(err).
			Int("chunks", sess.Log().Len()).
			Dur("duration", duration).
			Msg("Producer failed")
		return
	}

	logger.Info().
		Int("chunks", sess.Log().Len()).
		Int("response_length", len(sess.Log().FullText())).
		Dur("duration", duration).
		Msg("Producer completed")
}

// produce returns the terminal status label and, on failure, the cause. The
// log is always terminal when it returns.
func (a *Adapter) produce(ctx context.Context, sess *session.Session) (string, error) {
	log := sess.Log()

	stream, err := a.gen.Generate(ctx, upstream.Request{
		Prompt:    sess.Prompt,
		Model:     a.model,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return a.fail(ctx, log, fmt.Errorf("failed to start upstream: %w", err))
	}
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		if _, err := log.Append(stream.Text()); err != nil {
			// someone else terminated the log; nothing left to write
			return chunklog.StatusFailed.String(), fmt.Errorf("append rejected: %w", err)
		}
		observability.RecordChunkAppended()
	}

	if err := stream.Err(); err != nil {
		return a.fail(ctx, log, err)
	}
	if err := ctx.Err(); err != nil {
		return a.fail(ctx, log, err)
	}

	if err := log.MarkCompleted(); err != nil {
		return chunklog.StatusFailed.String(), err
	}
	return chunklog.StatusCompleted.String(), nil
}

func (a *Adapter) fail(ctx context.Context, log *chunklog.Log, err error) (string, error) {
	reason := err.Error()
	// report why the session went away rather than a bare context error
	if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
		reason = cause.Error()
		err = cause
	}
	if markErr := log.MarkFailed(reason); markErr != nil {
		return chunklog.StatusFailed.String(), errors.Join(err, markErr)
	}
	return chunklog.StatusFailed.String(), err
}
