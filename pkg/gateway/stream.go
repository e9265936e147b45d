package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/harun/resumable/internal/observability"
	"github.com/harun/resumable/internal/tracing"
	"github.com/harun/resumable/pkg/chunklog"
	"github.com/harun/resumable/pkg/protocol"
	"github.com/harun/resumable/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
)

var (
	errTooManyStreams = errors.New("too many concurrent streams")
	errMissingTopic   = errors.New("session not found and no topic given")
)

// attachment is a validated stream request, ready to pump
type attachment struct {
	sess    *session.Session
	last    uint64
	created bool
	release func()
}

// parseLastEventID reads the resume point from the header, then the query
func parseLastEventID(c *gin.Context) (uint64, error) {
	raw := c.GetHeader(protocol.HeaderLastEventID)
	if raw == "" {
		raw = c.Query(protocol.QueryLastEventID)
	}
	if raw == "" {
		return 0, nil
	}
	last, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid last event id %q", raw)
	}
	return last, nil
}

// attach resolves the session for a stream request, creating it from topic
// when unknown, and starts its producer if nobody has yet. It writes the
// error response itself and returns false on failure.
func (s *Server) attach(c *gin.Context) (*attachment, bool) {
	id := c.Query("sessionId")
	if err := session.ValidateID(id); err != nil {
		writeError(c, err)
		return nil, false
	}
	last, err := parseLastEventID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	ctx := tracing.WithSessionID(c.Request.Context(), id)
	topic := c.Query("topic")
	limiter := s.limiters.get(c.ClientIP())

	sess, err := s.store.Get(id)
	created := false
	if errors.Is(err, session.ErrSessionNotFound) {
		if topic == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errMissingTopic.Error()})
			return nil, false
		}
		if !limiter.AllowCreate() {
			writeError(c, errRateLimited)
			return nil, false
		}
		sess, created, err = s.store.GetOrCreate(ctx, id, topic)
	}
	if err != nil {
		writeError(c, err)
		return nil, false
	}

	// a fresh session has no history, whatever cursor the client kept
	if created && last > 0 {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Info().
			Uint64("last_event_id", last).
			Msg("Discarding resume cursor for recreated session")
		last = 0
	}

	if !limiter.AcquireStream() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errTooManyStreams.Error()})
		return nil, false
	}

	s.producer.Start(ctx, sess)

	return &attachment{
		sess:    sess,
		last:    last,
		created: created,
		release: limiter.ReleaseStream,
	}, true
}

// register tracks a connection unless shutdown has begun
func (s *Server) register(conn *Connection) bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()

	if s.isShuttingDown {
		return false
	}
	s.conns.Add(conn)
	s.streams.Add(1)
	return true
}

func (s *Server) unregister(conn *Connection) {
	s.conns.Remove(conn.ID)
	s.streams.Done()
}

func (s *Server) newConnection(c *gin.Context, sessionID, transport string, cancel context.CancelFunc) *Connection {
	id, err := gonanoid.New()
	if err != nil {
		id = tracing.NewTraceID()
	}
	return &Connection{
		ID:          id,
		SessionID:   sessionID,
		Transport:   transport,
		RemoteAddr:  c.ClientIP(),
		ConnectedAt: time.Now(),
		cancel:      cancel,
	}
}

// handleSSEStream serves the session as server-sent events
func (s *Server) handleSSEStream(c *gin.Context) {
	att, ok := s.attach(c)
	if !ok {
		return
	}
	defer att.release()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn := s.newConnection(c, att.sess.ID, transportSSE, cancel)
	if !s.register(conn) {
		writeError(c, session.ErrStoreClosed)
		return
	}
	defer s.unregister(conn)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	enc := protocol.NewEncoder(c.Writer)
	if err := enc.WriteRetry(retryHintMillis); err != nil {
		return
	}

	s.pump(ctx, conn, att, enc)
}

// handleWSStream serves the session over a websocket
func (s *Server) handleWSStream(c *gin.Context) {
	att, ok := s.attach(c)
	if !ok {
		return
	}
	defer att.release()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already replied
		s.logger.Debug().Err(err).Str("session_id", att.sess.ID).Msg("Websocket upgrade failed")
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn := s.newConnection(c, att.sess.ID, transportWebSocket, cancel)
	if !s.register(conn) {
		closeWS(ws, websocket.CloseGoingAway, "server is shutting down")
		return
	}
	defer s.unregister(conn)

	// the reader only notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	s.pump(ctx, conn, att, protocol.NewWSWriter(ws, 0))

	code, reason := websocket.CloseNormalClosure, ""
	if s.shuttingDown() {
		code, reason = websocket.CloseGoingAway, "server is shutting down"
	}
	closeWS(ws, code, reason)
}

func closeWS(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// trackingWriter records the last id delivered on a connection
type trackingWriter struct {
	protocol.FrameWriter
	conn *Connection
}

func (w trackingWriter) WriteChunk(chunk chunklog.Chunk) error {
	if err := w.FrameWriter.WriteChunk(chunk); err != nil {
		return err
	}
	w.conn.lastEventID.Store(chunk.ID)
	return nil
}

func (s *Server) pump(ctx context.Context, conn *Connection, att *attachment, w protocol.FrameWriter) {
	ctx = tracing.WithConnID(tracing.WithSessionID(ctx, conn.SessionID), conn.ID)
	ctx, span := tracing.StartSpan(ctx, "stream.attach",
		attribute.String("session_id", conn.SessionID),
		attribute.String("transport", conn.Transport),
		attribute.Int64("last_event_id", int64(att.last)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("transport", conn.Transport).
		Uint64("last_event_id", att.last).
		Bool("created", att.created).
		Msg("Stream attached")

	observability.StreamAttached(conn.Transport)
	defer observability.StreamDetached(conn.Transport)

	conn.lastEventID.Store(att.last)
	res, err := protocol.Pump(ctx, att.sess.Log(), att.last, trackingWriter{FrameWriter: w, conn: conn}, protocol.PumpOptions{
		Heartbeat: s.heartbeat,
	})
	observability.RecordChunksReplayed(res.Replayed)
	span.SetAttributes(
		attribute.Int("replayed", res.Replayed),
		attribute.Int("tailed", res.Tailed),
	)

	event := logger.Info()
	if err != nil && !errors.Is(err, context.Canceled) {
		tracing.Fail(span, err)
		event = logger.Warn().Err(err)
	}
	logStreamEnd(event, res, err)
}

func logStreamEnd(event *zerolog.Event, res protocol.Result, err error) {
	msg := "Stream finished"
	if err != nil {
		msg = "Stream detached"
	}
	event.
		Int("replayed", res.Replayed).
		Int("tailed", res.Tailed).
		Uint64("last_event_id", res.LastEventID).
		Str("status", res.Status.String()).
		Msg(msg)
}
