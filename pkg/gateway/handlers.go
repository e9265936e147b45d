package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/harun/resumable/internal/observability"
	"github.com/harun/resumable/internal/tracing"
	"github.com/harun/resumable/pkg/session"
)

var errRateLimited = errors.New("rate limit exceeded")

type createRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type createResponse struct {
	SessionID   string `json:"sessionId"`
	Exists      bool   `json:"exists"`
	Prompt      string `json:"prompt"`
	IsCompleted bool   `json:"isCompleted"`
}

type responseBody struct {
	SessionID   string `json:"sessionId"`
	IsCompleted bool   `json:"isCompleted"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Response    string `json:"response"`
}

type sessionSummary struct {
	session.Info
	Viewers int `json:"viewers"`
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	sessions := engine.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.GET("/:id/response", s.handleGetResponse)
	sessions.DELETE("/:id", s.handleDeleteSession)

	admin := engine.Group("/admin")
	admin.GET("/sessions", s.handleListSessions)
	admin.GET("/connections", s.handleListConnections)

	engine.GET("/ai/stream", s.handleSSEStream)
	engine.GET("/ws/stream", s.handleWSStream)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.store.Len(),
		"streams":  s.conns.Count(),
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse request body"})
		return
	}

	ctx := c.Request.Context()
	if req.SessionID != "" {
		ctx = tracing.WithSessionID(ctx, req.SessionID)
	}
	if req.SessionID == "" || !s.sessionExists(req.SessionID) {
		if !s.limiters.get(c.ClientIP()).AllowCreate() {
			writeError(c, errRateLimited)
			return
		}
	}

	var (
		sess    *session.Session
		created bool
		err     error
	)
	if req.SessionID == "" {
		sess, err = s.store.CreateGenerated(ctx, req.Prompt)
		created = true
	} else {
		sess, created, err = s.store.Create(ctx, req.SessionID, req.Prompt)
	}
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Err(err).Msg("Session create rejected")
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, createResponse{
		SessionID:   sess.ID,
		Exists:      !created,
		Prompt:      sess.Prompt,
		IsCompleted: sess.Log().Completed(),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.store.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) handleGetResponse(c *gin.Context) {
	sess, err := s.store.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	log := sess.Log()
	status := log.Status()
	c.JSON(http.StatusOK, responseBody{
		SessionID:   sess.ID,
		IsCompleted: status.Terminal(),
		Status:      status.String(),
		Error:       log.Failure(),
		Response:    log.FullText(),
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.store.Delete(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Session deleted"})
}

func (s *Server) handleListSessions(c *gin.Context) {
	viewers := s.conns.Viewers()
	list := s.store.List()

	out := make([]sessionSummary, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionSummary{Info: sess.Info(), Viewers: viewers[sess.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleListConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connections": s.conns.List()})
}

func (s *Server) sessionExists(id string) bool {
	_, err := s.store.Get(id)
	return err == nil
}

// writeError maps store errors onto HTTP statuses
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, session.ErrAlreadyExists):
		status, msg = http.StatusConflict, "session already exists with a different prompt"
	case errors.Is(err, session.ErrEmptyPrompt):
		status, msg = http.StatusBadRequest, "prompt is required"
	case errors.Is(err, session.ErrInvalidID):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrStoreClosed):
		status, msg = http.StatusServiceUnavailable, "server is shutting down"
	case errors.Is(err, errRateLimited):
		status, msg = http.StatusTooManyRequests, err.Error()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
