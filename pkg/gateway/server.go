package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/harun/resumable/internal/observability"
	"github.com/harun/resumable/pkg/session"
	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second

	// retryHintMillis is sent to EventSource clients as the reconnect delay
	retryHintMillis = 3000
)

// Producer starts generation for a session at most once
type Producer interface {
	Start(ctx context.Context, sess *session.Session) bool
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	Store             *session.Store
	Producer          Producer
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	CORSOrigins       []string

	// CreatesPerMinute and MaxStreamsPerClient are per client address;
	// zero disables the limit
	CreatesPerMinute    int
	MaxStreamsPerClient int

	Logger zerolog.Logger
}

// Server is the relay HTTP server
type Server struct {
	host            string
	port            int
	heartbeat       time.Duration
	shutdownTimeout time.Duration
	store           *session.Store
	producer        Producer
	engine          *gin.Engine
	server          *http.Server
	listener        net.Listener
	upgrader        websocket.Upgrader
	conns           *ConnectionRegistry
	limiters        *limiterSet
	logger          zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	streams        sync.WaitGroup
	janitorCancel  context.CancelFunc
	janitorWG      sync.WaitGroup
}

// NewServer creates a relay server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if cfg.HeartbeatInterval < 0 {
		return nil, fmt.Errorf("invalid heartbeat interval: %s", cfg.HeartbeatInterval)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	observability.EnsureRegistered()

	s := &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		heartbeat:       cfg.HeartbeatInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           cfg.Store,
		producer:        cfg.Producer,
		conns:           NewConnectionRegistry(),
		limiters:        newLimiterSet(cfg.CreatesPerMinute, cfg.MaxStreamsPerClient),
		logger:          cfg.Logger,
	}

	allowOrigin := originMatcher(cfg.CORSOrigins)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowOrigin(origin)
		},
	}
	s.engine = s.newEngine(cfg.CORSOrigins)

	return s, nil
}

func (s *Server) newEngine(origins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)

	engine.Use(gin.Recovery())
	engine.Use(cors.New(corsConfig(origins)))
	engine.Use(s.requestLogger())
	engine.Use(s.shutdownGate())
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	s.registerRoutes(engine)
	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"OPTIONS", "GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Last-Event-ID", traceHeader},
		ExposeHeaders: []string{"Content-Length", traceHeader},
		MaxAge:        12 * time.Hour,
	}
	if allowsAll(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func allowsAll(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func originMatcher(origins []string) func(string) bool {
	if allowsAll(origins) {
		return func(string) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := allowed[origin]
		return ok
	}
}

// Handler exposes the routes for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting relay server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Relay server error")
		}
	}()

	s.startJanitor()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new requests, detaches every stream and shuts the listener
// down. Producers keep running; the session store owns their lifetime.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down relay server")
	s.stopJanitor()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	if n := s.conns.CancelAll(); n > 0 {
		s.logger.Info().Int("streams", n).Msg("Detached attached streams")
	}

	var shutdownErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	// hijacked websocket connections are not tracked by http.Server
	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached with streams still attached")
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}

	s.logger.Info().Msg("Relay server stopped")
	return shutdownErr
}

// SetRateLimits applies new per-client limits
func (s *Server) SetRateLimits(createsPerMinute, maxStreams int) {
	s.limiters.update(createsPerMinute, maxStreams)
}

// Connections returns the attached stream connections
func (s *Server) Connections() []ConnectionInfo {
	return s.conns.List()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// startJanitor periodically forgets idle rate limiter state
func (s *Server) startJanitor() {
	ctx, cancel := context.WithCancel(context.Background())
	s.janitorCancel = cancel
	s.janitorWG.Add(1)

	go func() {
		defer s.janitorWG.Done()

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.limiters.prune(now); n > 0 {
					s.logger.Debug().Int("clients", n).Msg("Pruned idle rate limiters")
				}
			}
		}
	}()
}

func (s *Server) stopJanitor() {
	if s.janitorCancel != nil {
		s.janitorCancel()
		s.janitorCancel = nil
	}
	s.janitorWG.Wait()
}
