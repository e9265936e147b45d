package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/resumable/internal/config"
	"github.com/harun/resumable/internal/logger"
	"github.com/harun/resumable/internal/observability"
	"github.com/harun/resumable/internal/tracing"
	"github.com/harun/resumable/pkg/gateway"
	"github.com/harun/resumable/pkg/producer"
	"github.com/harun/resumable/pkg/session"
	"github.com/harun/resumable/pkg/upstream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the relay server in the foreground. Sessions live in memory until they
expire or are deleted; SIGINT or SIGTERM shuts the relay down gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort >= 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := ensureDataDir(cfg); err != nil {
		return err
	}

	log, err := newLogger(cfg, cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	r, err := newRelay(cfg, log)
	if err != nil {
		return err
	}
	if err := r.start(); err != nil {
		return err
	}
	if err := r.watch(loader); err != nil {
		// serving without hot reload is still useful
		log.Warn().Err(err).Msg("Config watch disabled")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", r.server.Addr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutdown signal received")

	// producers get the same grace period as streams
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Server.ShutdownTimeout)
	defer cancel()
	return r.stop(shutdownCtx)
}

// relay wires the session store, producer and gateway for one serve run
type relay struct {
	log      *logger.Logger
	logger   zerolog.Logger
	store    *session.Store
	sweeper  *session.Sweeper
	producer *producer.Adapter
	server   *gateway.Server
	watcher  *config.Watcher
	tracing  bool

	mu  sync.Mutex
	cfg *config.Config
}

func newRelay(cfg *config.Config, log *logger.Logger) (*relay, error) {
	r := &relay{
		cfg:    cfg,
		log:    log,
		logger: log.Component("relay"),
	}

	if cfg.Observability.Tracing {
		if err := tracing.InitOpenTelemetry(cfg.Observability.ServiceName); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		r.tracing = true
	}
	if path := cfg.Observability.AuditLog; path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		if err := observability.InitAuditLogger(path); err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	gen, err := upstream.New(upstream.Config{
		Provider:   cfg.Upstream.Provider,
		Model:      cfg.Upstream.Model,
		MaxTokens:  cfg.Upstream.MaxTokens,
		APIKey:     cfg.Upstream.APIKey,
		BaseURL:    cfg.Upstream.BaseURL,
		FilePath:   cfg.Upstream.FilePath,
		ChunkSize:  cfg.Upstream.ChunkSize,
		ChunkDelay: cfg.Upstream.ChunkDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream: %w", err)
	}

	r.producer, err = producer.New(producer.Config{
		Generator: gen,
		Model:     cfg.Upstream.Model,
		MaxTokens: cfg.Upstream.MaxTokens,
		Logger:    log.Component("producer"),
	})
	if err != nil {
		return nil, err
	}

	r.store = session.NewStore(session.Config{
		TTL:    cfg.Sessions.TTL,
		Logger: log.Component("session"),
	})

	r.sweeper, err = session.NewSweeper(r.store, cfg.Sessions.SweepSchedule, log.Component("sweeper"))
	if err != nil {
		return nil, err
	}

	r.server, err = gateway.NewServer(gateway.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		Store:               r.store,
		Producer:            r.producer,
		HeartbeatInterval:   cfg.Server.HeartbeatInterval,
		ShutdownTimeout:     cfg.Server.ShutdownTimeout,
		CORSOrigins:         cfg.Server.CORSOrigins,
		CreatesPerMinute:    cfg.Server.RateLimit.CreatesPerMinute,
		MaxStreamsPerClient: cfg.Server.RateLimit.MaxStreamsPerClient,
		Logger:              log.Component("gateway"),
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

func (r *relay) start() error {
	if err := r.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	if err := r.server.Start(); err != nil {
		r.sweeper.Stop(context.Background())
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	r.logger.Info().
		Str("addr", r.server.Addr()).
		Str("provider", r.cfg.Upstream.Provider).
		Dur("session_ttl", r.cfg.Sessions.TTL).
		Msg("Relay started")
	return nil
}

func (r *relay) watch(loader *config.Loader) error {
	w, err := config.Watch(config.WatchConfig{
		Loader:   loader,
		OnChange: r.applyConfig,
		Logger:   r.logger,
	})
	if err != nil {
		return err
	}
	r.watcher = w
	return nil
}

// applyConfig applies the settings that can change without a restart:
// log level, session TTL, sweep schedule and rate limits.
func (r *relay) applyConfig(next *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// unapplied settings keep their startup values
	cur := *r.cfg
	applied := map[string]interface{}{}

	if next.Logging.Level != cur.Logging.Level {
		if err := r.log.SetLevel(next.Logging.Level); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to apply log level")
		} else {
			cur.Logging.Level = next.Logging.Level
			applied["logging.level"] = next.Logging.Level
		}
	}
	if next.Sessions.TTL != cur.Sessions.TTL {
		r.store.SetTTL(next.Sessions.TTL)
		cur.Sessions.TTL = next.Sessions.TTL
		applied["sessions.ttl"] = next.Sessions.TTL.String()
	}
	if next.Sessions.SweepSchedule != cur.Sessions.SweepSchedule {
		if err := r.sweeper.Reschedule(next.Sessions.SweepSchedule); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to apply sweep schedule")
		} else {
			cur.Sessions.SweepSchedule = next.Sessions.SweepSchedule
			applied["sessions.sweep_schedule"] = next.Sessions.SweepSchedule
		}
	}
	if next.Server.RateLimit != cur.Server.RateLimit {
		r.server.SetRateLimits(next.Server.RateLimit.CreatesPerMinute, next.Server.RateLimit.MaxStreamsPerClient)
		cur.Server.RateLimit = next.Server.RateLimit
		applied["server.rate_limit.creates_per_minute"] = next.Server.RateLimit.CreatesPerMinute
		applied["server.rate_limit.max_streams_per_client"] = next.Server.RateLimit.MaxStreamsPerClient
	}

	if next.Server.Host != cur.Server.Host || next.Server.Port != cur.Server.Port || next.Upstream != cur.Upstream {
		r.logger.Warn().Msg("Server address and upstream changes take effect after a restart")
	}

	r.cfg = &cur
	if len(applied) == 0 {
		return
	}
	r.logger.Info().Fields(applied).Msg("Applied config changes")
	observability.RecordConfigAudit(context.Background(), "reload", applied)
}

func (r *relay) config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// stop shuts down in dependency order: streams first, then the sweeper,
// then the sessions (which cancels their producers), then waits for the
// producers to write their final state.
func (r *relay) stop(ctx context.Context) error {
	var errs []error

	if r.watcher != nil {
		if err := r.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if err := r.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	r.sweeper.Stop(ctx)
	r.store.Close()
	if err := r.producer.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("producers: %w", err))
	}

	if err := observability.CloseAuditLogger(); err != nil {
		errs = append(errs, fmt.Errorf("audit log: %w", err))
	}
	if r.tracing {
		otelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(otelCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	r.logger.Info().Msg("Relay stopped")
	return errors.Join(errs...)
}
