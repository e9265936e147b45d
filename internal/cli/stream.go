package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/harun/resumable/internal/config"
	"github.com/harun/resumable/pkg/chunklog"
	"github.com/harun/resumable/pkg/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type streamOptions struct {
	session   string
	prompt    string
	transport string
	baseURL   string
	fresh     bool
}

var streamOpts streamOptions

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream a session's output to stdout",
	Long: `Attach to a session on the relay and print its output as it arrives.
Progress is saved after every chunk, so an interrupted run picks up where it
left off when started again with the same --session. Without --session the
relay generates a new session id for --prompt.`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringVarP(&streamOpts.session, "session", "s", "", "session id")
	streamCmd.Flags().StringVarP(&streamOpts.prompt, "prompt", "p", "", "prompt used when the session is created")
	streamCmd.Flags().StringVar(&streamOpts.transport, "transport", "", "stream transport: sse or websocket (overrides client.transport)")
	streamCmd.Flags().StringVar(&streamOpts.baseURL, "url", "", "relay base url (overrides client.base_url)")
	streamCmd.Flags().BoolVar(&streamOpts.fresh, "fresh", false, "discard saved progress for the session first")
}

func runStream(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if streamOpts.transport != "" {
		cfg.Client.Transport = streamOpts.transport
	}
	if streamOpts.baseURL != "" {
		cfg.Client.BaseURL = streamOpts.baseURL
	}
	if streamOpts.session == "" && streamOpts.prompt == "" {
		return fmt.Errorf("either --session or --prompt is required")
	}
	if err := cfg.Validate(); err != nil {
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

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStateStore(cfg, log.Component("client-state"))
	if err != nil {
		return err
	}
	defer store.Close()

	transport, err := client.NewTransport(cfg.Client.Transport, cfg.Client.BaseURL)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	sessionID := streamOpts.session
	if sessionID == "" {
		res, err := client.NewHTTPAPI(cfg.Client.BaseURL, nil).Create(ctx, "", streamOpts.prompt)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		sessionID = res.SessionID
		fmt.Fprintf(errOut, "Session: %s\n", sessionID)
	}

	if streamOpts.fresh {
		if err := store.Delete(ctx, sessionID); err != nil && !errors.Is(err, client.ErrRecordNotFound) {
			return fmt.Errorf("failed to discard saved progress: %w", err)
		}
	}

	// what an earlier run already printed
	if saved, err := store.Load(ctx, sessionID); err == nil {
		fmt.Fprint(out, saved.Content)
	}

	resumer, err := client.New(client.Config{
		Transport:  transport,
		Store:      store,
		MaxRetries: cfg.Client.ResumerRetries(),
		RetryDelay: cfg.Client.RetryDelay,
		OnChunk: func(c chunklog.Chunk) {
			fmt.Fprint(out, c.Text)
		},
		OnReset: func() {
			fmt.Fprintln(errOut, "\n[session was restarted on the relay, output begins again]")
		},
		Logger: log.Component("client"),
	})
	if err != nil {
		return err
	}

	rec, err := resumer.Run(ctx, sessionID, streamOpts.prompt)
	fmt.Fprintln(out)

	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(errOut, "Interrupted after event %d; run again with --session %s to resume\n", rec.LastEventID, sessionID)
		return nil
	}
	return err
}

// openStateStore opens the durable client state named by client.state_store
func openStateStore(cfg *config.Config, logger zerolog.Logger) (client.StateStore, error) {
	switch cfg.Client.StateStore {
	case config.StateStoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Client.StatePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		return client.NewSQLiteStore(cfg.Client.StatePath, logger)
	default:
		return client.NewFileStore(cfg.Client.StatePath, logger)
	}
}
