package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/resumable/internal/config"
	"github.com/harun/resumable/internal/logger"
	"github.com/harun/resumable/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const testText = "Hello, resumable world!"

// testConfig returns a config for a relay on a random local port that
// streams testText from a file
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	input := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(input, []byte(testText), 0o644))

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.HeartbeatInterval = 0
	cfg.Upstream.Provider = "file"
	cfg.Upstream.FilePath = input
	cfg.Upstream.ChunkSize = 5
	cfg.Upstream.ChunkDelay = 0
	cfg.Client.StatePath = filepath.Join(dir, "client-state")
	cfg.Client.RetryDelay = 10 * time.Millisecond
	cfg.Logging.Level = "error"
	cfg.Logging.Pretty = false
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Console: true, Output: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// startTestRelay runs a relay until the test ends and returns its base url
func startTestRelay(t *testing.T, cfg *config.Config) (*relay, string) {
	t.Helper()

	r, err := newRelay(cfg, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, r.start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.stop(ctx)
	})
	return r, "http://" + r.server.Addr()
}

// writeClientConfig writes a config file pointing the client commands at baseURL
func writeClientConfig(t *testing.T, cfg *config.Config, baseURL string) string {
	t.Helper()

	doc := map[string]any{
		"data_dir": cfg.DataDir,
		"client": map[string]any{
			"base_url":    baseURL,
			"state_store": cfg.Client.StateStore,
			"state_path":  cfg.Client.StatePath,
			"retry_delay": "10ms",
		},
		"logging": map[string]any{
			"level":  "error",
			"pretty": false,
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(cfg.DataDir, "resumable.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// execute runs the root command with fresh flag values
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(cmd)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
	})

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// resetFlags restores every flag to its default; the command tree is
// package-level and keeps parsed values between runs
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// waitCompleted blocks until the relay reports the session completed
func waitCompleted(t *testing.T, baseURL, sessionID string) {
	t.Helper()

	api := client.NewHTTPAPI(baseURL, nil)
	require.Eventually(t, func() bool {
		info, err := api.Get(context.Background(), sessionID)
		return err == nil && info.IsCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
