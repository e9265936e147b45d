package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/resumable/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "resumable.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RESUMABLE_DATA_DIR", dir)

	cfg, err := NewLoader(filepath.Join(dir, "absent.json"), []string{}...).Load()
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "client-state"), cfg.Client.StatePath)
}

func TestLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"server": {"port": 8080, "heartbeat_interval": "5s", "cors_origins": ["http://app.example.com"]},
		"sessions": {"ttl": "2h"},
		"upstream": {"provider": "file", "file_path": "data.txt", "chunk_size": 4},
		"client": {"state_store": "sqlite", "max_retries": 5},
		"logging": {"level": "debug"},
		"data_dir": "`+filepath.ToSlash(dir)+`"
	}`)

	cfg, err := NewLoader(path, []string{}...).Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, []string{"http://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.TTL)
	assert.Equal(t, "@every 1m", cfg.Sessions.SweepSchedule, "unset keys keep defaults")
	assert.Equal(t, "file", cfg.Upstream.Provider)
	assert.Equal(t, 4, cfg.Upstream.ChunkSize)
	assert.Equal(t, 5, cfg.Client.MaxRetries)
	assert.Equal(t, filepath.Join(dir, "client-state.db"), cfg.Client.StatePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoaderZeroRetriesDisablesReconnects(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"client": {"max_retries": 0}, "data_dir": "`+filepath.ToSlash(dir)+`"}`)

	cfg, err := NewLoader(path, []string{}...).Load()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Client.MaxRetries, "explicit zero is not replaced by the default")
	assert.Equal(t, client.NoRetries, cfg.Client.ResumerRetries())
}

func TestLoaderRejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"server": {"port": "eighty"}}`)

	_, err := NewLoader(path, []string{}...).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match schema")
}

func TestLoaderEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"server": {"port": 8080}, "data_dir": "`+filepath.ToSlash(dir)+`"}`)

	t.Setenv("RESUMABLE_SERVER_PORT", "9090")
	t.Setenv("RESUMABLE_SESSIONS_TTL", "30m")
	t.Setenv("RESUMABLE_UPSTREAM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	cfg, err := NewLoader(path, []string{}...).Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, "openai", cfg.Upstream.Provider)
	assert.Equal(t, "sk-from-env", cfg.Upstream.APIKey)
}

func TestLoaderDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RESUMABLE_LOGGING_LEVEL=warn\n"), 0o644))
	t.Setenv("RESUMABLE_DATA_DIR", dir)
	t.Cleanup(func() { os.Unsetenv("RESUMABLE_LOGGING_LEVEL") })

	cfg, err := NewLoader(filepath.Join(dir, "absent.json"), envFile).Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "resumable.json")
	loader := NewLoader(path, []string{}...)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Server.Port = 4000
	cfg.Sessions.TTL = 90 * time.Minute
	cfg.Upstream.Provider = "file"
	cfg.Upstream.FilePath = "data.txt"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, loaded.Server.Port)
	assert.Equal(t, 90*time.Minute, loaded.Sessions.TTL)
	assert.Equal(t, "file", loaded.Upstream.Provider)
	assert.Equal(t, "data.txt", loaded.Upstream.FilePath)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/resumable.json", NewLoader("/etc/resumable.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".resumable", "resumable.json"), NewLoader("").GetConfigPath())
}
