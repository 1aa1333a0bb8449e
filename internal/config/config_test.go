package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "https://atap.seda.gov.my", cfg.Portal.BaseURL)
	require.Equal(t, "file", cfg.Store.Backend)
	require.Equal(t, "default", cfg.Store.SessionID)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	require.NoError(t, err)
	require.Equal(t, "https://atap.seda.gov.my", cfg.Portal.BaseURL)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atapbridge.yaml")
	body := `
portal:
  base_url: https://staging.example.test
  timeout: 10s
store:
  backend: sqlite
  db_path: /tmp/atap-test.db
retry:
  max_retries: 5
  backoff: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://staging.example.test", cfg.Portal.BaseURL)
	require.Equal(t, 10*time.Second, cfg.Portal.Timeout)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "/tmp/atap-test.db", cfg.Store.DBPath)
	require.Equal(t, 5, cfg.Retry.MaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.Backoff)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ATAP_BASE_URL", "https://env.example.test")
	t.Setenv("ATAP_SESSION", "env-session")
	t.Setenv("ATAP_STORE_BACKEND", "sqlite")
	t.Setenv("ATAP_DB", "/tmp/env.db")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "https://env.example.test", cfg.Portal.BaseURL)
	require.Equal(t, "env-session", cfg.Store.SessionID)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "/tmp/env.db", cfg.Store.DBPath)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atapbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portal:\n  base_url: https://file.example.test\n"), 0o644))
	t.Setenv("ATAP_BASE_URL", "https://env.example.test")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://env.example.test", cfg.Portal.BaseURL)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("ATAP_STORE_BACKEND", "etcd")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidateRejectsNegativeRetries(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxRetries = -1
	require.Error(t, cfg.Validate())
}
