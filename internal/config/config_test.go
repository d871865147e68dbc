package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
hub:
  endpoint: "127.0.0.1:9000"
indexers:
  - name: txid
    datadir: /var/lib/hubindex/txid
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Hub.Endpoint)
	require.Equal(t, 50000, cfg.Checkpoint.IntervalBlocks)
	require.Equal(t, 20, cfg.Checkpoint.KeepCount)
	require.Equal(t, "127.0.0.1:8080", cfg.REST.BindAddress)
	require.Equal(t, "bitcoincash", cfg.CashAddrHRP)
	require.Len(t, cfg.Indexers, 1)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
hub:
  endpoint: "127.0.0.1:9000"
checkpoint:
  interval_blocks: 500
  keep_count: 5
rest:
  bind_address: "0.0.0.0:9999"
  admin_token: "secret"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 500, cfg.Checkpoint.IntervalBlocks)
	require.Equal(t, 5, cfg.Checkpoint.KeepCount)
	require.Equal(t, "0.0.0.0:9999", cfg.REST.BindAddress)
	require.Equal(t, "secret", cfg.REST.AdminToken)
}

func TestLoadMissingHubEndpointFails(t *testing.T) {
	path := writeConfig(t, `
indexers: []
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrNoHubEndpoint)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
