package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rebac-core/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rebacd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: "0.0.0.0:9000"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	require.Equal(t, "./rebacd-data", cfg.Storage.DataDir)
	require.Equal(t, uint64(128<<20), cfg.Tenant.MemCapBytes)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
log:
  level: "verbose"
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsObjectStoreWithoutBucket(t *testing.T) {
	path := writeConfig(t, `
object_store:
  region: "us-east-1"
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsObjectStore(t *testing.T) {
	path := writeConfig(t, `
object_store:
  bucket: "rebac-snapshots"
  region: "us-east-1"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.ObjectStore)
	require.Equal(t, "rebac-snapshots", cfg.ObjectStore.Bucket)
}
