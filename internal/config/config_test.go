package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	os.Unsetenv("MEES_ADDR")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, defaultAddr, cfg.Addr)
	require.Equal(t, defaultPendingTTLSeconds, cfg.PendingTTLSeconds)
}

func TestLoadFromFile(t *testing.T) {
	os.Unsetenv("MEES_ADDR")
	dir := t.TempDir()
	path := filepath.Join(dir, "meesd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \"0.0.0.0:9999\"\npending_ttl_seconds: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.Addr)
	require.Equal(t, 5, cfg.PendingTTLSeconds)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MEES_ADDR", "envhost:1111")
	dir := t.TempDir()
	path := filepath.Join(dir, "meesd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \"filehost:2222\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "envhost:1111", cfg.Addr)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
