package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockbox-cli/lockbox/internal/crypto"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.Directory)
	assert.Equal(t, 30*time.Second, cfg.ClipboardTTL)
	assert.True(t, cfg.ConfirmDestructive)
	assert.Equal(t, crypto.DefaultParams(), cfg.KDF)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ClipboardTTL, cfg.ClipboardTTL)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Directory = "/vaults"
	cfg.Username = "alice"
	cfg.ClipboardTTL = 10 * time.Second
	cfg.KDF = crypto.Params{Ops: 2, MemoryKiB: 1024, Threads: 2}
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestZeroKDFFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("directory: /vaults\nkdf:\n  ops: 0\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/vaults", cfg.Directory)
	assert.Equal(t, crypto.DefaultParams(), cfg.KDF)
}
