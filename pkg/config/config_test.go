package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8009, cfg.BackendPort)
	assert.Equal(t, "gpt-4o", cfg.GPTModel)
	assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingsModel)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"backend_port": 9000, "gpt_model": "gpt-4o-mini"}`), 0644))
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.BackendPort)
	assert.Equal(t, "gpt-4o-mini", cfg.GPTModel)
	// Untouched fields keep defaults.
	assert.Equal(t, 0.2, cfg.Temperature)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))
	t.Setenv(EnvConfigPath, path)

	_, err := Load()
	assert.Error(t, err)
}

func TestEnsureDirs(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{cfg.StorageDir(), cfg.EntitiesDir(), cfg.UploadsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
