package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedkv/pagedkv-go/internal/config"
)

func TestLoadDefaultsWithNoPath(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.NumKVCacheBlocks)
	assert.Equal(t, 16, cfg.KVCacheBlockSize)
	assert.True(t, cfg.EnablePrefixCaching)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.NumKVCacheBlocks)
}

func TestLoadOverlaysJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_kvcache_blocks": 256, "enable_prefix_caching": false}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.NumKVCacheBlocks)
	assert.Equal(t, 16, cfg.KVCacheBlockSize, "untouched fields keep their defaults")
	assert.False(t, cfg.EnablePrefixCaching)
}

func TestLoadOptionsOverrideJSONOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_kvcache_blocks": 256}`), 0o644))

	cfg, err := config.Load(path, config.WithNumKVCacheBlocks(1024), config.WithKVCacheBlockSize(32))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.NumKVCacheBlocks)
	assert.Equal(t, 32, cfg.KVCacheBlockSize)
}

func TestLoadRejectsNonPositiveCapacity(t *testing.T) {
	_, err := config.Load("", config.WithNumKVCacheBlocks(0))
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveBlockSize(t *testing.T) {
	_, err := config.Load("", config.WithKVCacheBlockSize(-1))
	assert.Error(t, err)
}

func TestLoadMalformedJSONReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}
