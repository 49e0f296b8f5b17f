// Package config loads the block manager's tunables the way the teacher
// engine loaded its model config: sane defaults, an optional JSON overlay,
// then functional options applied last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the tunables a BlockManager is constructed from.
type Config struct {
	NumKVCacheBlocks    int  `json:"num_kvcache_blocks"`
	KVCacheBlockSize    int  `json:"kvcache_block_size"`
	EnablePrefixCaching bool `json:"enable_prefix_caching"`
}

// Load returns a Config seeded with defaults, optionally overlaid by the
// JSON file at path (skipped if path is empty or the file does not
// exist), then by opts in order.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := &Config{
		NumKVCacheBlocks:    512,
		KVCacheBlockSize:    16,
		EnablePrefixCaching: true,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no overlay; defaults and options still apply
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.NumKVCacheBlocks <= 0 {
		return nil, fmt.Errorf("num_kvcache_blocks must be positive, got %d", cfg.NumKVCacheBlocks)
	}
	if cfg.KVCacheBlockSize <= 0 {
		return nil, fmt.Errorf("kvcache_block_size must be positive, got %d", cfg.KVCacheBlockSize)
	}
	return cfg, nil
}

// Option mutates a Config after defaults and any JSON overlay are applied.
type Option func(*Config)

// WithNumKVCacheBlocks overrides the pool capacity.
func WithNumKVCacheBlocks(v int) Option {
	return func(c *Config) { c.NumKVCacheBlocks = v }
}

// WithKVCacheBlockSize overrides the tokens-per-block size.
func WithKVCacheBlockSize(v int) Option {
	return func(c *Config) { c.KVCacheBlockSize = v }
}

// WithEnablePrefixCaching overrides whether freed blocks are retained for
// prefix reuse.
func WithEnablePrefixCaching(v bool) Option {
	return func(c *Config) { c.EnablePrefixCaching = v }
}
