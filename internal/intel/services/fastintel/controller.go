// Package fastintel projects the bloom pre-filter feature onto the local DNS
// forwarder: it writes the forwarder's config, keeps the filter data files in
// sync with the cloud cache and loads the same filters into memory.
package fastintel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/haukened/rr-intel/internal/intel/common/blobcodec"
	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/repos/bloom"
	"github.com/haukened/rr-intel/internal/intel/repos/cloudcache"
	"github.com/haukened/rr-intel/internal/intel/repos/reputation"
)

// Registrar is the part of the cloud cache registry the controller needs.
type Registrar interface {
	Enable(ctx context.Context, key string, onUpdate cloudcache.UpdateFunc) bool
	Disable(key string)
}

// FilterConfig describes one filter data file to the forwarder.
type FilterConfig struct {
	File   string  `yaml:"file"`
	Size   uint64  `yaml:"size"`
	Error  float64 `yaml:"error"`
	Bits   uint64  `yaml:"bits"`
	Hashes uint8   `yaml:"hashes"`
}

// ForwarderConfig is the document written to the forwarder config path. The
// allow key is the passthrough list.
type ForwarderConfig struct {
	BFs      []FilterConfig `yaml:"bfs"`
	AllowKey string         `yaml:"allow_key"`
	BlockKey string         `yaml:"block_key"`
}

// Options configures a Controller.
type Options struct {
	Entries    []domain.BloomEntry
	Registry   Registrar
	Bloom      bloom.Store
	BloomDir   string
	ConfigPath string
	Keys       reputation.ListKeys
	Sizer      bloom.Sizer
	Logger     log.Logger
}

// Controller turns the feature on and off. Safe for concurrent use.
type Controller struct {
	opts    Options
	entries []domain.BloomEntry
	logger  log.Logger

	mu      sync.Mutex
	enabled bool
	working atomic.Bool
}

// New sizes every entry and returns a disabled Controller.
func New(opts Options) (*Controller, error) {
	switch {
	case len(opts.Entries) == 0:
		return nil, errors.New("fastintel: no bloom entries")
	case opts.Registry == nil:
		return nil, errors.New("fastintel: nil registry")
	case opts.Bloom == nil:
		return nil, errors.New("fastintel: nil bloom store")
	case opts.BloomDir == "" || opts.ConfigPath == "":
		return nil, errors.New("fastintel: bloom dir and config path are required")
	}
	if opts.Keys.Allow == "" || opts.Keys.Block == "" {
		opts.Keys = reputation.DefaultListKeys
	}
	if opts.Sizer == nil {
		opts.Sizer = bloom.NewSizer()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	entries := make([]domain.BloomEntry, len(opts.Entries))
	for i, e := range opts.Entries {
		if e.Bits == 0 || e.Hashes == 0 {
			e.Bits, e.Hashes = opts.Sizer.Size(e.Count, e.ErrorRate)
		}
		entries[i] = e
	}
	return &Controller{opts: opts, entries: entries, logger: log.Component(opts.Logger, "fastintel")}, nil
}

// Entries returns the sized entries.
func (c *Controller) Entries() []domain.BloomEntry {
	return append([]domain.BloomEntry(nil), c.entries...)
}

// Config builds the forwarder config document.
func (c *Controller) Config() ForwarderConfig {
	cfg := ForwarderConfig{AllowKey: c.opts.Keys.Allow, BlockKey: c.opts.Keys.Block}
	for _, e := range c.entries {
		cfg.BFs = append(cfg.BFs, FilterConfig{
			File:   c.dataPath(e),
			Size:   e.Count,
			Error:  e.ErrorRate,
			Bits:   e.Bits,
			Hashes: e.Hashes,
		})
	}
	return cfg
}

// Enable rewrites the forwarder config in full and subscribes to every
// filter key. A config write failure is returned after the keys are enabled,
// so the in-memory filters still follow the cloud cache.
func (c *Controller) Enable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.opts.BloomDir, 0o755); err != nil {
		c.logger.Error(map[string]any{"dir": c.opts.BloomDir, "error": err}, "failed to create bloom data directory")
	}
	cfgErr := c.writeConfig()
	if cfgErr != nil {
		c.logger.Error(map[string]any{"path": c.opts.ConfigPath, "error": cfgErr}, "failed to write forwarder config")
	}

	c.working.Store(true)
	for _, e := range c.entries {
		if !c.opts.Registry.Enable(ctx, e.CacheKey(), c.observer(e)) {
			c.logger.Warn(map[string]any{"key": e.CacheKey()}, "bloom filter not published for this key")
		}
	}
	c.enabled = true
	c.logger.Info(map[string]any{"filters": len(c.entries)}, "fast intel enabled")
	return cfgErr
}

// Disable unsubscribes every filter key, unloads the filters and removes the
// forwarder config. Data files are left for the cache to expire.
func (c *Controller) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		c.opts.Registry.Disable(e.CacheKey())
		c.opts.Bloom.Remove(e.Prefix)
	}
	c.enabled = false
	c.working.Store(false)
	if err := os.Remove(c.opts.ConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Error(map[string]any{"path": c.opts.ConfigPath, "error": err}, "failed to remove forwarder config")
		return fmt.Errorf("remove forwarder config: %w", err)
	}
	c.logger.Info(nil, "fast intel disabled")
	return nil
}

// Enabled reports whether the feature is on.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Working reports whether the last filter update left usable data.
func (c *Controller) Working() bool { return c.working.Load() }

func (c *Controller) observer(e domain.BloomEntry) cloudcache.UpdateFunc {
	return func(_ context.Context, content []byte) {
		path := c.dataPath(e)
		if content == nil {
			c.opts.Bloom.Remove(e.Prefix)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Error(map[string]any{"file": path, "error": err}, "failed to delete bloom data file")
			}
			c.working.Store(false)
			c.logger.Warn(map[string]any{"prefix": e.Prefix}, "no fast intel data, filter unloaded")
			return
		}
		raw, err := blobcodec.Decode(content)
		if err != nil {
			c.logger.Error(map[string]any{"prefix": e.Prefix, "error": err}, "rejected bloom filter update")
			return
		}
		if err := c.opts.Bloom.LoadDecoded(e, raw); err != nil {
			c.logger.Error(map[string]any{"prefix": e.Prefix, "error": err}, "rejected bloom filter update")
			return
		}
		if err := writeFileAtomic(path, raw); err != nil {
			c.logger.Error(map[string]any{"file": path, "error": err}, "failed to write bloom data file")
			return
		}
		c.working.Store(true)
		c.logger.Info(map[string]any{"prefix": e.Prefix, "size": len(raw)}, "bloom filter updated")
	}
}

func (c *Controller) dataPath(e domain.BloomEntry) string {
	return filepath.Join(c.opts.BloomDir, e.DataFile())
}

func (c *Controller) writeConfig() error {
	data, err := yaml.Marshal(c.Config())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.opts.ConfigPath), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(c.opts.ConfigPath, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
