// Package imagepull pulls OCI images into content-addressed ext4 rootdisk
// files and manages them with a refcounted LRU cache (spec §4.9).
package imagepull

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// CacheConfig tunes the rootdisk cache's size and eviction thresholds.
type CacheConfig struct {
	MaxSizeBytes    int64
	HighWaterMark   float64 // fraction of MaxSizeBytes that triggers eviction
	LowWaterMark    float64 // fraction of MaxSizeBytes eviction targets
	RootdiskDir     string
}

// DefaultCacheConfig is a 50GiB cache evicting from 90% down to 70%.
func DefaultCacheConfig(rootdiskDir string) CacheConfig {
	return CacheConfig{
		MaxSizeBytes:  50 * 1024 * 1024 * 1024,
		HighWaterMark: 0.9,
		LowWaterMark:  0.7,
		RootdiskDir:   rootdiskDir,
	}
}

type cacheEntry struct {
	digest       string
	path         string
	sizeBytes    int64
	lastAccessed time.Time
	refCount     int
}

// Cache is a refcounted, LRU-evicting store of rootdisk files keyed by
// resolved image digest. In-use (refCount > 0) entries are never evicted.
type Cache struct {
	cfg CacheConfig

	mu        sync.Mutex
	rootdisks map[string]*cacheEntry

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
}

// NewCache constructs a Cache. Call Init to populate it from disk.
func NewCache(cfg CacheConfig) *Cache {
	return &Cache{cfg: cfg, rootdisks: make(map[string]*cacheEntry)}
}

// Init scans RootdiskDir for existing .ext4 files and registers them,
// reconstructing cache state after an agent restart.
func (c *Cache) Init() error {
	entries, err := os.ReadDir(c.cfg.RootdiskDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read rootdisk dir: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".ext4" {
			continue
		}
		digest := strings.ReplaceAll(strings.TrimSuffix(e.Name(), ".ext4"), "_", ":")
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.cfg.RootdiskDir, e.Name())
		c.rootdisks[digest] = &cacheEntry{digest: digest, path: path, sizeBytes: info.Size(), lastAccessed: time.Now()}
		c.size.Add(info.Size())
	}
	logger.Info("loaded rootdisks from cache", zap.Int("count", len(c.rootdisks)))
	return nil
}

// RegisterRootdisk adds a newly-built rootdisk to the cache. A no-op if
// the digest is already present.
func (c *Cache) RegisterRootdisk(digest, path string, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rootdisks[digest]; ok {
		return
	}
	c.rootdisks[digest] = &cacheEntry{digest: digest, path: path, sizeBytes: sizeBytes, lastAccessed: time.Now()}
	c.size.Add(sizeBytes)
}

// AcquireRootdisk increments the digest's reference count and returns its
// path, or ("", false) on a cache miss.
func (c *Cache) AcquireRootdisk(digest string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.rootdisks[digest]
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	entry.refCount++
	entry.lastAccessed = time.Now()
	c.hits.Add(1)
	return entry.path, true
}

// ReleaseRootdisk decrements the digest's reference count. The entry
// becomes eligible for eviction once the count reaches zero.
func (c *Cache) ReleaseRootdisk(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.rootdisks[digest]; ok && entry.refCount > 0 {
		entry.refCount--
	}
}

// HasRootdisk reports whether digest is already cached.
func (c *Cache) HasRootdisk(digest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rootdisks[digest]
	return ok
}

// CurrentSize returns the cache's total size in bytes.
func (c *Cache) CurrentSize() int64 { return c.size.Load() }

// NeedsEviction reports whether the cache has crossed its high water mark.
func (c *Cache) NeedsEviction() bool {
	threshold := int64(float64(c.cfg.MaxSizeBytes) * c.cfg.HighWaterMark)
	return c.CurrentSize() > threshold
}

// Evict removes least-recently-used, unreferenced entries until the
// cache falls to its low water mark, returning bytes freed.
func (c *Cache) Evict() (int64, error) {
	target := int64(float64(c.cfg.MaxSizeBytes) * c.cfg.LowWaterMark)

	c.mu.Lock()
	candidates := make([]*cacheEntry, 0, len(c.rootdisks))
	for _, e := range c.rootdisks {
		if e.refCount == 0 {
			candidates = append(candidates, e)
		}
	}
	c.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastAccessed.Before(candidates[j].lastAccessed) })

	var freed int64
	for _, e := range candidates {
		if c.CurrentSize() <= target {
			break
		}

		c.mu.Lock()
		current, ok := c.rootdisks[e.digest]
		if !ok || current.refCount > 0 {
			c.mu.Unlock()
			continue
		}
		delete(c.rootdisks, e.digest)
		c.mu.Unlock()

		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			return freed, fmt.Errorf("remove rootdisk %s: %w", e.path, err)
		}
		_ = os.Remove(strings.TrimSuffix(e.path, ".ext4") + ".meta.json")

		c.size.Add(-e.sizeBytes)
		c.evictions.Add(1)
		freed += e.sizeBytes
		logger.Info("evicted rootdisk", zap.String("digest", e.digest), zap.Int64("size", e.sizeBytes))
	}
	return freed, nil
}

// Stats returns (hits, misses, evictions, currentSizeBytes).
func (c *Cache) Stats() (hits, misses, evictions, size int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load(), c.size.Load()
}
