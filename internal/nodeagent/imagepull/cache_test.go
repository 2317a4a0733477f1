package imagepull

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostplane.io/platform/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestCache_AcquireRootdisk_MissThenHit(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(DefaultCacheConfig(dir))

	_, ok := c.AcquireRootdisk("sha256:abc")
	assert.False(t, ok)

	path := writeFile(t, dir, "sha256_abc.ext4", 100)
	c.RegisterRootdisk("sha256:abc", path, 100)

	got, ok := c.AcquireRootdisk("sha256:abc")
	require.True(t, ok)
	assert.Equal(t, path, got)

	hits, misses, _, size := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, int64(100), size)
}

func TestCache_RegisterRootdisk_NoOpIfAlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(DefaultCacheConfig(dir))

	c.RegisterRootdisk("sha256:abc", "/a", 100)
	c.RegisterRootdisk("sha256:abc", "/b", 200)

	assert.Equal(t, int64(100), c.CurrentSize())
}

func TestCache_Evict_SkipsReferencedEntries(t *testing.T) {
	dir := t.TempDir()
	cfg := CacheConfig{MaxSizeBytes: 100, HighWaterMark: 0.5, LowWaterMark: 0.1, RootdiskDir: dir}
	c := NewCache(cfg)

	inUse := writeFile(t, dir, "sha256_inuse.ext4", 40)
	idle := writeFile(t, dir, "sha256_idle.ext4", 40)
	c.RegisterRootdisk("sha256:inuse", inUse, 40)
	c.RegisterRootdisk("sha256:idle", idle, 40)

	_, ok := c.AcquireRootdisk("sha256:inuse")
	require.True(t, ok)

	assert.True(t, c.NeedsEviction())

	freed, err := c.Evict()
	require.NoError(t, err)
	assert.Equal(t, int64(40), freed)

	assert.True(t, c.HasRootdisk("sha256:inuse"))
	assert.False(t, c.HasRootdisk("sha256:idle"))
	_, err = os.Stat(idle)
	assert.True(t, os.IsNotExist(err))
}

func TestCache_ReleaseRootdisk_MakesEvictionEligible(t *testing.T) {
	dir := t.TempDir()
	cfg := CacheConfig{MaxSizeBytes: 100, HighWaterMark: 0.1, LowWaterMark: 0.0, RootdiskDir: dir}
	c := NewCache(cfg)

	path := writeFile(t, dir, "sha256_abc.ext4", 50)
	c.RegisterRootdisk("sha256:abc", path, 50)
	_, _ = c.AcquireRootdisk("sha256:abc")

	freed, err := c.Evict()
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed, "referenced entry must not be evicted")

	c.ReleaseRootdisk("sha256:abc")
	freed, err = c.Evict()
	require.NoError(t, err)
	assert.Equal(t, int64(50), freed)
}

func TestCache_Init_ReconstructsFromDisk(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sha256_abcdef.ext4", 64)

	c := NewCache(DefaultCacheConfig(dir))
	require.NoError(t, c.Init())

	assert.True(t, c.HasRootdisk("sha256:abcdef"))
	assert.Equal(t, int64(64), c.CurrentSize())
}
