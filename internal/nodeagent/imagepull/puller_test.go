package imagepull

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostplane.io/platform/internal/pkg/worker"
)

func writeBlobForTest(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

func newTestPools(t *testing.T) *worker.Pools {
	t.Helper()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 4, IOPoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	return pools
}

func TestPuller_pullLayers_FetchesMissingLayersConcurrentlyOnIOPool(t *testing.T) {
	layerA := []byte("layer a contents")
	layerB := []byte("layer b contents")
	digestA, digestB := digestOf(layerA), digestOf(layerB)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch {
		case r.URL.Path == "/v2/myapp/blobs/"+digestA:
			_, _ = w.Write(layerA)
		case r.URL.Path == "/v2/myapp/blobs/"+digestB:
			_, _ = w.Write(layerB)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	ociCfg := OCIConfig{RegistryURL: srv.URL, BlobDir: dir, LayerTimeout: 5 * time.Second, MaxCompressedSize: 1 << 20}
	p := &Puller{
		cfg:   PullerConfig{OCI: ociCfg, RootdiskDir: dir},
		oci:   NewClient(ociCfg),
		cache: NewCache(DefaultCacheConfig(dir)),
		pools: newTestPools(t),
	}

	paths, err := p.pullLayers(context.Background(), "myapp", []Descriptor{{Digest: digestA, Size: int64(len(layerA))}, {Digest: digestB, Size: int64(len(layerB))}})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, p.oci.BlobPath(digestA), paths[0])
	assert.Equal(t, p.oci.BlobPath(digestB), paths[1])
	assert.Equal(t, int32(2), requests.Load())
	assert.True(t, p.oci.BlobExists(digestA))
	assert.True(t, p.oci.BlobExists(digestB))
}

func TestPuller_pullLayers_SkipsAlreadyCachedBlobs(t *testing.T) {
	dir := t.TempDir()
	oci := NewClient(OCIConfig{BlobDir: dir})
	p := &Puller{oci: oci, cache: NewCache(DefaultCacheConfig(dir)), pools: newTestPools(t)}

	// No test server registered: a request would fail, so this only
	// passes if the already-on-disk blob is never re-fetched.
	digest := "sha256:precached"
	path := oci.BlobPath(digest)
	require.NoError(t, writeBlobForTest(path, []byte("x")))

	paths, err := p.pullLayers(context.Background(), "myapp", []Descriptor{{Digest: digest, Size: 1}})
	require.NoError(t, err)
	assert.Equal(t, []string{path}, paths)
}

func TestPuller_pullLayers_PropagatesBlobFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := &Puller{
		oci:   NewClient(OCIConfig{RegistryURL: srv.URL, BlobDir: dir, LayerTimeout: 5 * time.Second, MaxCompressedSize: 1 << 20}),
		cache: NewCache(DefaultCacheConfig(dir)),
		pools: newTestPools(t),
	}

	_, err := p.pullLayers(context.Background(), "myapp", []Descriptor{{Digest: "sha256:missing", Size: 1}})
	assert.Error(t, err)
}

func TestPuller_scheduleEvictionIfNeeded_RunsEvictOnIOPoolWhenAboveHighWaterMark(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(CacheConfig{MaxSizeBytes: 100, HighWaterMark: 0.1, LowWaterMark: 0.0, RootdiskDir: dir})
	idlePath := filepath.Join(dir, "sha256_idle.ext4")
	require.NoError(t, writeBlobForTest(idlePath, make([]byte, 50)))
	cache.RegisterRootdisk("sha256:idle", idlePath, 50)

	p := &Puller{cache: cache, pools: newTestPools(t)}
	p.scheduleEvictionIfNeeded()

	require.Eventually(t, func() bool {
		return !cache.HasRootdisk("sha256:idle")
	}, time.Second, 5*time.Millisecond, "detached eviction sweep should drop the idle entry")
}

func TestPuller_scheduleEvictionIfNeeded_NoopBelowHighWaterMark(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(CacheConfig{MaxSizeBytes: 1000, HighWaterMark: 0.9, LowWaterMark: 0.1, RootdiskDir: dir})
	cache.RegisterRootdisk("sha256:small", filepath.Join(dir, "x.ext4"), 10)

	p := &Puller{cache: cache, pools: newTestPools(t)}
	p.scheduleEvictionIfNeeded()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cache.HasRootdisk("sha256:small"))
}
