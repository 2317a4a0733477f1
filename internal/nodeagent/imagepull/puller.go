package imagepull

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
	"ghostplane.io/platform/internal/pkg/worker"
)

// PullerConfig configures the end-to-end manifest/layer/rootdisk-build
// pipeline.
type PullerConfig struct {
	OCI         OCIConfig
	RootdiskDir string
}

// Puller pulls an OCI image by digest and produces a bootable ext4
// rootdisk, verifying every layer's digest along the way.
type Puller struct {
	cfg   PullerConfig
	oci   *Client
	cache *Cache
	pools *worker.Pools
}

// NewPuller constructs a Puller backed by cache for dedup/refcounting.
// pools sizes the concurrent layer-download fan-out and runs the
// post-pull eviction sweep on its IO pool.
func NewPuller(cfg PullerConfig, cache *Cache, pools *worker.Pools) *Puller {
	return &Puller{cfg: cfg, oci: NewClient(cfg.OCI), cache: cache, pools: pools}
}

// EnsurePulled returns the rootdisk path for repo@digest, pulling and
// building it if it isn't already cached. Safe to call concurrently for
// the same digest only through the imagepull Actor's mailbox, which
// serializes pulls per node (spec §4.9 at-most-one-concurrent-pull).
func (p *Puller) EnsurePulled(ctx context.Context, repo, digest string) (string, error) {
	if path, ok := p.cache.AcquireRootdisk(digest); ok {
		return path, nil
	}

	manifest, err := p.oci.PullManifest(ctx, repo, digest)
	if err != nil {
		return "", fmt.Errorf("pull manifest %s: %w", digest, err)
	}

	layerPaths, err := p.pullLayers(ctx, repo, manifest.Layers)
	if err != nil {
		return "", err
	}

	rootdiskPath := filepath.Join(p.cfg.RootdiskDir, sanitizeDigest(digest)+".ext4")
	size, err := BuildRootdisk(layerPaths, rootdiskPath)
	if err != nil {
		return "", fmt.Errorf("build rootdisk for %s: %w", digest, err)
	}

	p.cache.RegisterRootdisk(digest, rootdiskPath, size)
	path, _ := p.cache.AcquireRootdisk(digest)
	logger.Info("image pulled and rootdisk built",
		zap.String("digest", digest), zap.Int64("size", size), zap.Int("layers", len(layerPaths)))

	p.scheduleEvictionIfNeeded()
	return path, nil
}

// pullLayers fetches every missing layer blob concurrently on the IO
// pool, bounded by its worker count, and returns blob paths in manifest
// order regardless of completion order.
func (p *Puller) pullLayers(ctx context.Context, repo string, layers []Descriptor) ([]string, error) {
	paths := make([]string, len(layers))
	errs := make(chan error, len(layers))
	var pending sync.WaitGroup

	for i, layer := range layers {
		blobPath := p.oci.BlobPath(layer.Digest)
		paths[i] = blobPath
		if p.oci.BlobExists(layer.Digest) {
			continue
		}

		layer := layer
		pending.Add(1)
		err := p.pools.IO.Submit(ctx, func(taskCtx context.Context) {
			defer pending.Done()
			if _, err := p.oci.PullBlob(taskCtx, repo, layer.Digest, blobPath); err != nil {
				errs <- fmt.Errorf("pull layer %s: %w", layer.Digest, err)
			}
		})
		if err != nil {
			pending.Done()
			pending.Wait()
			close(errs)
			return nil, fmt.Errorf("submit layer pull %s: %w", layer.Digest, err)
		}
	}

	pending.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// scheduleEvictionIfNeeded runs Cache.Evict on the IO pool's detached
// lifecycle context once the high water mark is crossed, so a slow sweep
// never blocks the request that just finished a pull.
func (p *Puller) scheduleEvictionIfNeeded() {
	if !p.cache.NeedsEviction() {
		return
	}
	if err := p.pools.SubmitDetached("io", func(context.Context) {
		freed, err := p.cache.Evict()
		if err != nil {
			logger.Warn("rootdisk cache eviction failed", zap.Error(err))
			return
		}
		logger.Info("rootdisk cache evicted", zap.Int64("freed_bytes", freed))
	}); err != nil {
		logger.Debug("eviction sweep not submitted", zap.Error(err))
	}
}

// Release returns a rootdisk reference once the instance using it has
// stopped.
func (p *Puller) Release(digest string) {
	p.cache.ReleaseRootdisk(digest)
}

// BuildRootdisk runs mke2fs to create a fixed-size 2G ext4 image at dest,
// populated with the files of the directory that holds the first layer
// blob. The layer tarballs are not unpacked, and the image size does not
// depend on the layers' size.
func BuildRootdisk(layerPaths []string, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create rootdisk dir: %w", err)
	}

	tempPath := dest + ".building"
	if out, err := exec.Command("mke2fs", "-t", "ext4", "-d", filepath.Dir(layerPaths[0]), "-F", tempPath, "2G").CombinedOutput(); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("mke2fs: %w: %s", err, out)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		return 0, fmt.Errorf("finalize rootdisk: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("stat rootdisk: %w", err)
	}
	return info.Size(), nil
}

func sanitizeDigest(digest string) string {
	out := make([]byte, len(digest))
	for i := 0; i < len(digest); i++ {
		if digest[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = digest[i]
		}
	}
	return string(out)
}
