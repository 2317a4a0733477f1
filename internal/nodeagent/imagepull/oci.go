package imagepull

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when the registry responds 404 for a manifest
// or blob.
var ErrNotFound = errors.New("image not found")

// ErrAuthRequired is returned when the registry responds 401.
var ErrAuthRequired = errors.New("registry authentication required")

// ErrDigestMismatch is returned when downloaded content doesn't hash to
// the digest it was requested under.
type ErrDigestMismatch struct {
	Expected, Actual string
}

func (e *ErrDigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// ErrTooLarge is returned when a blob's advertised size exceeds the
// configured limit.
type ErrTooLarge struct {
	Size, Limit int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("image too large: %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// OCIConfig tunes the registry client.
type OCIConfig struct {
	RegistryURL        string
	AuthToken          string
	LayerTimeout       time.Duration
	TotalTimeout       time.Duration
	MaxCompressedSize  int64
	BlobDir            string
}

// DefaultOCIConfig points at Docker Hub with conservative timeouts and a
// 10GiB per-blob cap.
func DefaultOCIConfig(blobDir string) OCIConfig {
	return OCIConfig{
		RegistryURL:       "https://registry-1.docker.io",
		LayerTimeout:      5 * time.Minute,
		TotalTimeout:      30 * time.Minute,
		MaxCompressedSize: 10 * 1024 * 1024 * 1024,
		BlobDir:           blobDir,
	}
}

// Descriptor is an OCI content descriptor.
type Descriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Manifest is an OCI image manifest.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// TotalLayerSize sums the compressed size of every layer.
func (m Manifest) TotalLayerSize() int64 {
	var total int64
	for _, l := range m.Layers {
		total += l.Size
	}
	return total
}

// Client pulls manifests and blobs from an OCI distribution registry.
type Client struct {
	cfg  OCIConfig
	http *http.Client
}

// NewClient builds a Client. cfg.TotalTimeout bounds every request this
// client issues.
func NewClient(cfg OCIConfig) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.TotalTimeout}}
}

// PullManifest fetches and digest-verifies repo's manifest.
func (c *Client) PullManifest(ctx context.Context, repo, digest string) (Manifest, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.cfg.RegistryURL, repo, digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.oci.image.manifest.v1+json, application/vnd.docker.distribution.manifest.v2+json")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("pull manifest %s: %w", digest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, digest)
	case http.StatusUnauthorized:
		return Manifest{}, ErrAuthRequired
	case http.StatusOK:
	default:
		return Manifest{}, fmt.Errorf("pull manifest %s: unexpected status %d", digest, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest body: %w", err)
	}

	sum := sha256.Sum256(body)
	computed := "sha256:" + hex.EncodeToString(sum[:])
	if computed != digest {
		return Manifest{}, &ErrDigestMismatch{Expected: digest, Actual: computed}
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}

// PullBlob downloads a digest-addressed blob to dest via a temp-file
// write and rename, returning the number of bytes written.
func (c *Client) PullBlob(ctx context.Context, repo, digest, dest string) (int64, error) {
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.cfg.RegistryURL, repo, digest)

	layerCtx := ctx
	if c.cfg.LayerTimeout > 0 {
		var cancel context.CancelFunc
		layerCtx, cancel = context.WithTimeout(ctx, c.cfg.LayerTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(layerCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build blob request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pull blob %s: %w", digest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, digest)
	case http.StatusUnauthorized:
		return 0, ErrAuthRequired
	case http.StatusOK:
	default:
		return 0, fmt.Errorf("pull blob %s: unexpected status %d", digest, resp.StatusCode)
	}

	if resp.ContentLength > 0 && resp.ContentLength > c.cfg.MaxCompressedSize {
		return 0, &ErrTooLarge{Size: resp.ContentLength, Limit: c.cfg.MaxCompressedSize}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create blob parent dir: %w", err)
	}

	tempPath := dest + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create temp blob file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), resp.Body)
	if err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("download blob %s: %w", digest, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("sync blob %s: %w", digest, err)
	}
	file.Close()

	computed := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if computed != digest {
		os.Remove(tempPath)
		return 0, &ErrDigestMismatch{Expected: digest, Actual: computed}
	}

	if err := os.Rename(tempPath, dest); err != nil {
		return 0, fmt.Errorf("finalize blob %s: %w", digest, err)
	}
	return written, nil
}

// BlobPath returns the content-addressed path a blob digest resolves to.
func (c *Client) BlobPath(digest string) string {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) == 2 {
		return filepath.Join(c.cfg.BlobDir, parts[0], parts[1])
	}
	return filepath.Join(c.cfg.BlobDir, digest)
}

// BlobExists reports whether digest is already on disk.
func (c *Client) BlobExists(digest string) bool {
	_, err := os.Stat(c.BlobPath(digest))
	return err == nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
}
