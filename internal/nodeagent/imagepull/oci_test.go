package imagepull

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestClient_PullManifest_VerifiesDigestAndDecodes(t *testing.T) {
	manifest := Manifest{SchemaVersion: 2, Layers: []Descriptor{{Digest: "sha256:abc", Size: 10}, {Digest: "sha256:def", Size: 20}}}
	body, err := json.Marshal(manifest)
	require.NoError(t, err)
	digest := digestOf(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/myapp/manifests/"+digest, r.URL.Path)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(OCIConfig{RegistryURL: srv.URL, BlobDir: t.TempDir()})
	got, err := c.PullManifest(t.Context(), "myapp", digest)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.TotalLayerSize())
}

func TestClient_PullManifest_DigestMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"schemaVersion":2}`))
	}))
	defer srv.Close()

	c := NewClient(OCIConfig{RegistryURL: srv.URL, BlobDir: t.TempDir()})
	_, err := c.PullManifest(t.Context(), "myapp", "sha256:wrongdigest")
	require.Error(t, err)
	var mismatch *ErrDigestMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestClient_PullManifest_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(OCIConfig{RegistryURL: srv.URL, BlobDir: t.TempDir()})
	_, err := c.PullManifest(t.Context(), "myapp", "sha256:abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_PullBlob_WritesVerifiedContentToDest(t *testing.T) {
	content := []byte("layer contents here")
	digest := digestOf(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "blob")
	c := NewClient(OCIConfig{RegistryURL: srv.URL, BlobDir: dir, MaxCompressedSize: 1024, LayerTimeout: 0})

	n, err := c.PullBlob(t.Context(), "myapp", digest, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = os.Stat(dest + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestClient_PullBlob_RejectsTooLarge(t *testing.T) {
	content := make([]byte, 100)
	digest := digestOf(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := NewClient(OCIConfig{RegistryURL: srv.URL, BlobDir: dir, MaxCompressedSize: 10})

	_, err := c.PullBlob(t.Context(), "myapp", digest, filepath.Join(dir, "blob"))
	require.Error(t, err)
	var tooLarge *ErrTooLarge
	assert.ErrorAs(t, err, &tooLarge)
}

func TestClient_BlobPath_SplitsAlgorithmFromHash(t *testing.T) {
	c := NewClient(OCIConfig{BlobDir: "/var/cache"})
	assert.Equal(t, filepath.Join("/var/cache", "sha256", "abcdef"), c.BlobPath("sha256:abcdef"))
}

func TestClient_BlobExists(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(OCIConfig{BlobDir: dir})
	assert.False(t, c.BlobExists("sha256:missing"))

	path := c.BlobPath("sha256:present")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.True(t, c.BlobExists("sha256:present"))
}
