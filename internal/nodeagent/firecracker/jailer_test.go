package firecracker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJailerConfig_PathHelpers(t *testing.T) {
	cfg := NewJailerConfig("inst_1", "/usr/bin/jailer", "/usr/bin/firecracker", "/srv/jailer")

	assert.Equal(t, filepath.Join("/srv/jailer", "firecracker", "inst_1", "root"), cfg.ChrootDir())
	assert.Equal(t, filepath.Join(cfg.ChrootDir(), "run", "firecracker.socket"), cfg.APISocketPath())
	assert.Equal(t, filepath.Join("/sys/fs/cgroup", "ghostplane", "inst_1"), cfg.CgroupPath())
	assert.Equal(t, 1000, cfg.UID)
	assert.Equal(t, 1000, cfg.GID)
}

func TestSandboxManager_PrepareSandbox_CreatesDirectoryLayout(t *testing.T) {
	base := t.TempDir()
	cfg := NewJailerConfig("inst_1", "/usr/bin/jailer", "/usr/bin/firecracker", base)
	mgr := NewSandboxManager(cfg)

	paths, err := mgr.PrepareSandbox()
	require.NoError(t, err)
	assert.Equal(t, cfg.ChrootDir(), paths.Chroot)
	assert.Equal(t, cfg.APISocketPath(), paths.Socket)

	for _, dir := range []string{"dev", "run", "tmp"} {
		info, err := os.Stat(filepath.Join(paths.Chroot, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestSandboxManager_Command_BuildsJailerArgs(t *testing.T) {
	cfg := NewJailerConfig("inst_1", "/usr/bin/jailer", "/usr/bin/firecracker", "/srv/jailer")
	mgr := NewSandboxManager(cfg)
	cmd := mgr.Command()

	assert.Equal(t, "/usr/bin/jailer", cmd.Path)
	assert.Contains(t, cmd.Args, "--id")
	assert.Contains(t, cmd.Args, "inst_1")
	assert.Contains(t, cmd.Args, "--exec-file")
	assert.Contains(t, cmd.Args, "/usr/bin/firecracker")
}
