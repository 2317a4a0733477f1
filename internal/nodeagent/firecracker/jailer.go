package firecracker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// JailerConfig describes the chroot sandbox one microVM runs in.
type JailerConfig struct {
	InstanceID       string
	JailerPath       string
	FirecrackerPath  string
	ChrootBase       string
	UID              int
	GID              int
	MemoryLimitBytes int64 // 0 means unset
	CPUWeight        int   // 1-10000, 0 means unset
}

// NewJailerConfig builds a JailerConfig with the platform's standard
// uid/gid and cgroup v2.
func NewJailerConfig(instanceID, jailerPath, firecrackerPath, chrootBase string) JailerConfig {
	return JailerConfig{
		InstanceID: instanceID, JailerPath: jailerPath, FirecrackerPath: firecrackerPath,
		ChrootBase: chrootBase, UID: 1000, GID: 1000,
	}
}

// ChrootDir is this instance's chroot root.
func (c JailerConfig) ChrootDir() string {
	return filepath.Join(c.ChrootBase, "firecracker", c.InstanceID, "root")
}

// APISocketPath is the Firecracker API socket as seen from the host,
// inside the chroot.
func (c JailerConfig) APISocketPath() string {
	return filepath.Join(c.ChrootDir(), "run", "firecracker.socket")
}

// CgroupPath is the cgroup v2 directory for this instance.
func (c JailerConfig) CgroupPath() string {
	return filepath.Join("/sys/fs/cgroup", "ghostplane", c.InstanceID)
}

// SandboxPaths are the filesystem locations created by PrepareSandbox.
type SandboxPaths struct {
	Chroot string
	Socket string
}

// SandboxManager prepares, limits, and tears down one instance's jail.
type SandboxManager struct {
	cfg JailerConfig
}

// NewSandboxManager constructs a SandboxManager for cfg.
func NewSandboxManager(cfg JailerConfig) *SandboxManager {
	return &SandboxManager{cfg: cfg}
}

// PrepareSandbox creates the chroot's dev/run/tmp directory structure.
func (m *SandboxManager) PrepareSandbox() (SandboxPaths, error) {
	chroot := m.cfg.ChrootDir()
	for _, dir := range []string{"dev", "run", "tmp"} {
		if err := os.MkdirAll(filepath.Join(chroot, dir), 0o700); err != nil {
			return SandboxPaths{}, fmt.Errorf("create sandbox dir %s: %w", dir, err)
		}
	}
	return SandboxPaths{Chroot: chroot, Socket: m.cfg.APISocketPath()}, nil
}

// SetupCgroups writes memory.max and cpu.weight for this instance's
// cgroup v2 slice.
func (m *SandboxManager) SetupCgroups() error {
	cgroupPath := m.cfg.CgroupPath()
	if err := os.MkdirAll(cgroupPath, 0o700); err != nil {
		return fmt.Errorf("create cgroup dir: %w", err)
	}

	if m.cfg.MemoryLimitBytes > 0 {
		if err := os.WriteFile(filepath.Join(cgroupPath, "memory.max"), []byte(strconv.FormatInt(m.cfg.MemoryLimitBytes, 10)), 0o644); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}
	if m.cfg.CPUWeight > 0 {
		weight := m.cfg.CPUWeight
		if weight > 10000 {
			weight = 10000
		}
		if err := os.WriteFile(filepath.Join(cgroupPath, "cpu.weight"), []byte(strconv.Itoa(weight)), 0o644); err != nil {
			return fmt.Errorf("set cpu.weight: %w", err)
		}
	}
	return nil
}

// Cleanup removes the chroot and cgroup directories once the instance has
// exited. A non-empty cgroup.procs means a process outlived its VM; in
// that case cleanup skips cgroup removal rather than failing.
func (m *SandboxManager) Cleanup() error {
	chroot := m.cfg.ChrootDir()
	if _, err := os.Stat(chroot); err == nil {
		if err := os.RemoveAll(chroot); err != nil {
			return fmt.Errorf("remove chroot: %w", err)
		}
	}

	cgroupPath := m.cfg.CgroupPath()
	if procs, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs")); err == nil {
		if len(procs) > 0 {
			return nil
		}
	}
	_ = os.Remove(cgroupPath)
	return nil
}

// Command builds the jailer invocation that will exec Firecracker inside
// the prepared chroot.
func (m *SandboxManager) Command() *exec.Cmd {
	args := []string{
		"--id", m.cfg.InstanceID,
		"--exec-file", m.cfg.FirecrackerPath,
		"--uid", strconv.Itoa(m.cfg.UID),
		"--gid", strconv.Itoa(m.cfg.GID),
		"--chroot-base-dir", m.cfg.ChrootBase,
		"--cgroup-version", "2",
	}
	return exec.Command(m.cfg.JailerPath, args...)
}
