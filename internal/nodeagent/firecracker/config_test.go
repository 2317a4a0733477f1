package firecracker

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateMACAddress_DeterministicAndLocallyAdministered(t *testing.T) {
	a := GenerateMACAddress("inst_abc123")
	b := GenerateMACAddress("inst_abc123")
	c := GenerateMACAddress("inst_other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	parts := strings.Split(a, ":")
	assert.Len(t, parts, 6)

	first, err := strconv.ParseUint(parts[0], 16, 8)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x02), first&0x03, "first octet must be locally administered (bit 1) and unicast (bit 0 clear)")
}

func TestNewMachineConfig_DisablesSMT(t *testing.T) {
	cfg := NewMachineConfig(2, 1024)
	assert.Equal(t, 2, cfg.VCPUCount)
	assert.Equal(t, 1024, cfg.MemSizeMiB)
	if assert.NotNil(t, cfg.SMT) {
		assert.False(t, *cfg.SMT)
	}
}

func TestRootDisk_IsReadOnlyRootDevice(t *testing.T) {
	d := RootDisk("/srv/jailer/inst1/root.ext4")
	assert.True(t, d.IsRootDevice)
	assert.True(t, d.IsReadOnly)
	assert.Equal(t, "rootfs", d.DriveID)
}

func TestScratchDisk_IsWritableNonRoot(t *testing.T) {
	d := ScratchDisk("scratch0", "/srv/jailer/inst1/scratch.ext4")
	assert.False(t, d.IsRootDevice)
	assert.False(t, d.IsReadOnly)
}

func TestNewNetworkInterface_SetsGuestMAC(t *testing.T) {
	iface := NewNetworkInterface("eth0", "tap-abc123", "inst_1")
	if assert.NotNil(t, iface.GuestMAC) {
		assert.Equal(t, GenerateMACAddress("inst_1"), *iface.GuestMAC)
	}
}

func TestNewBootSource_UsesDefaultArgs(t *testing.T) {
	bs := NewBootSource("/var/lib/ghostplane/node/vmlinux")
	if assert.NotNil(t, bs.BootArgs) {
		assert.Equal(t, DefaultBootArgs, *bs.BootArgs)
	}
}
