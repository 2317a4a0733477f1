package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTapConfig_Name_TruncatesToIFNAMSIZ(t *testing.T) {
	cfg := NewTapConfig("inst_0123456789abcdef", "fd00::1")
	name := cfg.Name()
	assert.LessOrEqual(t, len(name), 15)
	assert.Equal(t, "tap-89abcdef", name)
}

func TestTapConfig_Name_ShortInstanceIDUnchanged(t *testing.T) {
	cfg := NewTapConfig("abc", "fd00::1")
	assert.Equal(t, "tap-abc", cfg.Name())
}

func TestNewTapConfig_Defaults(t *testing.T) {
	cfg := NewTapConfig("inst_1", "fd00::2")
	assert.Equal(t, GatewayIPv6, cfg.GatewayIPv6)
	assert.Equal(t, DefaultMTU, cfg.MTU)
}

func TestExists_UnknownDeviceIsFalse(t *testing.T) {
	assert.False(t, Exists("tap-definitely-not-a-real-device"))
}
