package ingress

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeProxyProtocolV2_IPv4(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 51234}
	dst := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 8080}

	header, err := EncodeProxyProtocolV2(src, dst)
	require.NoError(t, err)

	assert.Equal(t, proxyProtoV2Signature[:], header[:12])
	assert.Equal(t, byte(proxyProtoV2VersionCommand), header[12])
	assert.Equal(t, byte(proxyProtoV2FamilyTCPv4), header[13])
	assert.Len(t, header, 16+12) // 16-byte fixed header + 4+4+2+2 address block
}

func TestEncodeProxyProtocolV2_IPv6(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 51234}
	dst := &net.TCPAddr{IP: net.ParseIP("2001:db8::2"), Port: 8080}

	header, err := EncodeProxyProtocolV2(src, dst)
	require.NoError(t, err)

	assert.Equal(t, byte(proxyProtoV2FamilyTCPv6), header[13])
	assert.Len(t, header, 16+36)
}

func TestEncodeProxyProtocolV2_MismatchedFamiliesErrors(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 51234}
	dst := &net.TCPAddr{IP: net.ParseIP("2001:db8::2"), Port: 8080}

	_, err := EncodeProxyProtocolV2(src, dst)
	assert.Error(t, err)
}
