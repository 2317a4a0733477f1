package ingress

import (
	"encoding/binary"
	"fmt"
	"net"
)

// proxyProtoV2Signature is the fixed 12-byte magic prefix every PROXY
// protocol v2 header starts with.
var proxyProtoV2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	proxyProtoV2VersionCommand = 0x21 // version 2, command PROXY
	proxyProtoV2FamilyTCPv4    = 0x11 // AF_INET, SOCK_STREAM
	proxyProtoV2FamilyTCPv6    = 0x21 // AF_INET6, SOCK_STREAM
)

// EncodeProxyProtocolV2 builds a PROXY protocol v2 header carrying the
// original client/backend-dial tuple, to be written to the backend
// connection before splicing application bytes (spec §4.11, §6 glossary
// "PROXY protocol v2"). src and dst must be the same address family.
func EncodeProxyProtocolV2(src, dst *net.TCPAddr) ([]byte, error) {
	srcIP4, srcIsV4 := ipv4(src.IP)
	dstIP4, dstIsV4 := ipv4(dst.IP)

	var header []byte
	header = append(header, proxyProtoV2Signature[:]...)
	header = append(header, proxyProtoV2VersionCommand)

	switch {
	case srcIsV4 && dstIsV4:
		header = append(header, proxyProtoV2FamilyTCPv4)
		addrLen := uint16(4 + 4 + 2 + 2)
		header = binary.BigEndian.AppendUint16(header, addrLen)
		header = append(header, srcIP4...)
		header = append(header, dstIP4...)
		header = binary.BigEndian.AppendUint16(header, uint16(src.Port))
		header = binary.BigEndian.AppendUint16(header, uint16(dst.Port))
	case !srcIsV4 && !dstIsV4:
		header = append(header, proxyProtoV2FamilyTCPv6)
		addrLen := uint16(16 + 16 + 2 + 2)
		header = binary.BigEndian.AppendUint16(header, addrLen)
		header = append(header, src.IP.To16()...)
		header = append(header, dst.IP.To16()...)
		header = binary.BigEndian.AppendUint16(header, uint16(src.Port))
		header = binary.BigEndian.AppendUint16(header, uint16(dst.Port))
	default:
		return nil, fmt.Errorf("proxy protocol v2: mismatched address families for src %s and dst %s", src, dst)
	}

	return header, nil
}

func ipv4(ip net.IP) (net.IP, bool) {
	v4 := ip.To4()
	return v4, v4 != nil
}
