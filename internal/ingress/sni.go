package ingress

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotTLS is returned by PeekSNI when the first bytes off the
// connection don't look like a TLS handshake record at all.
var ErrNotTLS = errors.New("ingress: not a TLS handshake record")

const (
	recordTypeHandshake  = 0x16
	handshakeTypeClient  = 0x01
	extensionServerName  = 0x00
	sniHostNameType      = 0x00
	maxClientHelloRecord = 16 * 1024 // a ClientHello record never needs more than this
)

// PeekSNI reads (without consuming) the TLS record header and the
// ClientHello handshake message from conn, extracting the SNI hostname
// extension by hand-parsing the wire format. It returns ErrNotTLS for
// any connection whose first bytes aren't a TLS handshake record,
// letting the caller fall through to a tcp_raw route. No full TLS
// handshake is performed: ingress never terminates TLS, it only peeks
// enough bytes to route (spec §4.11).
//
// br must be a bufio.Reader wrapping conn; callers use that same reader
// for all further reads so the peeked bytes aren't lost.
func PeekSNI(br *bufio.Reader, timeout time.Duration, conn net.Conn) (string, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("set peek deadline: %w", err)
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	header, err := br.Peek(5)
	if err != nil {
		return "", fmt.Errorf("peek record header: %w", err)
	}
	if header[0] != recordTypeHandshake {
		return "", ErrNotTLS
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLen <= 0 || recordLen > maxClientHelloRecord {
		return "", fmt.Errorf("implausible TLS record length %d", recordLen)
	}

	total := 5 + recordLen
	record, err := br.Peek(total)
	if err != nil {
		return "", fmt.Errorf("peek client hello record: %w", err)
	}
	body := record[5:total]

	return parseClientHelloSNI(body)
}

// parseClientHelloSNI walks a handshake-message body (minus the 5-byte
// TLS record header) looking for the server_name extension. Every
// length-prefixed field below is validated against the remaining slice
// length before it is sliced, so a truncated or malformed ClientHello
// fails with an error instead of panicking on an out-of-range index.
func parseClientHelloSNI(body []byte) (string, error) {
	if len(body) < 4 || body[0] != handshakeTypeClient {
		return "", fmt.Errorf("not a ClientHello handshake message")
	}
	// body[1:4] is a 24-bit handshake length; skip the 4-byte header.
	p := body[4:]

	if len(p) < 2+32 {
		return "", fmt.Errorf("truncated client hello: missing version/random")
	}
	p = p[2+32:] // client_version (2) + random (32)

	sessionIDLen, p, err := readU8Len(p)
	if err != nil {
		return "", err
	}
	p, err = skip(p, sessionIDLen)
	if err != nil {
		return "", err
	}

	cipherSuitesLen, p, err := readU16Len(p)
	if err != nil {
		return "", err
	}
	p, err = skip(p, cipherSuitesLen)
	if err != nil {
		return "", err
	}

	compressionLen, p, err := readU8Len(p)
	if err != nil {
		return "", err
	}
	p, err = skip(p, compressionLen)
	if err != nil {
		return "", err
	}

	if len(p) == 0 {
		return "", fmt.Errorf("client hello has no extensions, no SNI present")
	}
	extensionsLen, p, err := readU16Len(p)
	if err != nil {
		return "", err
	}
	if len(p) < extensionsLen {
		return "", fmt.Errorf("truncated extensions block")
	}
	extensions := p[:extensionsLen]

	for len(extensions) > 0 {
		if len(extensions) < 4 {
			return "", fmt.Errorf("truncated extension header")
		}
		extType := binary.BigEndian.Uint16(extensions[0:2])
		extLen := int(binary.BigEndian.Uint16(extensions[2:4]))
		extensions = extensions[4:]
		if len(extensions) < extLen {
			return "", fmt.Errorf("truncated extension body")
		}
		extBody := extensions[:extLen]
		extensions = extensions[extLen:]

		if extType != extensionServerName {
			continue
		}
		return parseServerNameExtension(extBody)
	}
	return "", fmt.Errorf("no server_name extension present")
}

func parseServerNameExtension(body []byte) (string, error) {
	listLen, body, err := readU16Len(body)
	if err != nil {
		return "", err
	}
	if len(body) < listLen {
		return "", fmt.Errorf("truncated server_name list")
	}
	body = body[:listLen]

	for len(body) > 0 {
		if len(body) < 3 {
			return "", fmt.Errorf("truncated server_name entry")
		}
		nameType := body[0]
		nameLen := int(binary.BigEndian.Uint16(body[1:3]))
		body = body[3:]
		if len(body) < nameLen {
			return "", fmt.Errorf("truncated server_name value")
		}
		name := body[:nameLen]
		body = body[nameLen:]

		if nameType == sniHostNameType {
			return string(name), nil
		}
	}
	return "", fmt.Errorf("server_name list had no host_name entry")
}

func readU8Len(p []byte) (int, []byte, error) {
	if len(p) < 1 {
		return 0, nil, fmt.Errorf("truncated length-prefixed field (u8)")
	}
	return int(p[0]), p[1:], nil
}

func readU16Len(p []byte) (int, []byte, error) {
	if len(p) < 2 {
		return 0, nil, fmt.Errorf("truncated length-prefixed field (u16)")
	}
	return int(binary.BigEndian.Uint16(p[0:2])), p[2:], nil
}

func skip(p []byte, n int) ([]byte, error) {
	if len(p) < n {
		return nil, fmt.Errorf("truncated field body")
	}
	return p[n:], nil
}
