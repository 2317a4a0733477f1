package ingress

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildClientHelloRecord builds a minimal, well-formed TLS record
// wrapping a ClientHello handshake message that carries a single
// server_name extension for hostname, mirroring the wire shapes
// exercised by real TLS clients closely enough for SNI extraction.
func buildClientHelloRecord(hostname string) []byte {
	var serverName bytes.Buffer
	serverName.WriteByte(sniHostNameType)
	binary.Write(&serverName, binary.BigEndian, uint16(len(hostname)))
	serverName.WriteString(hostname)

	var sniList bytes.Buffer
	binary.Write(&sniList, binary.BigEndian, uint16(serverName.Len()))
	sniList.Write(serverName.Bytes())

	var ext bytes.Buffer
	binary.Write(&ext, binary.BigEndian, uint16(extensionServerName))
	binary.Write(&ext, binary.BigEndian, uint16(sniList.Len()))
	ext.Write(sniList.Bytes())

	var hello bytes.Buffer
	hello.WriteByte(handshakeTypeClient)
	hello.Write([]byte{0, 0, 0}) // 24-bit length placeholder, patched below
	hello.Write([]byte{3, 3})    // client_version
	hello.Write(make([]byte, 32))
	hello.WriteByte(0) // session_id length 0
	binary.Write(&hello, binary.BigEndian, uint16(2))
	hello.Write([]byte{0x13, 0x01}) // one cipher suite
	hello.WriteByte(1)              // compression methods length
	hello.WriteByte(0)               // null compression
	binary.Write(&hello, binary.BigEndian, uint16(ext.Len()))
	hello.Write(ext.Bytes())

	body := hello.Bytes()
	handshakeLen := len(body) - 4
	body[1] = byte(handshakeLen >> 16)
	body[2] = byte(handshakeLen >> 8)
	body[3] = byte(handshakeLen)

	var record bytes.Buffer
	record.WriteByte(recordTypeHandshake)
	record.Write([]byte{3, 1}) // legacy record version
	binary.Write(&record, binary.BigEndian, uint16(len(body)))
	record.Write(body)
	return record.Bytes()
}

func TestParseClientHelloSNI_ExtractsHostname(t *testing.T) {
	record := buildClientHelloRecord("example.ghostplane.io")
	name, err := parseClientHelloSNI(record[5:])
	require.NoError(t, err)
	assert.Equal(t, "example.ghostplane.io", name)
}

func TestParseClientHelloSNI_TruncatedBodyFails(t *testing.T) {
	record := buildClientHelloRecord("example.ghostplane.io")
	body := record[5:]
	_, err := parseClientHelloSNI(body[:len(body)-5])
	assert.Error(t, err)
}

func TestPeekSNI_NonHandshakeRecordReturnsErrNotTLS(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { client.Write([]byte("GET / HTTP/1.1\r\n\r\n")) }()

	br := bufio.NewReader(server)
	_, err := PeekSNI(br, time.Second, server)
	assert.ErrorIs(t, err, ErrNotTLS)
}

func TestPeekSNI_ExtractsHostnameAndPreservesBytesForLaterRead(t *testing.T) {
	record := buildClientHelloRecord("peek.ghostplane.io")
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { client.Write(record) }()

	br := bufio.NewReader(server)
	name, err := PeekSNI(br, time.Second, server)
	require.NoError(t, err)
	assert.Equal(t, "peek.ghostplane.io", name)

	replayed := make([]byte, len(record))
	_, err = io.ReadFull(br, replayed)
	require.NoError(t, err)
	assert.Equal(t, record, replayed, "peeked bytes must still be readable through the same buffered reader")
}
