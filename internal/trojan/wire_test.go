package trojan

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebound/proxyd/internal/addrcodec"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		HashHex: hashPassword("hunter2"),
		Command: CmdConnect,
		Address: addrcodec.Address{Kind: addrcodec.KindDomain, Domain: "example.com", Port: 443},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, req.HashHex, got.HashHex)
	assert.Equal(t, req.Command, got.Command)
	assert.Equal(t, req.Address.Domain, got.Address.Domain)
}

func TestReadRequestMalformedReturnsNoRequestNotError(t *testing.T) {
	buf := bytes.NewBufferString("not a trojan request at all, just garbage bytes\r\n")
	req, err := ReadRequest(bufio.NewReader(buf))
	assert.NoError(t, err)
	assert.Nil(t, req)
}

func TestReadRequestUnknownCommandReturnsNoRequest(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(hashPassword("x"))
	buf.WriteString("\r\n")
	buf.WriteByte(0x7f)
	req, err := ReadRequest(bufio.NewReader(&buf))
	assert.NoError(t, err)
	assert.Nil(t, req)
}

func TestUDPFrameRoundTrip(t *testing.T) {
	frame := &UDPFrame{
		Address: addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(8, 8, 8, 8), Port: 53},
		Payload: []byte("dns query bytes"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteUDPFrame(&buf, frame))

	got, err := ReadUDPFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, frame.Payload, got.Payload)
	assert.True(t, frame.Address.IP.Equal(got.Address.IP))
}
