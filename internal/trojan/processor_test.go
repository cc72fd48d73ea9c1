package trojan

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebound/proxyd/internal/addrcodec"
	"github.com/edgebound/proxyd/internal/resolve"
)

func newTestProcessor(t *testing.T, password, fallbackAddr string) *Processor {
	t.Helper()
	auth := NewAuthManager([]string{password})
	resolver := resolve.New(16, time.Minute)
	fallback := &Fallback{Addr: fallbackAddr}
	return NewProcessor(auth, resolver, fallback)
}

func portOf(t *testing.T, addr net.Addr) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

func tcpEcho(t *testing.T) (net.Addr, func()) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr(), func() { _ = ln.Close() }
}

func udpEcho(t *testing.T) (net.Addr, func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteTo(buf[:n], addr)
		}
	}()

	return conn.LocalAddr(), func() { _ = conn.Close() }
}

// Scenario: Connect OK, with the request and its upstream payload pipelined
// in a single write — the regression the bufio.Reader threading fix exists
// for. wire_test.go's fixtures never exercise this because they contain
// exactly the framed request with nothing trailing.
func TestProcessorConnectRelaysPipelinedPayload(t *testing.T) {
	upstreamAddr, stop := tcpEcho(t)
	defer stop()

	p := newTestProcessor(t, "hunter2", "")

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	req := &Request{
		HashHex: hashPassword("hunter2"),
		Command: CmdConnect,
		Address: addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: portOf(t, upstreamAddr)},
	}

	// Build the request header and its upstream payload into one buffer and
	// issue a single conn.Write with both: this is what puts the payload
	// bytes inside a one-shot bufio.Reader fill, which is exactly the case a
	// per-call, discarded bufio.Reader loses.
	var wire bytes.Buffer
	require.NoError(t, WriteRequest(&wire, req))
	wire.WriteString("pipelined-ping")

	go func() {
		_, _ = clientSide.Write(wire.Bytes())
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Handle(context.Background(), serverSide)
	}()

	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, len("pipelined-ping"))
	_, err := io.ReadFull(clientSide, reply)
	require.NoError(t, err)
	assert.Equal(t, "pipelined-ping", string(reply))

	_ = clientSide.Close()
	<-done
}

// Scenario: auth failure falls through to Fallback rather than relaying.
// With no fallback address configured, Fallback.Serve just closes the
// connection.
func TestProcessorAuthFailureFallsBackToClose(t *testing.T) {
	p := newTestProcessor(t, "hunter2", "")

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	req := &Request{
		HashHex: hashPassword("wrong-password"),
		Command: CmdConnect,
		Address: addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: 80},
	}

	go func() {
		_ = WriteRequest(clientSide, req)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Handle(context.Background(), serverSide)
	}()

	buf := make([]byte, 1)
	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Read(buf)
	assert.Equal(t, io.EOF, err, "unauthenticated connection with no fallback configured must be closed")

	<-done
}

// Scenario: UDP associate relays a frame to its target and the reply frame
// comes back over the same connection, reusing one bufio.Reader for every
// frame in the session.
func TestProcessorUDPAssociateEchoesReply(t *testing.T) {
	echoAddr, stop := udpEcho(t)
	defer stop()

	p := newTestProcessor(t, "hunter2", "")

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	req := &Request{
		HashHex: hashPassword("hunter2"),
		Command: CmdUDPAssociate,
		Address: addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(0, 0, 0, 0), Port: 0},
	}

	target := addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: portOf(t, echoAddr)}

	go func() {
		_ = WriteRequest(clientSide, req)
		_ = WriteUDPFrame(clientSide, &UDPFrame{Address: target, Payload: []byte("dns query")})
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Handle(context.Background(), serverSide)
	}()

	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := ReadUDPFrame(bufio.NewReader(clientSide))
	require.NoError(t, err)
	assert.Equal(t, []byte("dns query"), got.Payload)

	_ = clientSide.Close()
	<-done
}
