package tuic

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebound/proxyd/internal/addrcodec"
	"github.com/edgebound/proxyd/internal/resolve"
)

// fakeConn is a minimal quicConn: only the methods a given test exercises do
// anything useful; the rest exist to satisfy the interface.
type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeConn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	return nil, ctx.Err()
}
func (f *fakeConn) AcceptStream(ctx context.Context) (quic.Stream, error) { return nil, ctx.Err() }
func (f *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error)   { return nil, ctx.Err() }

func (f *fakeConn) SendDatagram(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeConn) RemoteAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9} }
func (f *fakeConn) ConnectionState() quic.ConnectionState { return quic.ConnectionState{} }
func (f *fakeConn) CloseWithError(code quic.ApplicationErrorCode, message string) error {
	return nil
}

func (f *fakeConn) sentDatagrams() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func newTestProcessor(t *testing.T) (*Processor, *RuntimeContext) {
	t.Helper()
	store := NewReassemblyStore(30*time.Second, 0, 0)
	resolver := resolve.New(16, time.Minute)
	auth, err := NewAuthManager(map[string]string{})
	require.NoError(t, err)
	return NewProcessor(auth, store, resolver), NewRuntimeContext()
}

func portOf(t *testing.T, addr net.Addr) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

// udpEcho starts a UDP listener on loopback that echoes every datagram back
// to its sender, returning its address and a stop func.
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

// Scenario: Connect OK — a bidirectional stream carrying a Connect command
// gets relayed to a live TCP upstream and echoed bytes come back.
func TestProcessorConnectRelaysToUpstream(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				_, _ = conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	p, rc := newTestProcessor(t)
	rc.Gate.Signal(true) // already authenticated

	clientSide, procSide := net.Pipe()
	defer clientSide.Close()

	connectAddr := addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: portOf(t, ln.Addr())}

	go func() {
		_ = WriteCommand(clientSide, Connect{Address: connectAddr})
		_, _ = clientSide.Write([]byte("ping"))
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.handleBidiStream(context.Background(), &fakeConn{}, rc, procSide)
	}()

	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 4)
	_, err = io.ReadFull(clientSide, reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))

	_ = clientSide.Close()
	<-done
}

// Scenario: auth-failure gating — a non-Authenticate command must not be
// serviced once the gate has resolved to false.
func TestProcessorGateRejectsAfterFailedAuthenticate(t *testing.T) {
	p, rc := newTestProcessor(t)
	rc.Gate.Signal(false) // Authenticate already ran and failed

	clientSide, procSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.handleBidiStream(context.Background(), &fakeConn{}, rc, procSide)
	}()

	// handleBidiStream must close the stream without ever reading a command.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleBidiStream did not return after a failed gate")
	}
}

// Scenario: UDP single-fragment echo — a FragTotal==1 Packet is forwarded
// to its resolved target and the reply comes back as one datagram.
func TestProcessorSingleFragmentPacketEchoesReply(t *testing.T) {
	echoAddr, stop := udpEcho(t)
	defer stop()

	p, rc := newTestProcessor(t)
	conn := &fakeConn{}

	pkt := Packet{
		AssocID:   1,
		PktID:     1,
		FragTotal: 1,
		FragID:    0,
		Address:   addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: portOf(t, echoAddr)},
		Payload:   []byte("hello"),
	}

	p.handlePacket(context.Background(), conn, rc, "client-a", pkt)

	sent := conn.sentDatagrams()
	require.Len(t, sent, 1)

	cmd, err := ReadCommand(bytes.NewReader(sent[0]))
	require.NoError(t, err)
	reply, ok := cmd.(Packet)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), reply.Payload)
	assert.Equal(t, pkt.AssocID, reply.AssocID)
}

// Scenario: UDP fragmented reassembly — only the second of two fragments
// completes the packet and triggers the echo exchange.
func TestProcessorFragmentedPacketReassemblesBeforeEcho(t *testing.T) {
	echoAddr, stop := udpEcho(t)
	defer stop()

	payload := bytes.Repeat([]byte("x"), DefaultMTU+10)
	target := addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: portOf(t, echoAddr)}
	frags, err := Fragment(payload, 7, 42, target, DefaultMTU)
	require.NoError(t, err)
	require.Len(t, frags, 2)

	p, rc := newTestProcessor(t)
	conn := &fakeConn{}

	p.handlePacket(context.Background(), conn, rc, "client-b", frags[0])
	assert.Empty(t, conn.sentDatagrams(), "no reply before the packet is complete")

	p.handlePacket(context.Background(), conn, rc, "client-b", frags[1])
	sent := conn.sentDatagrams()
	// The echoed reply is longer than DefaultMTU, so it comes back as two
	// fragments in ascending frag_id order.
	require.Len(t, sent, 2)

	var echoed []byte
	for i, d := range sent {
		cmd, err := ReadCommand(bytes.NewReader(d))
		require.NoError(t, err)
		reply, ok := cmd.(Packet)
		require.True(t, ok)
		assert.Equal(t, uint8(i), reply.FragID)
		echoed = append(echoed, reply.Payload...)
	}
	assert.Equal(t, payload, echoed)
}

// Scenario: Dissociate clears both the runtime-context session and any
// in-progress reassembly state for that association.
func TestProcessorDissociateClearsSessionAndReassembly(t *testing.T) {
	p, rc := newTestProcessor(t)
	conn := &fakeConn{}
	clientKey := "client-c"

	target := addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: 9}
	payload := bytes.Repeat([]byte("y"), DefaultMTU+10)
	frags, err := Fragment(payload, 3, 99, target, DefaultMTU)
	require.NoError(t, err)
	require.Len(t, frags, 2)

	// First fragment only: registers the session and leaves an in-progress
	// reassembly buffer, neither of which is complete yet.
	p.handlePacket(context.Background(), conn, rc, clientKey, frags[0])
	rc.mu.Lock()
	_, tracked := rc.sessions[3]
	rc.mu.Unlock()
	require.True(t, tracked, "session should be tracked after the first fragment")

	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, Dissociate{AssocID: 3}))
	rc.Gate.Signal(true)

	p.handleUniStream(context.Background(), conn, rc, clientKey, &buf)

	rc.mu.Lock()
	_, stillTracked := rc.sessions[3]
	rc.mu.Unlock()
	assert.False(t, stillTracked, "Dissociate must remove the runtime-context session")

	// Resending the second fragment after Dissociate must not complete the
	// (now-discarded) reassembly buffer.
	_, _, complete, err := p.Store.Receive(clientKey, frags[1])
	require.NoError(t, err)
	assert.False(t, complete)
}
