package tuic

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/edgebound/proxyd/internal/addrcodec"
	"github.com/edgebound/proxyd/internal/logging"
	"github.com/edgebound/proxyd/internal/resolve"
)

// UnexpectedCommandCloseCode is the application-level QUIC close code used
// when a stream or connection carries a command it should never see
// (spec §4.8, §6).
const UnexpectedCommandCloseCode quic.ApplicationErrorCode = 0xFFFF

// relayBufferSize is the per-direction buffer for the bidirectional TCP
// relay copy loop (spec §4.8: "8-16 KiB").
const relayBufferSize = 16 * 1024

// Processor drives one accepted TUIC connection: its three concurrent
// stream roles, the auth gate, and the reassembly/session subsystem
// (spec §4.8).
type Processor struct {
	Auth     *AuthManager
	Store    *ReassemblyStore
	Resolver *resolve.Cache

	dialTimeout time.Duration
}

// quicConn is the subset of quic.Connection the processor actually drives.
// Narrowing it down from the full interface (rather than taking
// quic.Connection directly) lets tests exercise Run/handle* against a small
// fake instead of needing to stub quic-go's entire Connection surface; any
// real quic.Connection satisfies this automatically.
type quicConn interface {
	AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error)
	AcceptStream(ctx context.Context) (quic.Stream, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	SendDatagram(b []byte) error
	RemoteAddr() net.Addr
	ConnectionState() quic.ConnectionState
	CloseWithError(code quic.ApplicationErrorCode, message string) error
}

// bidiStream is the subset of quic.Stream the bidirectional relay needs:
// read the Connect command, then copy bytes both ways.
type bidiStream interface {
	io.Reader
	io.Writer
	Close() error
}

// NewProcessor builds a Processor sharing auth, reassembly and resolver
// state across every connection the listener accepts.
func NewProcessor(auth *AuthManager, store *ReassemblyStore, resolver *resolve.Cache) *Processor {
	return &Processor{Auth: auth, Store: store, Resolver: resolver, dialTimeout: 10 * time.Second}
}

// Run drives conn until it closes or ctx is canceled, spawning the three
// roles named in spec §4.8 under an errgroup, so the first role to return
// an error cancels the context the other two run under.
func (p *Processor) Run(ctx context.Context, conn quicConn) error {
	clientKey := conn.RemoteAddr().String()
	rc := NewRuntimeContext()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runUnidirectional(gctx, conn, rc, clientKey) })
	g.Go(func() error { return p.runBidirectional(gctx, conn, rc) })
	g.Go(func() error { return p.runDatagram(gctx, conn, rc, clientKey) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Debug("tuic connection processor exited", "peer", clientKey, "err", err)
	}
	return nil
}

// runUnidirectional implements spec §4.8's unidirectional-stream role:
// Authenticate, Packet, and Dissociate commands arrive this way.
func (p *Processor) runUnidirectional(ctx context.Context, conn quicConn, rc *RuntimeContext, clientKey string) error {
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return err
		}

		go p.handleUniStream(ctx, conn, rc, clientKey, stream)
	}
}

func (p *Processor) handleUniStream(ctx context.Context, conn quicConn, rc *RuntimeContext, clientKey string, stream io.Reader) {
	cmd, err := ReadCommand(stream)
	if err != nil {
		logging.Debug("tuic unidirectional stream read failed", "peer", clientKey, "err", err)
		return
	}

	switch c := cmd.(type) {
	case *Authenticate:
		ok, authErr := p.Auth.Authenticate(c, connExporter{conn})
		rc.Gate.Signal(ok)
		if authErr != nil {
			logging.Warn("tuic authenticate failed", "peer", clientKey, "err", authErr)
		}
	case Packet:
		if !p.waitAuthenticated(rc) {
			return
		}
		p.handlePacket(ctx, conn, rc, clientKey, c)
	case Dissociate:
		if !p.waitAuthenticated(rc) {
			return
		}
		rc.RemoveSession(c.AssocID)
		p.Store.RemoveAssoc(clientKey, c.AssocID)
	default:
		logging.Debug("unexpected command on unidirectional stream", "peer", clientKey, "type", cmd.Type())
	}
}

// runBidirectional implements spec §4.8's bidirectional-stream role: the
// only valid command is Connect, which opens a TCP relay.
func (p *Processor) runBidirectional(ctx context.Context, conn quicConn, rc *RuntimeContext) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}

		go p.handleBidiStream(ctx, conn, rc, stream)
	}
}

func (p *Processor) handleBidiStream(ctx context.Context, conn quicConn, rc *RuntimeContext, stream bidiStream) {
	if !p.waitAuthenticated(rc) {
		_ = stream.Close()
		return
	}

	cmd, err := ReadCommand(stream)
	if err != nil {
		logging.Debug("tuic bidirectional stream read failed", "peer", conn.RemoteAddr(), "err", err)
		_ = stream.Close()
		return
	}

	connect, ok := cmd.(Connect)
	if !ok {
		logging.Warn("unexpected command on bidirectional stream", "peer", conn.RemoteAddr(), "type", cmd.Type())
		_ = conn.CloseWithError(UnexpectedCommandCloseCode, "unexpected command type")
		return
	}

	p.relayConnect(ctx, stream, connect.Address)
}

func (p *Processor) relayConnect(ctx context.Context, stream bidiStream, addr addrcodec.Address) {
	ip, port, err := p.Resolver.Resolve(ctx, addr)
	if err != nil {
		logging.Debug("tuic connect resolution failed", "addr", addr.String(), "err", err)
		_ = stream.Close()
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	target := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	var dialer net.Dialer
	upstream, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		logging.Debug("tuic connect dial failed", "target", target, "err", err)
		_ = stream.Close()
		return
	}
	defer upstream.Close()

	if tcpConn, ok := upstream.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(5 * time.Second)
		_ = tcpConn.SetLinger(0)
	}

	relayBidirectional(ctx, stream, upstream)
}

// relayBidirectional copies both directions between a QUIC stream and a
// TCP connection until either side ends, then half-closes the other
// (spec §4.8). Grounded on the teacher's transferData/copyDataWithContext
// pair (pkg/gateway/port_forward.go).
func relayBidirectional(ctx context.Context, stream bidiStream, upstream net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, relayBufferSize)
		_, _ = copyWithContext(ctx, upstream, stream, buf)
		_ = upstream.(interface{ CloseWrite() error }).CloseWrite()
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, relayBufferSize)
		_, _ = copyWithContext(ctx, stream, upstream, buf)
		_ = stream.Close()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	<-done // let the other direction finish draining
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// runDatagram implements spec §4.8's datagram role: Packet and Heartbeat
// commands arrive this way, one per datagram.
func (p *Processor) runDatagram(ctx context.Context, conn quicConn, rc *RuntimeContext, clientKey string) error {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}

		go p.handleDatagram(ctx, conn, rc, clientKey, data)
	}
}

func (p *Processor) handleDatagram(ctx context.Context, conn quicConn, rc *RuntimeContext, clientKey string, data []byte) {
	cmd, err := ReadCommand(bytes.NewReader(data))
	if err != nil {
		logging.Debug("tuic datagram decode failed", "peer", clientKey, "err", err)
		return
	}

	switch c := cmd.(type) {
	case Heartbeat:
		if !p.waitAuthenticated(rc) {
			return
		}
		logging.Debug("tuic heartbeat", "peer", clientKey)
	case Packet:
		if !p.waitAuthenticated(rc) {
			return
		}
		p.handlePacket(ctx, conn, rc, clientKey, c)
	default:
		logging.Debug("unexpected command on datagram", "peer", clientKey, "type", cmd.Type())
	}
}

func (p *Processor) handlePacket(ctx context.Context, conn quicConn, rc *RuntimeContext, clientKey string, pkt Packet) {
	rc.SessionFor(pkt.AssocID)

	handler := PacketHandler{Store: p.Store, Resolver: p.Resolver}
	replies, err := handler.Accept(ctx, clientKey, pkt)
	if err != nil {
		logging.Debug("tuic packet handling failed", "peer", clientKey, "assoc_id", pkt.AssocID, "err", err)
		return
	}

	for _, reply := range replies {
		buf := encodeDatagram(reply)
		if err := conn.SendDatagram(buf); err != nil {
			logging.Debug("tuic datagram send failed", "peer", clientKey, "err", err)
			return
		}
	}
}

func (p *Processor) waitAuthenticated(rc *RuntimeContext) bool {
	ok, err := rc.Gate.WaitTimeout(DefaultGateTimeout)
	if err != nil || !ok {
		return false
	}
	return true
}

// connExporter adapts a quicConn to KeyMaterialExporter.
type connExporter struct {
	conn quicConn
}

func (e connExporter) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state := e.conn.ConnectionState().TLS
	return state.ExportKeyingMaterial(label, context, length)
}

func encodeDatagram(pkt Packet) []byte {
	var buf bytes.Buffer
	_ = WriteCommand(&buf, pkt)
	return buf.Bytes()
}
