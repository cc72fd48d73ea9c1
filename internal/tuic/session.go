package tuic

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/edgebound/proxyd/internal/addrcodec"
	"github.com/edgebound/proxyd/internal/errs"
	"github.com/edgebound/proxyd/internal/resolve"
)

// UDPRecvTimeout bounds how long send-and-recv waits for the single reply
// datagram (spec §4.6, §5).
const UDPRecvTimeout = 3 * time.Second

// UDPSession is the per-assoc_id handle a connection's runtime context
// owns: it carries no persistent socket (upstream sockets are ephemeral,
// created fresh for every exchange — spec §3, §4.6), only identity.
type UDPSession struct {
	AssocID uint16
}

// NewUDPSession creates a session for assocID. Lazily created by the
// processor on the first Packet for a new association (spec §3).
func NewUDPSession(assocID uint16) *UDPSession {
	return &UDPSession{AssocID: assocID}
}

// SendAndRecv implements spec §4.6: bind an ephemeral socket matching the
// target's address family, send payload, await exactly one reply datagram
// within UDPRecvTimeout, and never pool the socket.
func SendAndRecv(ctx context.Context, ip net.IP, port uint16, payload []byte) ([]byte, error) {
	network, laddr := "udp4", "0.0.0.0:0"
	if ip.To4() == nil {
		network, laddr = "udp6", "[::]:0"
	}

	conn, err := net.ListenPacket(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind ephemeral socket: %v", errs.ErrConnectFailed, err)
	}
	defer conn.Close()

	target := &net.UDPAddr{IP: ip, Port: int(port)}
	if _, err := conn.WriteTo(payload, target); err != nil {
		return nil, fmt.Errorf("%w: send to %s: %v", errs.ErrConnectFailed, target, err)
	}

	deadline := time.Now().Add(UDPRecvTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	buf := make([]byte, 65535)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, errs.ErrTimeout
		}
		return nil, fmt.Errorf("upstream udp read: %w", err)
	}

	return buf[:n], nil
}

// PacketHandler implements spec §4.6's accept_packet: it folds an incoming
// fragment into the reassembly store and, once a full packet is available,
// performs the upstream exchange and frames the reply for the client.
type PacketHandler struct {
	Store    *ReassemblyStore
	Resolver *resolve.Cache
}

// Accept processes one incoming Packet fragment for clientKey. It returns
// the reply fragments to send back to the client (nil if the fragment was
// incomplete, a duplicate, or the exchange failed silently-droppable, i.e.
// a timeout).
func (h *PacketHandler) Accept(ctx context.Context, clientKey string, pkt Packet) ([]Packet, error) {
	var (
		payload []byte
		addr    addrcodec.Address
	)

	if pkt.FragTotal == 1 {
		payload, addr = pkt.Payload, pkt.Address
	} else {
		assembled, a, complete, err := h.Store.Receive(clientKey, pkt)
		if err != nil {
			return nil, err
		}
		if !complete {
			return nil, nil
		}
		payload, addr = assembled, a
	}

	ip, port, err := h.Resolver.Resolve(ctx, addr)
	if err != nil {
		return nil, err
	}

	reply, err := SendAndRecv(ctx, ip, port, payload)
	if err != nil {
		if err == errs.ErrTimeout {
			// Upstream UDP timeout: drop this exchange, session remains
			// (spec §4.9).
			return nil, nil
		}
		return nil, err
	}

	// frag_id == 0 of the reply carries the real destination address so a
	// client sharing one assoc_id across multiple remote targets can tell
	// replies apart (spec §3; original_source's packet.rs::get_packets_from).
	return Fragment(reply, pkt.AssocID, pkt.PktID, addr, DefaultMTU)
}
