// Package tuic implements the TUIC v5 command framing, authentication,
// UDP reassembly and connection processor described by the wire-format
// specification's §3, §4.2, §4.4–§4.8 and §6.
package tuic

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/edgebound/proxyd/internal/addrcodec"
	"github.com/edgebound/proxyd/internal/errs"
)

// Version is the only TUIC protocol version this server accepts.
const Version = 0x05

// CommandType is the one-byte command tag that follows the version byte.
type CommandType uint8

const (
	CmdAuthenticate CommandType = 0x00
	CmdConnect      CommandType = 0x01
	CmdPacket       CommandType = 0x02
	CmdDissociate   CommandType = 0x03
	CmdHeartbeat    CommandType = 0x04
)

func (t CommandType) String() string {
	switch t {
	case CmdAuthenticate:
		return "Authenticate"
	case CmdConnect:
		return "Connect"
	case CmdPacket:
		return "Packet"
	case CmdDissociate:
		return "Dissociate"
	case CmdHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Command is implemented by every TUIC command body.
type Command interface {
	Type() CommandType
}

// Authenticate carries the user id and the client's derived token.
type Authenticate struct {
	UserID [16]byte
	Token  [32]byte
}

func (Authenticate) Type() CommandType { return CmdAuthenticate }

// Zero overwrites the token bytes; callers defer this immediately after
// the last use of a decoded Authenticate, since Go has no destructors
// (spec §4.4: "token bytes are zeroized when dropped").
func (a *Authenticate) Zero() {
	for i := range a.Token {
		a.Token[i] = 0
	}
}

// Connect carries the target address for a bidirectional TCP relay.
type Connect struct {
	Address addrcodec.Address
}

func (Connect) Type() CommandType { return CmdConnect }

// Packet carries one fragment of a UDP payload.
type Packet struct {
	AssocID   uint16
	PktID     uint16
	FragTotal uint8
	FragID    uint8
	Size      uint16
	Address   addrcodec.Address
	Payload   []byte
}

func (Packet) Type() CommandType { return CmdPacket }

// Dissociate tears down a UDP association.
type Dissociate struct {
	AssocID uint16
}

func (Dissociate) Type() CommandType { return CmdDissociate }

// Heartbeat carries no fields; its presence alone keeps the connection
// alive (spec §9 Open Question (d): no reply is required).
type Heartbeat struct{}

func (Heartbeat) Type() CommandType { return CmdHeartbeat }

// ReadCommand reads one header plus body from r. Works for both
// stream-based reads (unidirectional/bidirectional) and datagram reads,
// since bytes.NewReader satisfies io.Reader just as well as a net.Conn.
func ReadCommand(r io.Reader) (Command, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", errs.ErrTruncated, err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", errs.ErrMalformedFrame, hdr[0])
	}

	switch CommandType(hdr[1]) {
	case CmdAuthenticate:
		return readAuthenticate(r)
	case CmdConnect:
		return readConnect(r)
	case CmdPacket:
		return readPacket(r)
	case CmdDissociate:
		return readDissociate(r)
	case CmdHeartbeat:
		return Heartbeat{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command tag 0x%02x", errs.ErrMalformedFrame, hdr[1])
	}
}

func readAuthenticate(r io.Reader) (Command, error) {
	var a Authenticate
	if _, err := io.ReadFull(r, a.UserID[:]); err != nil {
		return nil, fmt.Errorf("%w: user id: %v", errs.ErrTruncated, err)
	}
	if _, err := io.ReadFull(r, a.Token[:]); err != nil {
		return nil, fmt.Errorf("%w: token: %v", errs.ErrTruncated, err)
	}
	return &a, nil
}

func readConnect(r io.Reader) (Command, error) {
	addr, err := addrcodec.Decode(r, addrcodec.TUICTags)
	if err != nil {
		return nil, err
	}
	return Connect{Address: addr}, nil
}

func readPacket(r io.Reader) (Command, error) {
	var fixed [6]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("%w: packet fixed fields: %v", errs.ErrTruncated, err)
	}

	p := Packet{
		AssocID:   binary.BigEndian.Uint16(fixed[0:2]),
		PktID:     binary.BigEndian.Uint16(fixed[2:4]),
		FragTotal: fixed[4],
		FragID:    fixed[5],
	}

	addr, err := addrcodec.Decode(r, addrcodec.TUICTags)
	if err != nil {
		return nil, err
	}
	p.Address = addr

	var sizeBuf [2]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: packet size: %v", errs.ErrTruncated, err)
	}
	p.Size = binary.BigEndian.Uint16(sizeBuf[:])

	if p.FragTotal == 0 || p.FragID >= p.FragTotal {
		return nil, fmt.Errorf("%w: frag_id %d >= frag_total %d", errs.ErrInvalidFragmentID, p.FragID, p.FragTotal)
	}

	payload := make([]byte, p.Size)
	if p.Size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: packet payload: %v", errs.ErrTruncated, err)
		}
	}
	p.Payload = payload

	return p, nil
}

func readDissociate(r io.Reader) (Command, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("%w: assoc id: %v", errs.ErrTruncated, err)
	}
	return Dissociate{AssocID: binary.BigEndian.Uint16(buf[:])}, nil
}

// WriteCommand writes cmd's header and body to w. For every Command value
// c, ReadCommand(bytes from WriteCommand(c)) reproduces an equal value
// (spec §8 round-trip property).
func WriteCommand(w io.Writer, cmd Command) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(Version); err != nil {
		return err
	}
	if err := bw.WriteByte(byte(cmd.Type())); err != nil {
		return err
	}

	switch c := cmd.(type) {
	case *Authenticate:
		if _, err := bw.Write(c.UserID[:]); err != nil {
			return err
		}
		if _, err := bw.Write(c.Token[:]); err != nil {
			return err
		}
	case Authenticate:
		if _, err := bw.Write(c.UserID[:]); err != nil {
			return err
		}
		if _, err := bw.Write(c.Token[:]); err != nil {
			return err
		}
	case Connect:
		if err := bw.Flush(); err != nil {
			return err
		}
		return addrcodec.Encode(w, c.Address, addrcodec.TUICTags)
	case Packet:
		var fixed [6]byte
		binary.BigEndian.PutUint16(fixed[0:2], c.AssocID)
		binary.BigEndian.PutUint16(fixed[2:4], c.PktID)
		fixed[4] = c.FragTotal
		fixed[5] = c.FragID
		if _, err := bw.Write(fixed[:]); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if err := addrcodec.Encode(w, c.Address, addrcodec.TUICTags); err != nil {
			return err
		}
		var sizeBuf [2]byte
		binary.BigEndian.PutUint16(sizeBuf[:], c.Size)
		if _, err := w.Write(sizeBuf[:]); err != nil {
			return err
		}
		if len(c.Payload) > 0 {
			if _, err := w.Write(c.Payload); err != nil {
				return err
			}
		}
		return nil
	case Dissociate:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], c.AssocID)
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	case Heartbeat:
		// no body
	default:
		return fmt.Errorf("%w: unwritable command type %T", errs.ErrMalformedFrame, cmd)
	}

	return bw.Flush()
}

// MaxFragments is the protocol's hard cap on fragments per packet (spec §3,
// §8: frag_total == 128 permitted, 129 rejected).
const MaxFragments = 128

// DefaultMTU is the maximum payload size per fragment (spec §4.2).
const DefaultMTU = 1200

// Fragment splits payload into at most MaxFragments Packet fragments of up
// to mtu bytes each. Only fragment 0 carries addr; later fragments carry a
// None address (spec §4.2, §3). A zero-length payload still produces one
// fragment with an empty payload (spec §8: "size == 0: permitted").
func Fragment(payload []byte, assocID, pktID uint16, addr addrcodec.Address, mtu int) ([]Packet, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	fragTotal := 1
	if len(payload) > 0 {
		fragTotal = (len(payload) + mtu - 1) / mtu // ceiling rounding (spec §9 Open Question (a))
	}
	if fragTotal > MaxFragments {
		return nil, fmt.Errorf("%w: payload requires %d fragments, max %d", errs.ErrSessionTooLarge, fragTotal, MaxFragments)
	}

	packets := make([]Packet, 0, fragTotal)
	for i := 0; i < fragTotal; i++ {
		start := i * mtu
		end := start + mtu
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		fragAddr := addrcodec.Address{Kind: addrcodec.KindNone}
		if i == 0 {
			fragAddr = addr
		}

		packets = append(packets, Packet{
			AssocID:   assocID,
			PktID:     pktID,
			FragTotal: uint8(fragTotal),
			FragID:    uint8(i),
			Size:      uint16(len(chunk)),
			Address:   fragAddr,
			Payload:   chunk,
		})
	}

	return packets, nil
}
