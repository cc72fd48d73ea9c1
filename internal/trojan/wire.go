package trojan

import (
	"bufio"
	"encoding/hex"
	"io"

	"github.com/edgebound/proxyd/internal/addrcodec"
	"github.com/edgebound/proxyd/internal/errs"
)

// HashLen is the length of the hex-encoded SHA-224 password hash that opens
// every Trojan request (spec §4.2).
const HashLen = 56

// CommandType identifies the request's operation (spec §4.2).
type CommandType byte

const (
	CmdConnect      CommandType = 0x01
	CmdUDPAssociate CommandType = 0x03
)

// Request is one decoded Trojan request: a verified-length hash, a command,
// and a target address (spec §4.2, §4.3).
type Request struct {
	HashHex string
	Command CommandType
	Address addrcodec.Address
}

// ReadRequest decodes one Trojan request from br. The caller owns br and
// must keep using it (rather than the raw connection) for anything read
// afterwards: bufio.Reader fills its buffer from the underlying reader in
// chunks, so a client that pipelines its payload right behind the request
// header — virtually every real Trojan client — ends up with those payload
// bytes already sitting in br's buffer, not on the wire.
//
// Unlike the TUIC codec, a malformed request is not an error condition
// distinguishable on the wire: per spec §4.3 (mirroring original_source's
// command/mod.rs::read_from, which returns Ok(None) rather than an error),
// any framing problem is reported back as (nil, nil) so the caller falls
// through to the fallback path instead of replying with a protocol-specific
// error.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	hashBytes := make([]byte, HashLen)
	if _, err := io.ReadFull(br, hashBytes); err != nil {
		return nil, nil
	}
	if _, err := hex.DecodeString(string(hashBytes)); err != nil {
		return nil, nil
	}

	if !expectCRLF(br) {
		return nil, nil
	}

	cmdByte, err := br.ReadByte()
	if err != nil {
		return nil, nil
	}
	cmd := CommandType(cmdByte)
	if cmd != CmdConnect && cmd != CmdUDPAssociate {
		return nil, nil
	}

	addr, err := addrcodec.Decode(br, addrcodec.TrojanTags)
	if err != nil {
		return nil, nil
	}

	if !expectCRLF(br) {
		return nil, nil
	}

	return &Request{HashHex: string(hashBytes), Command: cmd, Address: addr}, nil
}

func expectCRLF(r io.Reader) bool {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false
	}
	return buf[0] == '\r' && buf[1] == '\n'
}

// WriteRequest encodes a request in the wire shape ReadRequest parses,
// used by tests for round-trip coverage.
func WriteRequest(w io.Writer, req *Request) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(req.HashHex); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if err := bw.WriteByte(byte(req.Command)); err != nil {
		return err
	}
	if err := addrcodec.Encode(bw, req.Address, addrcodec.TrojanTags); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// UDPFrame is one Trojan-over-TLS UDP datagram frame (spec §6): the
// destination address, a 16-bit length, a CRLF, and the payload.
type UDPFrame struct {
	Address addrcodec.Address
	Payload []byte
}

// ReadUDPFrame decodes one frame from br. As with ReadRequest, the caller
// must reuse one br across every frame in a UdpAssociate session rather than
// wrapping a fresh bufio.Reader per frame, or bytes belonging to the next
// frame get buffered and silently dropped.
func ReadUDPFrame(br *bufio.Reader) (*UDPFrame, error) {
	addr, err := addrcodec.Decode(br, addrcodec.TrojanTags)
	if err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(lenBuf[0])<<8 | int(lenBuf[1])

	if !expectCRLF(br) {
		return nil, errs.ErrMalformedFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, err
	}

	return &UDPFrame{Address: addr, Payload: payload}, nil
}

// WriteUDPFrame encodes a reply frame back to the client.
func WriteUDPFrame(w io.Writer, frame *UDPFrame) error {
	bw := bufio.NewWriter(w)
	if err := addrcodec.Encode(bw, frame.Address, addrcodec.TrojanTags); err != nil {
		return err
	}
	if err := bw.WriteByte(byte(len(frame.Payload) >> 8)); err != nil {
		return err
	}
	if err := bw.WriteByte(byte(len(frame.Payload))); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := bw.Write(frame.Payload); err != nil {
		return err
	}
	return bw.Flush()
}
