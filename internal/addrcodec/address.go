// Package addrcodec implements the tagged address form shared by TUIC and
// Trojan: a type byte, an IPv4/IPv6/domain body, and a big-endian port. The
// two protocols use different tag values for the same shapes (TagSet
// captures that), but parsing, serialization, resolution and the
// post-resolution local-address rewrite are identical and live here once.
package addrcodec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/edgebound/proxyd/internal/errs"
)

// Kind identifies which variant of the tagged union an Address holds.
type Kind uint8

const (
	KindDomain Kind = iota
	KindIPv4
	KindIPv6
	KindNone
)

// Address is the address half of a Connect/Packet command body.
type Address struct {
	Kind   Kind
	IP     net.IP // set when Kind is KindIPv4 or KindIPv6
	Domain string // set when Kind is KindDomain
	Port   uint16
}

// TagSet maps the four address kinds onto a protocol's wire tag bytes.
// HasNone is false for protocols (Trojan) whose address is never absent.
type TagSet struct {
	Domain  byte
	IPv4    byte
	IPv6    byte
	None    byte
	HasNone bool
}

// TUICTags are TUIC v5's address tags (spec §6): Domain=0x00, IPv4=0x01,
// IPv6=0x02, None=0xFF.
var TUICTags = TagSet{Domain: 0x00, IPv4: 0x01, IPv6: 0x02, None: 0xFF, HasNone: true}

// TrojanTags are Trojan's address tags (spec §6): IPv4=0x01, Domain=0x03,
// IPv6=0x04. Trojan addresses are always concrete (no None).
var TrojanTags = TagSet{IPv4: 0x01, Domain: 0x03, IPv6: 0x04, HasNone: false}

func (a Address) String() string {
	switch a.Kind {
	case KindIPv4, KindIPv6:
		return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
	case KindDomain:
		return fmt.Sprintf("%s:%d", a.Domain, a.Port)
	default:
		return "none"
	}
}

// Decode reads one tagged address from r according to tags.
func Decode(r io.Reader, tags TagSet) (Address, error) {
	var tagByte [1]byte
	if _, err := io.ReadFull(r, tagByte[:]); err != nil {
		return Address{}, fmt.Errorf("%w: address tag: %v", errs.ErrTruncated, err)
	}
	tag := tagByte[0]

	switch {
	case tags.HasNone && tag == tags.None:
		return Address{Kind: KindNone}, nil
	case tag == tags.IPv4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Address{}, fmt.Errorf("%w: ipv4 body: %v", errs.ErrTruncated, err)
		}
		port, err := readPort(r)
		if err != nil {
			return Address{}, err
		}
		ip := make(net.IP, 4)
		copy(ip, buf[:])
		return Address{Kind: KindIPv4, IP: ip, Port: port}, nil
	case tag == tags.IPv6:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Address{}, fmt.Errorf("%w: ipv6 body: %v", errs.ErrTruncated, err)
		}
		port, err := readPort(r)
		if err != nil {
			return Address{}, err
		}
		ip := make(net.IP, 16)
		copy(ip, buf[:])
		return Address{Kind: KindIPv6, IP: ip, Port: port}, nil
	case tag == tags.Domain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return Address{}, fmt.Errorf("%w: domain length: %v", errs.ErrTruncated, err)
		}
		n := lenByte[0]
		if n == 0 {
			return Address{}, fmt.Errorf("%w: zero-length domain name", errs.ErrMalformedFrame)
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return Address{}, fmt.Errorf("%w: domain body: %v", errs.ErrTruncated, err)
		}
		port, err := readPort(r)
		if err != nil {
			return Address{}, err
		}
		return Address{Kind: KindDomain, Domain: string(name), Port: port}, nil
	default:
		return Address{}, fmt.Errorf("%w: unknown address tag 0x%02x", errs.ErrMalformedFrame, tag)
	}
}

func readPort(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: port: %v", errs.ErrTruncated, err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// Encode writes a tagged address to w according to tags. The wire bytes it
// produces are exactly what Decode(w's output, tags) would read back.
func Encode(w io.Writer, a Address, tags TagSet) error {
	bw := bufio.NewWriter(w)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)

	switch a.Kind {
	case KindIPv4:
		ip4 := a.IP.To4()
		if ip4 == nil {
			return fmt.Errorf("%w: address marked IPv4 has no 4-byte form", errs.ErrMalformedFrame)
		}
		if err := bw.WriteByte(tags.IPv4); err != nil {
			return err
		}
		if _, err := bw.Write(ip4); err != nil {
			return err
		}
		if _, err := bw.Write(portBuf[:]); err != nil {
			return err
		}
	case KindIPv6:
		ip16 := a.IP.To16()
		if ip16 == nil {
			return fmt.Errorf("%w: address marked IPv6 has no 16-byte form", errs.ErrMalformedFrame)
		}
		if err := bw.WriteByte(tags.IPv6); err != nil {
			return err
		}
		if _, err := bw.Write(ip16); err != nil {
			return err
		}
		if _, err := bw.Write(portBuf[:]); err != nil {
			return err
		}
	case KindDomain:
		if len(a.Domain) == 0 || len(a.Domain) > 255 {
			return fmt.Errorf("%w: domain name length out of range", errs.ErrMalformedFrame)
		}
		if err := bw.WriteByte(tags.Domain); err != nil {
			return err
		}
		if err := bw.WriteByte(byte(len(a.Domain))); err != nil {
			return err
		}
		if _, err := bw.WriteString(a.Domain); err != nil {
			return err
		}
		if _, err := bw.Write(portBuf[:]); err != nil {
			return err
		}
	case KindNone:
		if !tags.HasNone {
			return fmt.Errorf("%w: protocol has no None address tag", errs.ErrMalformedFrame)
		}
		if err := bw.WriteByte(tags.None); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown address kind %d", errs.ErrMalformedFrame, a.Kind)
	}

	return bw.Flush()
}

// EncodedLen returns the number of wire bytes Encode would produce for a,
// used by callers (Packet fragmentation) that must compute sizes without a
// scratch buffer.
func EncodedLen(a Address) int {
	switch a.Kind {
	case KindIPv4:
		return 1 + 4 + 2
	case KindIPv6:
		return 1 + 16 + 2
	case KindDomain:
		return 1 + 1 + len(a.Domain) + 2
	default:
		return 1
	}
}
