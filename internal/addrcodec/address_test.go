package addrcodec

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		addr Address
		tags TagSet
	}{
		{"ipv4", Address{Kind: KindIPv4, IP: net.IPv4(1, 2, 3, 4), Port: 443}, TUICTags},
		{"ipv6", Address{Kind: KindIPv6, IP: net.ParseIP("::1"), Port: 8443}, TUICTags},
		{"domain", Address{Kind: KindDomain, Domain: "example.com", Port: 80}, TUICTags},
		{"none", Address{Kind: KindNone}, TUICTags},
		{"trojan_ipv4", Address{Kind: KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: 1080}, TrojanTags},
		{"trojan_domain", Address{Kind: KindDomain, Domain: "a", Port: 1}, TrojanTags},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, tc.addr, tc.tags))

			got, err := Decode(&buf, tc.tags)
			require.NoError(t, err)

			assert.Equal(t, tc.addr.Kind, got.Kind)
			assert.Equal(t, tc.addr.Port, got.Port)
			if tc.addr.Kind == KindDomain {
				assert.Equal(t, tc.addr.Domain, got.Domain)
			}
			if tc.addr.Kind == KindIPv4 || tc.addr.Kind == KindIPv6 {
				assert.True(t, tc.addr.IP.Equal(got.IP))
			}
		})
	}
}

func TestDecodeZeroLengthDomainRejected(t *testing.T) {
	buf := bytes.NewBuffer([]byte{TUICTags.Domain, 0x00})
	_, err := Decode(buf, TUICTags)
	assert.Error(t, err)
}

func TestDecodeUnknownTagRejected(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x7f})
	_, err := Decode(buf, TUICTags)
	assert.Error(t, err)
}

func TestEncodeDomainTooLongRejected(t *testing.T) {
	addr := Address{Kind: KindDomain, Domain: strings.Repeat("a", 256), Port: 1}
	var buf bytes.Buffer
	err := Encode(&buf, addr, TUICTags)
	assert.Error(t, err)
}

func TestEncodedLenMatchesEncodeOutput(t *testing.T) {
	addr := Address{Kind: KindDomain, Domain: "example.com", Port: 80}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, addr, TUICTags))
	assert.Equal(t, EncodedLen(addr), buf.Len())
}
