package resolve

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebound/proxyd/internal/addrcodec"
)

func TestResolvePassesThroughConcreteIP(t *testing.T) {
	c := New(16, time.Minute)
	addr := addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(93, 184, 216, 34), Port: 443}

	ip, port, err := c.Resolve(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint16(443), port)
	assert.True(t, ip.Equal(net.IPv4(93, 184, 216, 34)))
}

func TestResolveRewritesLoopback(t *testing.T) {
	c := New(16, time.Minute)
	addr := addrcodec.Address{Kind: addrcodec.KindIPv4, IP: net.IPv4(127, 0, 0, 1), Port: 9000}

	ip, _, err := c.Resolve(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback())
}
