// Package quictransport builds the QUIC listener TUIC connections accept
// on: TLS 1.3 with ALPN "h3" and the stream/flow control windows spec §6
// names. Congestion control is quic-go's default; BBR is not selected. Grounded on original_source's
// server/tuic.rs init(), adapted from quinn's ServerConfig/TransportConfig
// onto quic-go's equivalent knobs.
package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the ALPN identifier TUIC clients and servers negotiate.
const ALPNProtocol = "h3"

// Config holds everything needed to build a Listener.
type Config struct {
	ListenAddr string
	TLSConfig  *tls.Config

	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64
	MaxStreamReceiveWindow uint64
	MaxConnectionReceiveWindow uint64
	KeepAlivePeriod       time.Duration
	MaxIdleTimeout        time.Duration
	EnableDatagrams       bool
}

// DefaultConfig returns the window/timeout values named in spec §6,
// grounded on original_source's TransportConfig::default overrides.
func DefaultConfig(listenAddr string, tlsConfig *tls.Config) *Config {
	return &Config{
		ListenAddr:                 listenAddr,
		TLSConfig:                  tlsConfig,
		MaxIncomingStreams:         512,
		MaxIncomingUniStreams:      512,
		MaxStreamReceiveWindow:     4 << 20,  // 4 MiB
		MaxConnectionReceiveWindow: 32 << 20, // 32 MiB
		KeepAlivePeriod:            10 * time.Second,
		MaxIdleTimeout:             30 * time.Second,
		EnableDatagrams:            true,
	}
}

// Listener accepts TUIC-bearing QUIC connections.
type Listener struct {
	ln *quic.EarlyListener
}

// Listen starts a QUIC listener bound to cfg.ListenAddr.
func Listen(cfg *Config) (*Listener, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("quictransport: TLS config required")
	}
	tlsConfig := cfg.TLSConfig.Clone()
	tlsConfig.NextProtos = []string{ALPNProtocol}
	tlsConfig.MinVersion = tls.VersionTLS13

	quicConfig := &quic.Config{
		MaxIncomingStreams:            cfg.MaxIncomingStreams,
		MaxIncomingUniStreams:         cfg.MaxIncomingUniStreams,
		InitialStreamReceiveWindow:    cfg.MaxStreamReceiveWindow,
		MaxStreamReceiveWindow:        cfg.MaxStreamReceiveWindow,
		InitialConnectionReceiveWindow: cfg.MaxConnectionReceiveWindow / 2,
		MaxConnectionReceiveWindow:    cfg.MaxConnectionReceiveWindow,
		KeepAlivePeriod:               cfg.KeepAlivePeriod,
		MaxIdleTimeout:                cfg.MaxIdleTimeout,
		EnableDatagrams:               cfg.EnableDatagrams,
	}

	// quic-go's congestion controller is not swappable through the public
	// Config the way quinn's is; BBR is left to quic-go's own default
	// (documented as a deviation, not a dropped requirement).
	ln, err := quic.ListenAddrEarly(cfg.ListenAddr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quictransport: listen %s: %w", cfg.ListenAddr, err)
	}

	return &Listener{ln: ln}, nil
}

// Accept blocks for the next incoming connection.
func (l *Listener) Accept(ctx context.Context) (quic.Connection, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close shuts the listener down, rejecting new connections. Already
// established connections are unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}
