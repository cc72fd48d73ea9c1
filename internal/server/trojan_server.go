package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/edgebound/proxyd/internal/config"
	"github.com/edgebound/proxyd/internal/logging"
	"github.com/edgebound/proxyd/internal/resolve"
	"github.com/edgebound/proxyd/internal/trojan"
)

// TrojanServer owns one Trojan-over-TLS listener: the TLS accept loop and
// the shared auth/fallback state, spawning one Processor per connection
// (spec §4.3).
type TrojanServer struct {
	cfg      config.TrojanConfig
	resolver *resolve.Cache

	listener  net.Listener
	processor *trojan.Processor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTrojanServer builds a TrojanServer from its section of the top-level
// config.
func NewTrojanServer(cfg config.TrojanConfig, credCfg config.CredentialConfig, resolver *resolve.Cache) (*TrojanServer, error) {
	users, err := loadUserTable(credCfg, "trojan", cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("trojan server: %w", err)
	}

	passwords := make([]string, 0, len(users))
	for _, password := range users {
		passwords = append(passwords, password)
	}

	auth := trojan.NewAuthManager(passwords)
	fallback := &trojan.Fallback{Addr: cfg.FallbackAddr}

	return &TrojanServer{
		cfg:       cfg,
		resolver:  resolver,
		processor: trojan.NewProcessor(auth, resolver, fallback),
	}, nil
}

// Init loads TLS material and binds the listening socket.
func (s *TrojanServer) Init() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertPath, s.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("trojan server: load cert: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS13,
		GetConfigForClient: probeLoggingHook,
	}

	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, tlsConfig)
	if err != nil {
		return fmt.Errorf("trojan server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	return nil
}

// Start runs the accept loop until Stop is called.
func (s *TrojanServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	logging.Info("trojan server started", "listen_addr", s.listener.Addr().String())
	return nil
}

func (s *TrojanServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("trojan accept failed", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.processor.Handle(ctx, conn)
		}()
	}
}

// probeLoggingHook logs at debug when a client's SNI is a bare IP literal
// rather than a hostname, a common Trojan-probing signature (a real client
// never has a reason to SNI an IP at a domain-fronted endpoint). It never
// overrides the served certificate — returning nil keeps tls.Config's
// default Certificates in effect — this exists purely for the log line.
// Grounded on original_source/src/server/resolver.rs's PeerAwareCertResolver,
// which does the equivalent check in rustls's ResolvesServerCert hook; Go's
// tls.Config exposes the same per-handshake hook as GetConfigForClient.
func probeLoggingHook(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if hello.ServerName != "" && net.ParseIP(hello.ServerName) != nil {
		peer := "unknown"
		if hello.Conn != nil {
			peer = hello.Conn.RemoteAddr().String()
		}
		logging.Debug("trojan tls handshake: ip used as sni", "peer", peer, "sni", hello.ServerName)
	}
	return nil, nil
}

// Stop cancels the accept loop's context, closes the listener, and waits
// for in-flight connections to finish.
func (s *TrojanServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	logging.Info("trojan server stopped")
	return nil
}
