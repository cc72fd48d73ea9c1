package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/edgebound/proxyd/internal/config"
	"github.com/edgebound/proxyd/internal/logging"
	"github.com/edgebound/proxyd/internal/resolve"
	"github.com/edgebound/proxyd/internal/transport/quictransport"
	"github.com/edgebound/proxyd/internal/tuic"
)

// TUICServer owns one TUIC listener: the QUIC transport, the shared auth
// and reassembly state, and the accept loop spawning one Processor per
// connection (spec §4.8).
type TUICServer struct {
	cfg      config.TUICConfig
	resolver *resolve.Cache

	listener        *quictransport.Listener
	store           *tuic.ReassemblyStore
	processor       *tuic.Processor
	cleanupInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTUICServer builds a TUICServer from its section of the top-level
// config, sharing the resolver cache across every protocol server.
func NewTUICServer(cfg config.TUICConfig, udp config.UDPConfig, credCfg config.CredentialConfig, resolver *resolve.Cache) (*TUICServer, error) {
	users, err := loadUserTable(credCfg, "tuic", cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("tuic server: %w", err)
	}

	auth, err := tuic.NewAuthManager(users)
	if err != nil {
		return nil, fmt.Errorf("tuic server: %w", err)
	}

	store := tuic.NewReassemblyStore(
		time.Duration(udp.SessionTimeoutSecs)*time.Second,
		udp.MaxSessions,
		udp.MaxReassemblyBytesPerSession,
	)

	return &TUICServer{
		cfg:       cfg,
		resolver:  resolver,
		store:     store,
		processor: tuic.NewProcessor(auth, store, resolver),

		cleanupInterval: time.Duration(udp.CleanupIntervalSecs) * time.Second,
	}, nil
}

// Init loads TLS material and binds the QUIC listener without yet
// accepting connections.
func (s *TUICServer) Init() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertPath, s.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("tuic server: load cert: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		GetConfigForClient: probeLoggingHook,
	}
	qcfg := quictransport.DefaultConfig(s.cfg.ListenAddr, tlsConfig)

	ln, err := quictransport.Listen(qcfg)
	if err != nil {
		return fmt.Errorf("tuic server: %w", err)
	}
	s.listener = ln
	return nil
}

// Start runs the accept loop and the reassembly store's cleanup sweep
// until Stop is called.
func (s *TUICServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	interval := s.cleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.store.Run(ctx, interval)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	logging.Info("tuic server started", "listen_addr", s.listener.Addr())
	return nil
}

func (s *TUICServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("tuic accept failed", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.processor.Run(ctx, conn)
		}()
	}
}

// Stop cancels every in-flight connection's context, closes the listener,
// and waits for all goroutines to drain.
func (s *TUICServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	logging.Info("tuic server stopped")
	return nil
}
