// Package main implements the proxyd server: a TUIC v5 and Trojan-over-TLS
// proxy listener.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgebound/proxyd/internal/config"
	"github.com/edgebound/proxyd/internal/logging"
	"github.com/edgebound/proxyd/internal/server"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	if err := logging.Init(&cfg.Log); err != nil {
		logging.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}

	mgr, err := server.NewManager(cfg)
	if err != nil {
		logging.Error("failed to build server manager", "err", err)
		os.Exit(1)
	}

	if err := mgr.Start(); err != nil {
		logging.Error("failed to start server manager", "err", err)
		os.Exit(1)
	}

	logging.Info("proxyd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down...")
	mgr.Stop()
	logging.Info("proxyd stopped")
}
