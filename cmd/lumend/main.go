package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lumenchain/config"
	"lumenchain/crypto"
	"lumenchain/observability/logging"
	"lumenchain/p2p"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	metricsFlag := flag.String("metrics", "", "Address for the Prometheus metrics endpoint, overrides the config file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LUMEN_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger := logging.Setup("lumend", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	identity, err := p2p.LoadOrCreateIdentity(cfg.IdentityFile)
	if err != nil {
		logger.Error("Failed to load node identity", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("node identity loaded", "peerID", identity.PeerID.String())

	noiseKey, err := crypto.NewNoiseKey(identity.PrivateKey)
	if err != nil {
		logger.Error("Failed to derive handshake key", slog.Any("error", err))
		os.Exit(1)
	}

	var listenAddrs []p2p.Multiaddr
	for _, raw := range cfg.ListenAddresses {
		addr, err := p2p.ParseMultiaddr(raw)
		if err != nil {
			logger.Error("Invalid listen address", "addr", raw, slog.Any("error", err))
			os.Exit(1)
		}
		listenAddrs = append(listenAddrs, addr)
	}

	var bootnodes []p2p.BootstrapPeer
	for _, raw := range cfg.Bootnodes {
		boot, err := p2p.ParseBootnode(raw)
		if err != nil {
			logger.Error("Invalid bootnode", "bootnode", raw, slog.Any("error", err))
			os.Exit(1)
		}
		bootnodes = append(bootnodes, boot)
	}

	service, initErrs := p2p.NewService(p2p.Config{
		ListenAddresses: listenAddrs,
		BootstrapPeers:  bootnodes,
		NoiseKey:        noiseKey,
		Logger:          logger,
		PingInterval:    time.Duration(cfg.PingIntervalSec) * time.Second,
	})
	for _, initErr := range initErrs {
		logger.Warn("Listener failed to start", "addr", initErr.Addr.String(), slog.Any("error", initErr))
	}
	defer service.Close()

	metricsAddr := cfg.MetricsAddress
	if *metricsFlag != "" {
		metricsAddr = *metricsFlag
	}
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("node started", "network", cfg.NetworkName, "peers", len(bootnodes))
	runEventLoop(ctx, service, logger)
	logger.Info("shutting down")
}

// runEventLoop drives the network service until the context ends. Calling
// NextEvent is what makes the service dial out.
func runEventLoop(ctx context.Context, service *p2p.Service, logger *slog.Logger) {
	for {
		event, err := service.NextEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, p2p.ErrServiceClosed) {
				return
			}
			logger.Error("Event loop failed", slog.Any("error", err))
			return
		}
		switch ev := event.(type) {
		case p2p.EventConnected:
			logger.Info("peer connected", "peerID", ev.Peer.String(), "connections", service.ConnectionCount())
		}
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics endpoint failed", slog.Any("error", err))
	}
}
