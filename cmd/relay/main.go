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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/umbra-im/umbra-relay/internal/config"
	"github.com/umbra-im/umbra-relay/internal/relay"
	"github.com/umbra-im/umbra-relay/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	port := flag.Int("port", 0, "HTTP listen port")
	region := flag.String("region", "", "relay region label")
	location := flag.String("location", "", "relay location label")
	maxOffline := flag.Int("max-offline", 0, "max offline messages per recipient")
	offlineTTL := flag.Int("offline-ttl", 0, "offline message TTL in days")
	sessionTTL := flag.Int("session-ttl", 0, "signaling session TTL in seconds")
	cleanupInterval := flag.Int("cleanup-interval", 0, "expiry sweep period in seconds")
	relayID := flag.String("relay-id", "", "relay id in the federation mesh")
	publicURL := flag.String("public-url", "", "client-facing WebSocket URL announced to peers")
	peers := flag.String("peers", "", "comma-separated peer relay URLs")
	presenceHeartbeat := flag.Int("presence-heartbeat", 0, "presence re-sync period in seconds")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting umbra-relay", "build", version.String())

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err, "path", *configPath)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	// Explicit flags win over env and file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "region":
			cfg.Region = *region
		case "location":
			cfg.Location = *location
		case "max-offline":
			cfg.MaxOfflineMessages = *maxOffline
		case "offline-ttl":
			cfg.OfflineTTLDays = *offlineTTL
		case "session-ttl":
			cfg.SessionTTLSecs = *sessionTTL
		case "cleanup-interval":
			cfg.CleanupIntervalSecs = *cleanupInterval
		case "relay-id":
			cfg.RelayID = *relayID
		case "public-url":
			cfg.PublicURL = *publicURL
		case "peers":
			cfg.Peers = splitPeers(*peers)
		case "presence-heartbeat":
			cfg.PresenceHeartbeatSecs = *presenceHeartbeat
		}
	})

	if cfg.RelayID == "" {
		cfg.RelayID = "relay-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"relay_id", cfg.RelayID,
		"port", cfg.Port,
		"region", cfg.Region,
		"location", cfg.Location,
		"peers", len(cfg.Peers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	srv := relay.NewServer(cfg, logger)
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		httpServer.Shutdown(shutdownCtx)
		srv.Stop(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("umbra-relay stopped")
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	peers := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
