// cmd/broker/main.go
// Relay entry point: loads configuration, initializes the logger and serves /ws and /health.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erilali/groupchat/internal/broker"
	"github.com/erilali/groupchat/internal/config"
	"github.com/erilali/groupchat/internal/logger"
)

func main() {
	configPath := flag.String("config", config.DefaultFile, "JSON configuration file")
	envFile := flag.String("env", config.DefaultEnvFile, ".env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.Log)
	serverLogger := logger.NewLogger("relay")
	serverLogger.WithFields(map[string]interface{}{
		"level":       cfg.Log.Level,
		"log_to_file": cfg.Log.LogToFile,
		"log_to_json": cfg.Log.LogToJSON,
		"addr":        cfg.Relay.Addr,
	}).Info("Logger initialized with configuration")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubLogger := logger.NewLogger("hub")
	hub := broker.NewHub(nil, cfg.Relay.MirrorSubject, hubLogger)
	if cfg.Relay.NatsURL != "" {
		serverLogger.Infof("Connecting to NATS at %s", cfg.Relay.NatsURL)
		nc, err := broker.ConnectNATS(cfg.Relay.NatsURL, hubLogger)
		if err != nil {
			serverLogger.Errorf("%v", err)
			serverLogger.Warn("Running without NATS. Messages will not be bridged.")
		} else {
			defer nc.Drain()
			hub.NatsConn = nc
			if _, err := hub.BridgeNATS(); err != nil {
				serverLogger.Errorf("Error bridging NATS destinations: %v", err)
			}
			serverLogger.Info("Successfully connected to NATS")
		}
	}

	go hub.Run(ctx)

	server := broker.NewServer(cfg.Relay.Addr, hub)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			serverLogger.Errorf("Shutdown: %v", err)
		}
	}()

	serverLogger.Infof("Server started at %s", cfg.Relay.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		serverLogger.Fatalf("ListenAndServe: %v", err)
	}
	serverLogger.Info("Server stopped")
}
