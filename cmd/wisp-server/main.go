// Command wisp-server runs the WISP chat server on TCP, SSH and WebSocket,
// plus the LAN discovery responder.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aeolun/wisp/pkg/logging"
	"github.com/aeolun/wisp/pkg/server"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.wisp/config.toml", "Path to the server config file")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "wisp-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		App:    "wisp-server",
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := cfg.OpenStore(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()

	srv := server.NewServer(cfg.ToServerConfig(), store, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info().
		Str("version", Version).
		Str("store", cfg.Store.Backend).
		Msg("Server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	return srv.Stop()
}
