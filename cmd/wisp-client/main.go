// Command wisp-client is the terminal client for WISP servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aeolun/wisp/pkg/client"
	"github.com/aeolun/wisp/pkg/client/ui"
	"github.com/aeolun/wisp/pkg/logging"
	"github.com/aeolun/wisp/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
)

var Version = "dev"

func main() {
	serverAddr := flag.String("server", "", "Server address (host[:port], ws://host[:port], ssh://[user@]host[:port]); empty means discover on the LAN")
	discoverPort := flag.Int("discover-port", protocol.DefaultPort, "UDP port for LAN discovery; a discovered server is dialed on the same TCP port")
	discoverTimeout := flag.Duration("discover-timeout", client.DefaultDiscoveryTimeout, "How long to wait for a discovery reply")
	user := flag.String("user", "", "Pre-fill the username")
	timeout := flag.Duration("timeout", client.DefaultRequestTimeout, "Request timeout")
	notify := flag.Bool("notify", false, "Desktop notification for incoming messages")
	logFile := flag.String("log-file", "", "Write debug logs to this file")
	statePath := flag.String("state", "", "Client state database (default $XDG_DATA_HOME/wisp/state.db)")
	discover := flag.Bool("discover", false, "Discover a server on the LAN even when a previous server is known")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	opts := runOptions{
		serverAddr:      *serverAddr,
		discover:        *discover,
		discoverPort:    *discoverPort,
		discoverTimeout: *discoverTimeout,
		user:            *user,
		timeout:         *timeout,
		notify:          *notify,
		logFile:         *logFile,
		statePath:       *statePath,
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "wisp-client: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	serverAddr      string
	discover        bool
	discoverPort    int
	discoverTimeout time.Duration
	user            string
	timeout         time.Duration
	notify          bool
	logFile         string
	statePath       string
}

func run(opts runOptions) error {
	// The terminal belongs to the UI, so logs only go to a file
	logger := zerolog.Nop()
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()

		logger, err = logging.New(logging.Options{Level: "debug", Format: logging.FormatJSON, App: "wisp-client", Out: f})
		if err != nil {
			return err
		}
	}

	state, err := openState(opts.statePath)
	if err != nil {
		// History is a convenience; run without it
		logger.Warn().Err(err).Msg("Client state unavailable")
	} else {
		defer state.Close()
	}

	serverAddr := opts.serverAddr
	if serverAddr == "" && !opts.discover && state != nil {
		serverAddr = state.GetLastServer()
	}
	if serverAddr == "" {
		fmt.Printf("Looking for a server on UDP port %d...\n", opts.discoverPort)
		ctx, cancel := context.WithTimeout(context.Background(), opts.discoverTimeout)
		ip, err := client.Discover(ctx, opts.discoverPort)
		cancel()
		if err != nil {
			return err
		}
		serverAddr = client.ServerAddress(ip, opts.discoverPort)
		fmt.Printf("Found server at %s\n", serverAddr)
	}

	tr, err := client.NewTransport(serverAddr, client.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	err = tr.Connect(ctx)
	cancel()
	if err != nil {
		return err
	}

	uiOpts := ui.Options{
		Logger:         logger,
		RequestTimeout: opts.timeout,
		Notify:         opts.notify,
		Username:       opts.user,
	}
	if state != nil {
		if err := state.SetLastServer(serverAddr); err != nil {
			logger.Warn().Err(err).Msg("Failed to remember server")
		}
		uiOpts.State = state
	}

	model := ui.NewModel(tr, uiOpts)

	final, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(ui.Model); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}

func openState(path string) (*client.State, error) {
	if path == "" {
		var err error
		if path, err = client.DefaultStatePath(); err != nil {
			return nil, err
		}
	}
	return client.OpenState(path)
}
