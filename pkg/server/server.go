package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/wisp/pkg/database"
	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/aeolun/wisp/pkg/transport"
	"github.com/rs/zerolog"
)

// Server runs the WISP listeners and owns the session registry
type Server struct {
	config   Config
	store    database.Store
	logger   zerolog.Logger
	registry *Registry
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex // Protects stopping; held while adding to wg
	stopping bool

	listener     net.Listener
	sshListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	discovery    *Discovery
}

// Config holds the runtime server configuration. An empty address disables
// that listener.
type Config struct {
	TCPAddr        string
	SSHAddr        string
	HTTPAddr       string
	SSHHostKeyPath string

	DiscoveryAddr      string
	DiscoveryReplyAddr string
	AdvertiseIP        string // Empty means detect

	HandshakeTimeout  time.Duration
	MaxAuthFailures   int // AUTH failures tolerated; the next one ends the session
	OutboundQueueSize int // Relayed messages buffered per session
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		TCPAddr:            fmt.Sprintf("%s:%d", protocol.DefaultHost, protocol.DefaultPort),
		SSHAddr:            fmt.Sprintf("%s:%d", protocol.DefaultHost, DefaultSSHPort),
		HTTPAddr:           fmt.Sprintf("%s:%d", protocol.DefaultHost, DefaultHTTPPort),
		SSHHostKeyPath:     "~/.wisp/ssh_host_key",
		DiscoveryAddr:      fmt.Sprintf(":%d", protocol.DefaultPort),
		DiscoveryReplyAddr: DefaultReplyAddr,
		HandshakeTimeout:   10 * time.Second,
		MaxAuthFailures:    5,
		OutboundQueueSize:  64,
	}
}

// NewServer creates a server over store. The caller keeps ownership of
// store and closes it after Stop.
func NewServer(config Config, store database.Store, logger zerolog.Logger) *Server {
	defaults := DefaultConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.MaxAuthFailures <= 0 {
		config.MaxAuthFailures = defaults.MaxAuthFailures
	}
	if config.OutboundQueueSize <= 0 {
		config.OutboundQueueSize = defaults.OutboundQueueSize
	}

	metrics := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   config,
		store:    store,
		logger:   logger,
		registry: NewRegistry(metrics),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the live session table
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start opens every configured listener. On error, anything already
// started is stopped again.
func (s *Server) Start() error {
	if err := s.start(); err != nil {
		s.Stop()
		return err
	}
	return nil
}

func (s *Server) start() error {
	if s.config.TCPAddr != "" {
		listener, err := transport.ListenTCP(s.ctx, s.config.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.TCPAddr, err)
		}
		s.listener = listener
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("TCP server listening")

		s.wg.Add(1)
		go s.acceptLoop(listener)
	}

	if s.config.SSHAddr != "" {
		if err := s.startSSHServer(); err != nil {
			return fmt.Errorf("failed to start SSH server: %w", err)
		}
	}

	if s.config.HTTPAddr != "" {
		listener, err := transport.ListenTCP(s.ctx, s.config.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
		}
		s.httpListener = listener
		s.httpServer = &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP server listening (/ws, /metrics, /health)")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	if s.config.DiscoveryAddr != "" {
		d, err := StartDiscovery(s.ctx, s.config.DiscoveryAddr, s.config.DiscoveryReplyAddr, s.config.AdvertiseIP, s.logger, s.metrics)
		if err != nil {
			return fmt.Errorf("failed to start discovery: %w", err)
		}
		s.discovery = d
	}

	return nil
}

// Stop closes the listeners, ends every session and waits for all
// goroutines to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info().Int("sessions", s.registry.Count()).Msg("Shutting down")
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.discovery != nil {
		s.discovery.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		cancel()
	}

	s.registry.CloseAll()
	s.wg.Wait()

	s.logger.Info().Msg("Shutdown complete")
	return nil
}

// track reserves a wg slot for a connection handler, failing once Stop has
// begun
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// TCPAddr returns the bound TCP address, or nil when disabled
func (s *Server) TCPAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the bound SSH address, or nil when disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// DiscoveryAddr returns the bound UDP address, or nil when disabled
func (s *Server) DiscoveryAddr() net.Addr {
	if s.discovery == nil {
		return nil
	}
	return s.discovery.Addr()
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("Accept error")
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		if !s.track() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, "tcp")
		}()
	}
}

// serveConn registers a session for conn and runs it to completion
func (s *Server) serveConn(conn net.Conn, transportName string) {
	sess := newSession(conn, transportName, s.config.OutboundQueueSize, s.logger)
	s.registry.Register(sess)
	s.metrics.RecordConnection(transportName)
	sess.log.Debug().Msg("New connection")

	defer func() {
		s.registry.Remove(sess)
		s.metrics.RecordDisconnection()
	}()

	s.runSession(s.ctx, sess)
}
