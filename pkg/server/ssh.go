package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/wisp/pkg/transport"
	"golang.org/x/crypto/ssh"
)

// startSSHServer listens for SSH clients. Authentication happens inside the
// WISP protocol, so the SSH layer accepts everyone.
func (s *Server) startSSHServer() error {
	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: transport.SSHServerVersion,
	}
	config.AddHostKey(hostKey)

	listener, err := transport.ListenTCP(s.ctx, s.config.SSHAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.SSHAddr, err)
	}
	s.sshListener = listener

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("SSH server listening")

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("SSH accept error")
			continue
		}

		if !s.track() {
			conn.Close()
			return
		}
		go s.handleSSHConnection(conn, config)
	}
}

func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	// Server shutdown tears down the whole SSH connection, handshake included
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("SSH handshake failed")
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		// Only "session" channels carry the WISP stream
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Could not accept SSH channel")
			continue
		}
		go handleSSHChannelRequests(requests)

		wc := transport.NewChannelConn(channel, sshConn, sshConn.LocalAddr(), sshConn.RemoteAddr())
		if !s.track() {
			wc.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.serveConn(wc, "ssh")
		}()
	}
}

// handleSSHChannelRequests acknowledges terminal setup so interactive
// clients can open a shell onto the raw stream
func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func loadOrGenerateHostKey(keyPath string) (ssh.Signer, error) {
	keyPath, err := expandHome(keyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("ssh host key path is empty; set [server].ssh_host_key")
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return ssh.NewSignerFromKey(privateKey)
}
