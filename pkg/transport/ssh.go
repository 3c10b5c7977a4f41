package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHServerVersion is the banner the WISP server presents
const SSHServerVersion = "SSH-2.0-WISP"

// ChannelConn wraps an ssh.Channel as a net.Conn. Deadlines are not
// supported by SSH channels; callers time out by closing the conn.
type ChannelConn struct {
	channel    ssh.Channel
	closer     io.Closer // underlying client or server connection, may be nil
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

// NewChannelConn wraps channel. closer, when non-nil, is closed together
// with the channel.
func NewChannelConn(channel ssh.Channel, closer io.Closer, local, remote net.Addr) *ChannelConn {
	return &ChannelConn{
		channel:    channel,
		closer:     closer,
		localAddr:  local,
		remoteAddr: remote,
	}
}

func (c *ChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *ChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *ChannelConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		if c.closer != nil {
			c.closer.Close()
		}
	})
	return err
}

func (c *ChannelConn) LocalAddr() net.Addr {
	if c.localAddr != nil {
		return c.localAddr
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *ChannelConn) RemoteAddr() net.Addr {
	if c.remoteAddr != nil {
		return c.remoteAddr
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *ChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *ChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *ChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// DialSSH opens a "session" channel to a WISP server. The server performs
// no SSH-level authentication, so no auth methods are offered.
// hostKey may be nil, in which case TrustOnFirstUse is applied.
func DialSSH(ctx context.Context, user, address string, hostKey ssh.HostKeyCallback) (*ChannelConn, error) {
	if hostKey == nil {
		hostKey = TrustOnFirstUse(KnownHostsPaths()...)
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: hostKey,
		Timeout:         5 * time.Second,
	}

	// Bound the SSH handshake
	deadline := time.Now().Add(config.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := netConn.SetDeadline(deadline); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, fmt.Errorf("failed to clear connection deadline: %w", err)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open session channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	return NewChannelConn(channel, client, netConn.LocalAddr(), netConn.RemoteAddr()), nil
}

// KnownHostsPaths returns the known_hosts files that exist for the current user
func KnownHostsPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	var paths []string
	for _, p := range []string{
		filepath.Join(home, ".wisp", "known_hosts"),
		filepath.Join(home, ".ssh", "known_hosts"),
	} {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

// ErrHostKeyMismatch means a known host presented a different key
var ErrHostKeyMismatch = errors.New("ssh host key mismatch")

// TrustOnFirstUse accepts hosts missing from the known_hosts files but
// rejects a host whose recorded key differs from the one presented.
func TrustOnFirstUse(paths ...string) ssh.HostKeyCallback {
	var callbacks []ssh.HostKeyCallback
	for _, p := range paths {
		if cb, err := knownhosts.New(p); err == nil {
			callbacks = append(callbacks, cb)
		}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		for _, cb := range callbacks {
			err := cb(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return fmt.Errorf("%w for %s (presented %s)", ErrHostKeyMismatch, hostname, ssh.FingerprintSHA256(key))
			}
		}
		return nil
	}
}
