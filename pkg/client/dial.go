package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/aeolun/wisp/pkg/transport"
	"golang.org/x/crypto/ssh"
)

// Connection types reported by Transport.ConnectionType
const (
	ConnTCP       = "tcp"
	ConnSSH       = "ssh"
	ConnWebSocket = "websocket"
)

var (
	defaultTCPPort  = strconv.Itoa(protocol.DefaultPort)
	defaultSSHPort  = strconv.Itoa(protocol.DefaultSSHPort)
	defaultHTTPPort = strconv.Itoa(protocol.DefaultHTTPPort)
)

type dialConfig struct {
	display  string // Address with scheme, for humans
	connType string
	dial     func(ctx context.Context) (net.Conn, error)
}

// parseServerAddress turns a user-supplied address into a dialer.
// Accepted forms: host[:port], tcp://host[:port], ws://host[:port][/path]
// and ssh://[user@]host[:port].
func parseServerAddress(raw string, hostKey ssh.HostKeyCallback) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	path := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}

		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}

		if u.User != nil {
			user = u.User.Username()
		}

		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "wisp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  "tcp://" + address,
			connType: ConnTCP,
			dial: func(ctx context.Context) (net.Conn, error) {
				var d net.Dialer
				conn, err := d.DialContext(ctx, "tcp", address)
				if err != nil {
					return nil, err
				}
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					tcpConn.SetNoDelay(true)
				}
				return conn, nil
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}

		if user == "" {
			user = defaultSSHUser()
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  fmt.Sprintf("ssh://%s@%s", user, address),
			connType: ConnSSH,
			dial: func(ctx context.Context) (net.Conn, error) {
				return transport.DialSSH(ctx, user, address, hostKey)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}

		if path == "" || path == "/" {
			path = "/ws"
		}
		target := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, port), path)
		return &dialConfig{
			display:  target,
			connType: ConnWebSocket,
			dial: func(ctx context.Context) (net.Conn, error) {
				return transport.DialWebSocket(ctx, target)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		if host == "" {
			return "", "", errors.New("missing host in server address")
		}
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

func defaultSSHUser() string {
	if user := os.Getenv("WISP_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "wisp"
}
