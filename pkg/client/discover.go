package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/aeolun/wisp/pkg/transport"
)

// DefaultDiscoveryTimeout is how long Discover waits for a reply when ctx
// carries no deadline
const DefaultDiscoveryTimeout = 30 * time.Second

// ErrNoServer means no server answered before the deadline
var ErrNoServer = errors.New("no server answered discovery")

// Discover broadcasts a probe on port and returns the IP from the first
// server reply
func Discover(ctx context.Context, port int) (string, error) {
	p := strconv.Itoa(port)
	return DiscoverAt(ctx, net.JoinHostPort("", p), net.JoinHostPort("255.255.255.255", p))
}

// DiscoverAt binds listenAddr, sends the probe to probeAddr and waits for a
// reply. Our own probe echoed back by the broadcast is skipped, as is
// anything that is not a reply.
func DiscoverAt(ctx context.Context, listenAddr, probeAddr string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDiscoveryTimeout)
		defer cancel()
	}

	target, err := net.ResolveUDPAddr("udp4", probeAddr)
	if err != nil {
		return "", fmt.Errorf("invalid probe address %q: %w", probeAddr, err)
	}

	conn, err := transport.ListenBroadcastUDP(ctx, listenAddr)
	if err != nil {
		return "", fmt.Errorf("failed to bind %s: %w", listenAddr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.WriteToUDP([]byte(protocol.ProbeRequest), target); err != nil {
		return "", fmt.Errorf("failed to send probe: %w", err)
	}

	buf := make([]byte, 512)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", ErrNoServer, ctx.Err())
			}
			return "", err
		}

		payload := string(buf[:n])
		ip, ok := strings.CutPrefix(payload, protocol.ProbeResponsePrefix)
		if !ok || net.ParseIP(ip) == nil {
			continue
		}
		return ip, nil
	}
}

// ServerAddress is the dial address for a server found by Discover on port.
// Servers take WISP connections on the port they answer probes on.
func ServerAddress(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
