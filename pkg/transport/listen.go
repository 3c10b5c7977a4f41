package transport

import (
	"context"
	"net"
	"syscall"
)

// StreamListenConfig sets SO_REUSEADDR so a restarted server can rebind
// while old connections linger in TIME_WAIT.
func StreamListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return control(c, setReuseAddr)
		},
	}
}

// BroadcastListenConfig sets SO_REUSEADDR and SO_BROADCAST, letting the
// discovery responder and clients on the same host share the port and
// send to the broadcast address.
func BroadcastListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return control(c, setReuseAddr, setBroadcast)
		},
	}
}

// ListenTCP listens on address with StreamListenConfig
func ListenTCP(ctx context.Context, address string) (net.Listener, error) {
	lc := StreamListenConfig()
	return lc.Listen(ctx, "tcp", address)
}

// ListenBroadcastUDP opens a UDP socket on address with BroadcastListenConfig
func ListenBroadcastUDP(ctx context.Context, address string) (*net.UDPConn, error) {
	lc := BroadcastListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
