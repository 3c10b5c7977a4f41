package server

import (
	"net"
	"sync"

	"github.com/aeolun/wisp/pkg/protocol"
)

// SafeConn wraps a net.Conn so that each PDU reaches the wire in a single
// Write under a mutex. Transports that turn every Write into a separate
// message (WebSocket) therefore see whole PDUs.
type SafeConn struct {
	conn      net.Conn
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// WriteResponse encodes and sends a response PDU
func (sc *SafeConn) WriteResponse(resp *protocol.Response) error {
	data, err := resp.Encode()
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteMessage encodes and sends a message PDU
func (sc *SafeConn) WriteMessage(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes pre-encoded bytes with synchronization
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write(data)
	return err
}

// ReadRequest reads one request PDU. Reads don't need write synchronization.
func (sc *SafeConn) ReadRequest() (*protocol.Request, error) {
	return protocol.ReadRequest(sc.conn)
}

// ReadMessage reads one message PDU
func (sc *SafeConn) ReadMessage() (*protocol.Message, error) {
	return protocol.ReadMessage(sc.conn)
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		err = sc.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
