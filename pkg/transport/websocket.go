// Package transport adapts the non-TCP carriers (WebSocket, SSH channels)
// to net.Conn so the WISP byte stream is handled identically everywhere.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader accepts WebSocket connections from any origin. WISP clients are
// not browsers, so there is no cookie state to protect.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketConn presents a WebSocket as a byte stream. Every Write becomes
// one binary message; reads continue across message boundaries, so a PDU
// may be split over several messages or share one with others.
type WebSocketConn struct {
	conn    *websocket.Conn
	reader  io.Reader
	readMu  sync.Mutex
	writeMu sync.Mutex
	once    sync.Once
}

// NewWebSocketConn wraps an established WebSocket connection
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// Upgrade upgrades an HTTP request and returns the stream adapter
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn), nil
}

// DialWebSocket connects to a ws:// or wss:// URL
func DialWebSocket(ctx context.Context, url string) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn), nil
}

func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame (best effort) and closes the socket
func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
