package server

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/aeolun/wisp/pkg/database"
	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testTimeout = 3 * time.Second

// newTestServer returns a server over a freshly seeded in-memory store. No
// listeners are configured unless mutate sets them.
func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{HandshakeTimeout: testTimeout}
	if mutate != nil {
		mutate(&cfg)
	}
	store := database.NewMemDB(database.DefaultSeed())
	srv := NewServer(cfg, store, zerolog.Nop())
	t.Cleanup(func() {
		srv.Stop()
		store.Close()
	})
	return srv
}

// pipeClient connects a client to srv over net.Pipe
func pipeClient(t *testing.T, srv *Server) *wireClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	require.True(t, srv.track(), "server is stopping")
	go func() {
		defer srv.wg.Done()
		srv.serveConn(serverSide, "pipe")
	}()
	c := &wireClient{t: t, conn: clientSide}
	t.Cleanup(c.close)
	return c
}

// wireClient speaks raw WISP PDUs over any net.Conn. Reads run in a
// goroutine so transports without deadlines (SSH channels) still time out.
type wireClient struct {
	t    *testing.T
	conn net.Conn
}

func within[T any](t *testing.T, what string, fn func() (T, error)) T {
	t.Helper()
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err, what)
		return r.v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func (c *wireClient) send(cmd protocol.Command, args ...string) {
	c.t.Helper()
	req := &protocol.Request{Command: cmd}
	if len(args) > 0 {
		req.Arg1 = args[0]
	}
	if len(args) > 1 {
		req.Arg2 = args[1]
	}
	data, err := req.Encode()
	require.NoError(c.t, err)
	within(c.t, "request write", func() (int, error) { return c.conn.Write(data) })
}

func (c *wireClient) expectResponse() *protocol.Response {
	c.t.Helper()
	return within(c.t, "response", func() (*protocol.Response, error) {
		return protocol.ReadResponse(c.conn)
	})
}

// do sends one request and returns its response
func (c *wireClient) do(cmd protocol.Command, args ...string) *protocol.Response {
	c.t.Helper()
	c.send(cmd, args...)
	return c.expectResponse()
}

func (c *wireClient) sendText(text string) {
	c.t.Helper()
	msg := protocol.NewMessage(text)
	data, err := msg.Encode()
	require.NoError(c.t, err)
	within(c.t, "message write", func() (int, error) { return c.conn.Write(data) })
}

func (c *wireClient) expectMessage() *protocol.Message {
	c.t.Helper()
	return within(c.t, "message", func() (*protocol.Message, error) {
		return protocol.ReadMessage(c.conn)
	})
}

// expectClosed asserts the server hangs up without sending anything else
func (c *wireClient) expectClosed() {
	c.t.Helper()
	within(c.t, "connection close", func() (int, error) {
		buf := make([]byte, 1)
		n, err := c.conn.Read(buf)
		if n > 0 {
			return n, errors.New("unexpected data before close")
		}
		// EOF on TCP and pipes; transports report a hang-up differently
		if err == nil {
			return 0, errors.New("read returned no data and no error")
		}
		return 0, nil
	})
}

// handshake consumes the greeting and negotiates version 1.1
func (c *wireClient) handshake() {
	c.t.Helper()
	greeting := c.expectResponse()
	require.True(c.t, greeting.IsOK())
	require.Equal(c.t, protocol.SupportedVersions, greeting.Data)

	resp := c.do(protocol.CmdVersion, "1.1")
	require.True(c.t, resp.IsOK(), "version rejected: %v", resp)
	require.Empty(c.t, resp.Data)
}

// login runs the handshake and authenticates as user
func (c *wireClient) login(user, password string) {
	c.t.Helper()
	c.handshake()
	resp := c.do(protocol.CmdAuth, user, password)
	require.True(c.t, resp.IsOK(), "login as %s failed: %v", user, resp)
}

func (c *wireClient) close() {
	c.conn.Close()
}

// sessionFor waits for user's session to appear in the registry
func sessionFor(t *testing.T, srv *Server, user string) *Session {
	t.Helper()
	var sess *Session
	require.Eventually(t, func() bool {
		s, ok := srv.registry.FindByUser(user)
		sess = s
		return ok
	}, testTimeout, 5*time.Millisecond)
	return sess
}
