package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aeolun/wisp/pkg/database"
	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/aeolun/wisp/pkg/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testTimeout = 3 * time.Second

// startServer runs a real server with only the TCP listener enabled
func startServer(t *testing.T) string {
	t.Helper()
	store := database.NewMemDB(database.DefaultSeed())
	srv := server.NewServer(server.Config{TCPAddr: "127.0.0.1:0"}, store, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		store.Close()
	})
	return srv.TCPAddr().String()
}

// fakeServer accepts one connection and hands it to handle
func fakeServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

// greet plays the server side of a successful handshake
func greet(conn net.Conn) error {
	if err := protocol.OK(protocol.SupportedVersions...).EncodeTo(conn); err != nil {
		return err
	}
	if _, err := protocol.ReadRequest(conn); err != nil {
		return err
	}
	return protocol.OK().EncodeTo(conn)
}

func connectTo(t *testing.T, addr string) *Transport {
	t.Helper()
	tr, err := NewTransport(addr, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func login(t *testing.T, tr *Transport, user, password string) {
	t.Helper()
	resp := do(t, tr, protocol.CmdAuth, user, password)
	require.True(t, resp.IsOK(), "login as %s: %v", user, resp)
}

func do(t *testing.T, tr *Transport, cmd protocol.Command, args ...string) *protocol.Response {
	t.Helper()
	req := &protocol.Request{Command: cmd}
	if len(args) > 0 {
		req.Arg1 = args[0]
	}
	if len(args) > 1 {
		req.Arg2 = args[1]
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	resp, err := tr.Do(ctx, req)
	require.NoError(t, err)
	return resp
}

func nextEvent(t *testing.T, tr *Transport) Event {
	t.Helper()
	select {
	case ev := <-tr.Inbound():
		return ev
	case err := <-tr.Errors():
		t.Fatalf("transport failed: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for inbound event")
	}
	return Event{}
}

func TestTransportAgainstServer(t *testing.T) {
	addr := startServer(t)

	t.Run("phase tracking", func(t *testing.T) {
		tr := connectTo(t, addr)
		assert.Equal(t, protocol.PhaseAuthentication, tr.Phase())

		resp := do(t, tr, protocol.CmdAuth, "andrei", "wrong")
		assert.False(t, resp.IsOK())
		assert.Equal(t, protocol.PhaseAuthentication, tr.Phase())

		login(t, tr, "andrei", "dorin")
		assert.Equal(t, protocol.PhaseCommand, tr.Phase())

		resp = do(t, tr, protocol.CmdList)
		assert.Equal(t, []string{"safa", "cameron", "kenny", "colbert"}, resp.Data)
	})

	t.Run("illegal commands are refused locally", func(t *testing.T) {
		tr := connectTo(t, addr)
		_, err := tr.Do(context.Background(), &protocol.Request{Command: protocol.CmdList})
		assert.ErrorIs(t, err, ErrNotAllowed)
		assert.ErrorIs(t, tr.SendText("hi"), ErrNotAllowed)

		// The connection is still usable
		login(t, tr, "safa", "aman")
	})

	t.Run("send delivers response on inbound", func(t *testing.T) {
		tr := connectTo(t, addr)
		login(t, tr, "cameron", "graybill")

		require.NoError(t, tr.Send(&protocol.Request{Command: protocol.CmdSearch, Arg1: "af"}))
		ev := nextEvent(t, tr)
		require.NotNil(t, ev.Response)
		assert.Equal(t, protocol.CmdSearch, ev.Request.Command)
		assert.Equal(t, []string{"safa"}, ev.Response.Data)
	})

	t.Run("conversation", func(t *testing.T) {
		kenny := connectTo(t, addr)
		login(t, kenny, "kenny", "li")
		andrei := connectTo(t, addr)
		login(t, andrei, "andrei", "dorin")

		require.True(t, kenny.Phase() == protocol.PhaseCommand)
		require.True(t, do(t, kenny, protocol.CmdConv, "andrei").IsOK())
		require.True(t, do(t, andrei, protocol.CmdConv, "kenny").IsOK())
		assert.Equal(t, protocol.PhaseConversation, andrei.Phase())

		long := strings.Repeat("é", 100)
		require.NoError(t, andrei.SendText(long))

		var got strings.Builder
		for got.Len() < len(long) {
			ev := nextEvent(t, kenny)
			require.NotNil(t, ev.Message)
			assert.True(t, utf8.ValidString(ev.Message.Text))
			got.WriteString(ev.Message.Text)
		}
		assert.Equal(t, long, got.String())

		require.NoError(t, andrei.SendText(""))
		resp := do(t, andrei, protocol.CmdList)
		assert.True(t, resp.IsOK())
		assert.Equal(t, protocol.PhaseCommand, andrei.Phase())
	})

	t.Run("quit closes quietly", func(t *testing.T) {
		tr := connectTo(t, addr)
		login(t, tr, "michael", "kain")
		require.NoError(t, tr.Quit())

		select {
		case <-tr.Done():
		case <-time.After(testTimeout):
			t.Fatal("transport still open after QUIT")
		}
		select {
		case err := <-tr.Errors():
			t.Fatalf("unexpected error after QUIT: %v", err)
		default:
		}
	})

	t.Run("sixth auth failure drops the connection", func(t *testing.T) {
		tr := connectTo(t, addr)
		for i := 0; i < 5; i++ {
			assert.False(t, do(t, tr, protocol.CmdAuth, "colbert", "nope").IsOK())
		}

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_, err := tr.Do(ctx, &protocol.Request{Command: protocol.CmdAuth, Arg1: "colbert", Arg2: "nope"})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.ErrorIs(t, <-tr.Errors(), ErrConnectionLost)
	})
}

func TestDoTimeout(t *testing.T) {
	release := make(chan struct{})
	addr := fakeServer(t, func(conn net.Conn) {
		if greet(conn) != nil {
			return
		}
		// Read AUTH and stay silent until released
		protocol.ReadRequest(conn)
		<-release
		protocol.Error("Invalid Cred").EncodeTo(conn)
		protocol.ReadRequest(conn)
		protocol.OK().EncodeTo(conn)
	})
	tr := connectTo(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Do(ctx, &protocol.Request{Command: protocol.CmdAuth, Arg1: "a", Arg2: "b"})
	require.ErrorIs(t, err, ErrTimeout)
	close(release)

	// The late response is discarded, not handed to the next caller
	resp := do(t, tr, protocol.CmdAuth, "a", "c")
	assert.True(t, resp.IsOK())
}

func TestHandshakeFailures(t *testing.T) {
	cases := []struct {
		name   string
		server func(conn net.Conn)
		want   error
	}{
		{
			name: "empty version list",
			server: func(conn net.Conn) {
				protocol.OK().EncodeTo(conn)
			},
			want: ErrNoVersions,
		},
		{
			name: "no common version",
			server: func(conn net.Conn) {
				protocol.OK("0.1", "9.9").EncodeTo(conn)
			},
			want: ErrNoVersions,
		},
		{
			name: "version rejected",
			server: func(conn net.Conn) {
				protocol.OK("1.1").EncodeTo(conn)
				protocol.ReadRequest(conn)
				protocol.Error("Unsupported ver").EncodeTo(conn)
			},
			want: ErrHandshakeRejected,
		},
		{
			name: "torn greeting",
			server: func(conn net.Conn) {
				conn.Write([]byte("OK\x01\x00"))
			},
			want: ErrFraming,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr := fakeServer(t, tc.server)
			tr, err := NewTransport(addr, Options{Logger: zerolog.Nop()})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			err = tr.Connect(ctx)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestConnectHonoursContext(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		// Never greet
		time.Sleep(testTimeout)
	})
	tr, err := NewTransport(addr, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = tr.Connect(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFramingErrorIsFatal(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		if greet(conn) != nil {
			return
		}
		protocol.ReadRequest(conn)
		// Half a response header, then hang up
		conn.Write([]byte("OK\x02"))
	})
	tr := connectTo(t, addr)
	require.NoError(t, tr.Send(&protocol.Request{Command: protocol.CmdAuth, Arg1: "a", Arg2: "b"}))

	select {
	case err := <-tr.Errors():
		assert.True(t, errors.Is(err, ErrFraming), "got %v", err)
	case <-time.After(testTimeout):
		t.Fatal("no error reported")
	}
	<-tr.Done()
	assert.ErrorIs(t, tr.Send(&protocol.Request{Command: protocol.CmdAuth}), ErrNotConnected)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{""}, SplitText(""))
	assert.Equal(t, []string{"hello"}, SplitText("hello"))

	exact := strings.Repeat("a", protocol.MaxTextLength)
	assert.Equal(t, []string{exact}, SplitText(exact))

	chunks := SplitText(strings.Repeat("a", protocol.MaxTextLength+1))
	assert.Equal(t, []string{exact, "a"}, chunks)

	// A 2-byte rune straddling the boundary moves to the next chunk
	straddle := strings.Repeat("a", protocol.MaxTextLength-1) + "é"
	assert.Equal(t, []string{strings.Repeat("a", protocol.MaxTextLength-1), "é"}, SplitText(straddle))
}

func TestSplitTextProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		chunks := SplitText(text)

		if strings.Join(chunks, "") != text {
			t.Fatalf("chunks do not reassemble the text")
		}
		for _, c := range chunks {
			if len(c) > protocol.MaxTextLength {
				t.Fatalf("chunk of %d bytes", len(c))
			}
			if utf8.ValidString(text) && !utf8.ValidString(c) {
				t.Fatalf("chunk %q splits a rune", c)
			}
		}
		if text != "" {
			for _, c := range chunks {
				if c == "" {
					t.Fatalf("empty chunk for non-empty text")
				}
			}
		}
	})
}
