package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades /ws and copies the stream back to the sender
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebSocketConnStreamsAcrossMessages(t *testing.T) {
	url := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	defer raw.Close()

	// One logical frame split over three messages, plus the start of the next
	for _, part := range []string{"OK", "\x01\x00", "\x00\x00abc"} {
		require.NoError(t, raw.WriteMessage(websocket.BinaryMessage, []byte(part)))
	}

	conn := NewWebSocketConn(raw)
	buf := make([]byte, 9)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "OK\x01\x00\x00\x00abc", string(buf))
}

func TestWebSocketConnSmallReadsDrainOneMessage(t *testing.T) {
	url := echoServer(t)

	conn, err := DialWebSocket(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	n, err := conn.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	first := make([]byte, 5)
	_, err = io.ReadFull(conn, first)
	require.NoError(t, err)
	rest := make([]byte, 6)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(first)+string(rest))
}

func TestWebSocketConnCloseGivesEOF(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		conn.Close()
		close(closed)
	}))
	defer srv.Close()

	conn, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	<-closed
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
