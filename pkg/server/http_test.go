package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/aeolun/wisp/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	c := pipeClient(t, srv)
	c.handshake()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, healthResponse{Status: "ok", Sessions: 1}, body)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	c := pipeClient(t, srv)
	c.login("andrei", "dorin")
	require.True(t, c.do(protocol.CmdList).IsOK())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, `wisp_connections_total{transport="pipe"} 1`)
	assert.Contains(t, text, `wisp_requests_total{command="LIST",status="ok"} 1`)
	assert.Contains(t, text, "wisp_active_sessions 1")
	assert.True(t, strings.Contains(text, "go_goroutines"))
}

func TestWebSocketEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := transport.DialWebSocket(ctx, url)
	require.NoError(t, err)

	c := &wireClient{t: t, conn: conn}
	defer c.close()
	c.login("colbert", "zhu")

	resp := c.do(protocol.CmdList)
	require.True(t, resp.IsOK())
	assert.Equal(t, []string{"andrei"}, resp.Data)

	sess := sessionFor(t, srv, "colbert")
	assert.Equal(t, "websocket", sess.Transport)

	c.send(protocol.CmdQuit)
	c.expectClosed()
	require.Eventually(t, func() bool { return srv.registry.Count() == 0 }, testTimeout, 5*time.Millisecond)
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
