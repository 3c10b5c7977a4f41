package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newHostSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// startEchoSSH serves "session" channels that echo their input
func startEchoSSH(t *testing.T, signer ssh.Signer) string {
	t.Helper()
	config := &ssh.ServerConfig{NoClientAuth: true, ServerVersion: SSHServerVersion}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
				if err != nil {
					return
				}
				defer sconn.Close()
				go ssh.DiscardRequests(reqs)
				for nc := range chans {
					ch, requests, err := nc.Accept()
					if err != nil {
						continue
					}
					go ssh.DiscardRequests(requests)
					go func() {
						defer ch.Close()
						io.Copy(ch, ch)
					}()
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestDialSSHEcho(t *testing.T) {
	addr := startEchoSSH(t, newHostSigner(t))

	conn, err := DialSSH(context.Background(), "andrei", addr, TrustOnFirstUse())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("VERS1.1"))
	require.NoError(t, err)

	buf := make([]byte, 7)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "VERS1.1", string(buf))
	assert.NotNil(t, conn.RemoteAddr())

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "close is idempotent")
}

func TestTrustOnFirstUseRejectsChangedKey(t *testing.T) {
	recorded := newHostSigner(t)
	addr := startEchoSSH(t, newHostSigner(t))

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, recorded.PublicKey())
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

	_, err := DialSSH(context.Background(), "andrei", addr, TrustOnFirstUse(path))
	assert.ErrorIs(t, err, ErrHostKeyMismatch)
}

func TestTrustOnFirstUseAcceptsRecordedKey(t *testing.T) {
	signer := newHostSigner(t)
	addr := startEchoSSH(t, signer)

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, signer.PublicKey())
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

	conn, err := DialSSH(context.Background(), "andrei", addr, TrustOnFirstUse(path))
	require.NoError(t, err)
	conn.Close()
}
