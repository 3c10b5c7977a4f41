package server

import (
	"net"
	"testing"

	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T, user string, queueSize int) *Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	sess := newSession(a, "pipe", queueSize, zerolog.Nop())
	if user != "" {
		sess.authenticate(user)
	}
	return sess
}

func dropped(m *Metrics, reason string) float64 {
	return testutil.ToFloat64(m.messagesDropped.WithLabelValues(reason))
}

func TestRegistryRoute(t *testing.T) {
	t.Run("delivers only in conversation", func(t *testing.T) {
		metrics := NewMetrics()
		r := NewRegistry(metrics)

		safa := testSession(t, "safa", 4)
		r.Register(safa)

		assert.False(t, r.Route("safa", protocol.NewMessage("early")))
		assert.Equal(t, 1.0, dropped(metrics, dropNotInConversation))
		assert.Len(t, safa.outbound, 0)

		safa.enterConversation("andrei")
		assert.True(t, r.Route("safa", protocol.NewMessage("hello")))
		require.Len(t, safa.outbound, 1)
		assert.Equal(t, "hello", (<-safa.outbound).Text)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesRouted))
	})

	t.Run("target talking to someone else", func(t *testing.T) {
		metrics := NewMetrics()
		r := NewRegistry(metrics)
		andrei := testSession(t, "andrei", 4)
		andrei.enterConversation("safa")
		r.Register(andrei)

		// Routing looks only at the phase, not at who the target is talking to
		assert.True(t, r.Route("andrei", protocol.NewMessage("from cameron")))
		require.Len(t, andrei.outbound, 1)
		assert.Equal(t, "from cameron", (<-andrei.outbound).Text)
	})

	t.Run("offline target", func(t *testing.T) {
		metrics := NewMetrics()
		r := NewRegistry(metrics)
		r.Register(testSession(t, "andrei", 4))

		assert.False(t, r.Route("ghost", protocol.NewMessage("anyone")))
		assert.Equal(t, 1.0, dropped(metrics, dropOffline))
	})

	t.Run("full queue drops without blocking", func(t *testing.T) {
		metrics := NewMetrics()
		r := NewRegistry(metrics)
		kenny := testSession(t, "kenny", 1)
		kenny.enterConversation("andrei")
		r.Register(kenny)

		assert.True(t, r.Route("kenny", protocol.NewMessage("one")))
		assert.False(t, r.Route("kenny", protocol.NewMessage("two")))
		assert.Equal(t, 1.0, dropped(metrics, dropQueueFull))
	})

	t.Run("reaps dead sessions", func(t *testing.T) {
		metrics := NewMetrics()
		r := NewRegistry(metrics)
		dead := testSession(t, "colbert", 4)
		dead.enterConversation("andrei")
		dead.markDone()
		live := testSession(t, "michael", 4)
		r.Register(dead)
		r.Register(live)

		assert.False(t, r.Route("colbert", protocol.NewMessage("hi")))
		assert.Equal(t, 1, r.Count())
		assert.Equal(t, []*Session{live}, r.Sessions())
		assert.Len(t, dead.outbound, 0)
	})

	t.Run("every live session of the target", func(t *testing.T) {
		metrics := NewMetrics()
		r := NewRegistry(metrics)
		first := testSession(t, "safa", 4)
		second := testSession(t, "safa", 4)
		first.enterConversation("andrei")
		second.enterConversation("andrei")
		r.Register(first)
		r.Register(second)

		assert.True(t, r.Route("safa", protocol.NewMessage("both")))
		assert.Len(t, first.outbound, 1)
		assert.Len(t, second.outbound, 1)
	})
}

func TestLeaveConversationDrainsQueue(t *testing.T) {
	sess := testSession(t, "andrei", 4)
	sess.enterConversation("safa")
	for _, text := range []string{"a", "b", "c"} {
		_, ok := sess.deliver(protocol.NewMessage(text))
		require.True(t, ok)
	}

	assert.Equal(t, 3, sess.leaveConversation())
	assert.Len(t, sess.outbound, 0)
	assert.Empty(t, sess.Target())
	assert.Equal(t, protocol.PhaseCommand, sess.Phase())

	reason, ok := sess.deliver(protocol.NewMessage("late"))
	assert.False(t, ok)
	assert.Equal(t, dropNotInConversation, reason)
}

func TestRegistryFindByUser(t *testing.T) {
	r := NewRegistry(NewMetrics())
	anonymous := testSession(t, "", 1)
	andrei := testSession(t, "andrei", 1)
	r.Register(anonymous)
	r.Register(andrei)

	found, ok := r.FindByUser("andrei")
	require.True(t, ok)
	assert.Same(t, andrei, found)

	_, ok = r.FindByUser("")
	assert.False(t, ok)

	andrei.markDone()
	_, ok = r.FindByUser("andrei")
	assert.False(t, ok)

	r.Remove(andrei)
	r.Remove(andrei)
	assert.Equal(t, 1, r.Count())
}
