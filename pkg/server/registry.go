package server

import (
	"sync"

	"github.com/aeolun/wisp/pkg/protocol"
)

// Registry tracks live sessions and routes conversation messages between
// them. One mutex guards the table; nothing under it touches a socket.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{metrics: metrics}
}

// Register adds a session
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sess)
}

// Remove drops a session; removing an unknown session is a no-op
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sessions {
		if s == sess {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return
		}
	}
}

// FindByUser returns a live session authenticated as user
func (r *Registry) FindByUser(user string) (*Session, bool) {
	if user == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Alive() && s.User() == user {
			return s, true
		}
	}
	return nil, false
}

// Route queues msg on every live session of target that is in Conversation.
// Dead sessions found along the way are reaped. Anything that cannot be
// delivered is dropped without notice to the sender. Reports whether at
// least one session took the message.
func (r *Registry) Route(target string, msg protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := false
	matched := false
	for i := len(r.sessions) - 1; i >= 0; i-- {
		s := r.sessions[i]
		if !s.Alive() {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			continue
		}
		if s.User() != target {
			continue
		}
		matched = true
		if reason, ok := s.deliver(msg); ok {
			delivered = true
			r.metrics.RecordRouted()
		} else {
			r.metrics.RecordDropped(reason, 1)
			s.log.Debug().Str("reason", reason).Msg("Dropped relayed message")
		}
	}

	if !matched {
		r.metrics.RecordDropped(dropOffline, 1)
	}
	return delivered
}

// Sessions returns a snapshot of the table
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session's connection; their run loops then exit
// and deregister themselves.
func (r *Registry) CloseAll() {
	for _, s := range r.Sessions() {
		s.Close()
	}
}
