package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrHandshakeTimeout means the client never sent VERSION
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrProtocolViolation means the client sent a command illegal in its phase
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrTooManyAuthFailures means the AUTH retry budget is spent
	ErrTooManyAuthFailures = errors.New("too many authentication failures")
	// ErrClientQuit means the client ended the session with QUIT
	ErrClientQuit = errors.New("client quit")
	// ErrUnsupportedVersion means VERSION named a version we do not speak
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// Failure reasons produced by the session itself rather than the store
const (
	ReasonExpectedVersion    = "Expected VERS"
	ReasonUnsupportedVersion = "Unsupported ver"
	ReasonFriendUnknown      = "Friend Unknown"
	ReasonUserOffline        = "User offline"
)

// Session represents one client connection. Its run loop is the only writer
// of user, target and phase; the registry reads them under mu.
type Session struct {
	ID        string
	Transport string // tcp, ssh or websocket
	Conn      *SafeConn

	mu         sync.RWMutex // Protects user, target, phase
	user       string
	target     string
	phase      protocol.Phase
	failedAuth int

	outbound chan protocol.Message
	done     chan struct{}
	doneOnce sync.Once

	log zerolog.Logger
}

func newSession(conn net.Conn, transport string, queueSize int, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		Transport: transport,
		Conn:      NewSafeConn(conn),
		phase:     protocol.PhaseListening,
		outbound:  make(chan protocol.Message, queueSize),
		done:      make(chan struct{}),
		log: logger.With().
			Str("session", id).
			Str("transport", transport).
			Str("remote", remoteString(conn.RemoteAddr())).
			Logger(),
	}
}

// User returns the authenticated identity, empty before AUTH succeeds
func (s *Session) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Target returns the conversation peer, empty outside Conversation
func (s *Session) Target() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *Session) Phase() protocol.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Alive reports whether the session's run loop is still going
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the connection, which ends the run loop
func (s *Session) Close() error {
	return s.Conn.Close()
}

func (s *Session) setPhase(p protocol.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

func (s *Session) authenticate(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	s.phase = protocol.PhaseCommand
}

func (s *Session) enterConversation(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
	s.phase = protocol.PhaseConversation
}

// leaveConversation returns to Command and discards anything still queued,
// so a session outside Conversation never has pending messages. Returns the
// number discarded.
func (s *Session) leaveConversation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = ""
	s.phase = protocol.PhaseCommand

	dropped := 0
	for {
		select {
		case <-s.outbound:
			dropped++
		default:
			return dropped
		}
	}
}

// deliver queues msg without blocking. The phase check and the send happen
// under the same lock as leaveConversation.
func (s *Session) deliver(msg protocol.Message) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.phase != protocol.PhaseConversation {
		return dropNotInConversation, false
	}
	select {
	case s.outbound <- msg:
		return "", true
	default:
		return dropQueueFull, false
	}
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// readResult carries the outcome of one blocking read
type readResult struct {
	req *protocol.Request
	msg *protocol.Message
	err error
}

// startRead performs exactly one read in its own goroutine. The PDU kind
// follows the phase at the time of the call; results is buffered so the
// goroutine never outlives a closed connection.
func (s *Session) startRead(results chan<- readResult) {
	phase := s.Phase()
	go func() {
		if phase == protocol.PhaseConversation {
			msg, err := s.Conn.ReadMessage()
			results <- readResult{msg: msg, err: err}
			return
		}
		req, err := s.Conn.ReadRequest()
		results <- readResult{req: req, err: err}
	}()
}

// runSession drives one connection from handshake to termination
func (srv *Server) runSession(ctx context.Context, sess *Session) {
	defer sess.markDone()
	defer sess.Close()

	reads := make(chan readResult, 1)

	if err := srv.handshake(ctx, sess, reads); err != nil {
		srv.logSessionEnd(sess, err)
		return
	}

	pending := false
	for {
		if !pending {
			sess.startRead(reads)
			pending = true
		}

		// Outbound messages are only written while in Conversation
		var outbound <-chan protocol.Message
		if sess.Phase() == protocol.PhaseConversation {
			outbound = sess.outbound
		}

		select {
		case <-ctx.Done():
			sess.log.Debug().Msg("Session closed by server shutdown")
			return

		case msg := <-outbound:
			if err := sess.Conn.WriteMessage(&msg); err != nil {
				srv.logSessionEnd(sess, err)
				return
			}

		case res := <-reads:
			pending = false
			var err error
			if res.err != nil {
				err = res.err
			} else if res.msg != nil {
				err = srv.handleConversationMessage(sess, res.msg)
			} else {
				err = srv.handleRequest(ctx, sess, res.req)
			}
			if err != nil {
				srv.logSessionEnd(sess, err)
				return
			}
		}
	}
}

// handshake advertises the supported versions and waits for VERSION
func (srv *Server) handshake(ctx context.Context, sess *Session, reads chan readResult) error {
	if err := sess.Conn.WriteResponse(protocol.OK(protocol.SupportedVersions...)); err != nil {
		return err
	}

	sess.startRead(reads)

	timer := time.NewTimer(srv.config.HandshakeTimeout)
	defer timer.Stop()

	var res readResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrHandshakeTimeout
	case res = <-reads:
	}

	if res.err != nil {
		return res.err
	}

	req := res.req
	if req.Command != protocol.CmdVersion {
		srv.metrics.RecordViolation()
		sess.Conn.WriteResponse(protocol.Error(ReasonExpectedVersion))
		return ErrProtocolViolation
	}
	if !protocol.IsSupportedVersion(req.Arg1) {
		sess.Conn.WriteResponse(protocol.Error(ReasonUnsupportedVersion))
		return fmt.Errorf("%w %q", ErrUnsupportedVersion, req.Arg1)
	}
	if err := sess.Conn.WriteResponse(protocol.OK()); err != nil {
		return err
	}

	sess.setPhase(protocol.PhaseAuthentication)
	sess.log.Debug().Str("version", req.Arg1).Msg("Handshake complete")
	return nil
}

// logSessionEnd records why a session terminated at the right level
func (srv *Server) logSessionEnd(sess *Session, err error) {
	switch {
	case errors.Is(err, ErrClientQuit):
		sess.log.Debug().Str("user", sess.User()).Msg("Client quit")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		sess.log.Debug().Msg("Client disconnected")
	case protocol.IsFramingError(err):
		srv.metrics.RecordFramingError()
		sess.log.Warn().Err(err).Msg("Framing error, dropping connection")
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrTooManyAuthFailures), errors.Is(err, ErrHandshakeTimeout), errors.Is(err, ErrUnsupportedVersion):
		sess.log.Warn().Err(err).Str("phase", sess.Phase().String()).Msg("Terminating session")
	default:
		sess.log.Debug().Err(err).Msg("Session ended")
	}
}

func remoteString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
