package server

import (
	"context"
	"errors"
	"slices"

	"github.com/aeolun/wisp/pkg/database"
	"github.com/aeolun/wisp/pkg/protocol"
)

// handlerFunc answers one request. A non-nil error terminates the session
// without sending a response.
type handlerFunc func(srv *Server, ctx context.Context, sess *Session, req *protocol.Request) (ok bool, data []string, err error)

// handlers maps every command legal after the handshake to its handler.
// VERSION is handled by the handshake and never dispatched.
var handlers = map[protocol.Command]handlerFunc{
	protocol.CmdAuth:   (*Server).handleAuth,
	protocol.CmdList:   (*Server).handleList,
	protocol.CmdSearch: (*Server).handleSearch,
	protocol.CmdAdd:    (*Server).handleAdd,
	protocol.CmdDel:    (*Server).handleDel,
	protocol.CmdConv:   (*Server).handleConv,
	protocol.CmdQuit:   (*Server).handleQuit,
}

// handleRequest gates req against the session phase, runs its handler and
// writes the response.
func (srv *Server) handleRequest(ctx context.Context, sess *Session, req *protocol.Request) error {
	phase := sess.Phase()
	handler, known := handlers[req.Command]
	if !known || !protocol.Allowed(phase, req.Command) {
		srv.metrics.RecordViolation()
		sess.log.Warn().
			Str("command", req.Command.String()).
			Str("phase", phase.String()).
			Msg("Command not allowed in phase")
		return ErrProtocolViolation
	}

	ok, data, err := handler(srv, ctx, sess, req)
	if err != nil {
		return err
	}

	srv.metrics.RecordRequest(req.Command.String(), ok)
	resp := protocol.OK(data...)
	if !ok {
		resp = protocol.Error(data...)
	}
	return sess.Conn.WriteResponse(resp)
}

// storeFailure converts a store error into an ERROR payload. Backend
// failures are logged; the session carries on either way.
func (srv *Server) storeFailure(sess *Session, op string, err error) (bool, []string, error) {
	if !database.IsApplicationError(err) {
		sess.log.Error().Err(err).Str("op", op).Msg("Store failure")
	}
	return false, []string{database.Reason(err)}, nil
}

func (srv *Server) handleAuth(ctx context.Context, sess *Session, req *protocol.Request) (bool, []string, error) {
	err := srv.store.Authenticate(ctx, req.Arg1, req.Arg2)
	if err == nil {
		sess.authenticate(req.Arg1)
		sess.log.Info().Str("user", req.Arg1).Msg("Authenticated")
		return true, nil, nil
	}
	if !errors.Is(err, database.ErrInvalidCredentials) {
		return srv.storeFailure(sess, "authenticate", err)
	}

	srv.metrics.RecordAuthFailure()
	sess.failedAuth++
	if sess.failedAuth > srv.config.MaxAuthFailures {
		return false, nil, ErrTooManyAuthFailures
	}
	sess.log.Debug().Str("user", req.Arg1).Int("failures", sess.failedAuth).Msg("Authentication failed")
	return false, []string{database.ReasonInvalidCred}, nil
}

func (srv *Server) handleList(ctx context.Context, sess *Session, req *protocol.Request) (bool, []string, error) {
	friends, err := srv.store.ListFriends(ctx, sess.User())
	if err != nil {
		return srv.storeFailure(sess, "list", err)
	}
	return true, friends, nil
}

func (srv *Server) handleSearch(ctx context.Context, sess *Session, req *protocol.Request) (bool, []string, error) {
	results, err := srv.store.Search(ctx, sess.User(), req.Arg1)
	if err != nil {
		return srv.storeFailure(sess, "search", err)
	}
	return true, results, nil
}

func (srv *Server) handleAdd(ctx context.Context, sess *Session, req *protocol.Request) (bool, []string, error) {
	err := srv.store.AddFriend(ctx, sess.User(), req.Arg1)
	if errors.Is(err, database.ErrUnknownUser) {
		return false, []string{database.ReasonInvalidAddUser}, nil
	}
	if err != nil {
		return srv.storeFailure(sess, "add", err)
	}
	return true, nil, nil
}

func (srv *Server) handleDel(ctx context.Context, sess *Session, req *protocol.Request) (bool, []string, error) {
	err := srv.store.DelFriend(ctx, sess.User(), req.Arg1)
	if errors.Is(err, database.ErrUnknownUser) {
		err = database.ErrNotFriends
	}
	if err != nil {
		return srv.storeFailure(sess, "del", err)
	}
	return true, nil, nil
}

func (srv *Server) handleConv(ctx context.Context, sess *Session, req *protocol.Request) (bool, []string, error) {
	target := req.Arg1
	friends, err := srv.store.ListFriends(ctx, sess.User())
	if err != nil {
		return srv.storeFailure(sess, "conv", err)
	}
	if target == "" || !slices.Contains(friends, target) {
		return false, []string{ReasonFriendUnknown}, nil
	}
	if _, online := srv.registry.FindByUser(target); !online {
		return false, []string{ReasonUserOffline}, nil
	}

	sess.enterConversation(target)
	sess.log.Debug().Str("user", sess.User()).Str("target", target).Msg("Conversation started")
	return true, nil, nil
}

func (srv *Server) handleQuit(ctx context.Context, sess *Session, req *protocol.Request) (bool, []string, error) {
	return false, nil, ErrClientQuit
}

// handleConversationMessage relays text to the peer. Empty text ends the
// conversation.
func (srv *Server) handleConversationMessage(sess *Session, msg *protocol.Message) error {
	if msg.Text == "" {
		target := sess.Target()
		srv.metrics.RecordDropped(dropLeftConversation, sess.leaveConversation())
		sess.log.Debug().Str("target", target).Msg("Conversation ended")
		return nil
	}

	srv.registry.Route(sess.Target(), *msg)
	return nil
}
