package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrNoVersions means the server advertised no version this client speaks
	ErrNoVersions = errors.New("server offered no supported protocol version")
	// ErrHandshakeRejected means the server answered VERSION with ERROR
	ErrHandshakeRejected = errors.New("server rejected handshake")
	// ErrTimeout means Do gave up waiting for the response
	ErrTimeout = errors.New("request timed out")
	// ErrFraming means the server sent bytes that do not form a PDU; the
	// connection is unusable afterwards
	ErrFraming = errors.New("framing error")
	// ErrNotConnected is returned by operations on a transport that is not
	// connected or already closed
	ErrNotConnected = errors.New("not connected")
	// ErrNotAllowed means the command is illegal in the current phase; the
	// server would drop the connection if it were sent
	ErrNotAllowed = errors.New("command not allowed in current phase")
	// ErrConnectionLost means the server closed the connection unexpectedly
	ErrConnectionLost = errors.New("connection lost")
)

// Event is one inbound PDU. Exactly one of Response and Message is set.
// Request is the request a Response answers.
type Event struct {
	Request  *protocol.Request
	Response *protocol.Response
	Message  *protocol.Message
}

// DefaultRequestTimeout bounds Do calls made by the UI and the bot
const DefaultRequestTimeout = 5 * time.Second

// Options configure a Transport
type Options struct {
	Logger zerolog.Logger
	// HostKey verifies SSH servers. Nil means trust on first use against
	// the user's known_hosts files.
	HostKey ssh.HostKeyCallback
	// InboundBuffer is the capacity of the Inbound channel
	InboundBuffer int
}

// call is one request awaiting its response
type call struct {
	req       *protocol.Request
	reply     chan *protocol.Response // nil for Send
	abandoned atomic.Bool
}

type outgoing struct {
	call *call
	req  *protocol.Request
	msg  *protocol.Message
}

// Transport is the client side of one WISP connection. A read goroutine
// decodes PDUs according to the current phase and a write goroutine sends
// queued PDUs in FIFO order.
type Transport struct {
	cfg    *dialConfig
	logger zerolog.Logger

	conn   net.Conn
	reader *bufio.Reader

	mu      sync.Mutex // Protects phase, pending
	phase   protocol.Phase
	pending []*call

	outgoing chan outgoing
	inbound  chan Event
	errors   chan error

	done      chan struct{}
	closeOnce sync.Once
	quitting  atomic.Bool
	wg        sync.WaitGroup
}

// NewTransport parses addr and prepares a transport. Nothing is dialed
// until Connect.
func NewTransport(addr string, opts Options) (*Transport, error) {
	cfg, err := parseServerAddress(addr, opts.HostKey)
	if err != nil {
		return nil, err
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 64
	}

	return &Transport{
		cfg:      cfg,
		logger:   opts.Logger.With().Str("server", cfg.display).Logger(),
		phase:    protocol.PhaseListening,
		outgoing: make(chan outgoing, 16),
		inbound:  make(chan Event, opts.InboundBuffer),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}, nil
}

// Address returns the server address with its scheme
func (t *Transport) Address() string {
	return t.cfg.display
}

// ConnectionType returns tcp, ssh or websocket
func (t *Transport) ConnectionType() string {
	return t.cfg.connType
}

// Connect dials the server and completes the version handshake. On return
// without error the transport is in the Authentication phase.
func (t *Transport) Connect(ctx context.Context) error {
	if t.conn != nil {
		return errors.New("already connected")
	}

	t.logger.Debug().Msg("Connecting")
	conn, err := t.cfg.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", t.cfg.display, err)
	}
	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, protocol.MessageSize*4)

	// SSH channels ignore deadlines, so cancellation closes the conn instead
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = t.handshake()
	if !stop() {
		err = fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	if err != nil {
		conn.Close()
		t.closeOnce.Do(func() { close(t.done) })
		return err
	}

	t.setPhase(protocol.PhaseAuthentication)
	t.logger.Debug().Str("type", t.cfg.connType).Msg("Connected")

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()
	return nil
}

func (t *Transport) handshake() error {
	greeting, err := protocol.ReadResponse(t.reader)
	if err != nil {
		return t.classify(err)
	}

	version := ""
	if greeting.IsOK() {
		for _, v := range greeting.Data {
			if protocol.IsSupportedVersion(v) {
				version = v
				break
			}
		}
	}
	if version == "" {
		return fmt.Errorf("%w: server offered %v", ErrNoVersions, greeting.Data)
	}

	req := &protocol.Request{Command: protocol.CmdVersion, Arg1: version}
	if err := req.EncodeTo(t.conn); err != nil {
		return err
	}

	ack, err := protocol.ReadResponse(t.reader)
	if err != nil {
		return t.classify(err)
	}
	if !ack.IsOK() {
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, ack.Reason())
	}
	return nil
}

// Phase returns the protocol phase as tracked from the client side
func (t *Transport) Phase() protocol.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Transport) setPhase(p protocol.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

// Inbound delivers responses to Send and every conversation message
func (t *Transport) Inbound() <-chan Event {
	return t.inbound
}

// Errors delivers the error that ended the connection, at most once
func (t *Transport) Errors() <-chan error {
	return t.errors
}

// Done is closed once the connection is gone
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) enqueue(out outgoing) error {
	if t.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}
	select {
	case t.outgoing <- out:
		return nil
	case <-t.done:
		return ErrNotConnected
	}
}

func (t *Transport) checkAllowed(cmd protocol.Command) error {
	phase := t.Phase()
	if !protocol.Allowed(phase, cmd) {
		return fmt.Errorf("%w: %s in %s", ErrNotAllowed, cmd, phase)
	}
	return nil
}

// Send queues req without waiting. Its response arrives on Inbound.
func (t *Transport) Send(req *protocol.Request) error {
	if err := t.checkAllowed(req.Command); err != nil {
		return err
	}
	return t.enqueue(outgoing{call: &call{req: req}})
}

// Do sends req and waits for its response. When ctx ends first the
// response is discarded on arrival and ErrTimeout is returned.
func (t *Transport) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := t.checkAllowed(req.Command); err != nil {
		return nil, err
	}
	c := &call{req: req, reply: make(chan *protocol.Response, 1)}
	if err := t.enqueue(outgoing{call: c}); err != nil {
		return nil, err
	}

	select {
	case resp := <-c.reply:
		return resp, nil
	case <-ctx.Done():
		c.abandoned.Store(true)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, req.Command)
	case <-t.done:
		return nil, ErrNotConnected
	}
}

// SendText sends conversation text. Text longer than one PDU is split into
// several messages. Empty text leaves the conversation.
func (t *Transport) SendText(text string) error {
	if t.Phase() != protocol.PhaseConversation {
		return fmt.Errorf("%w: message in %s", ErrNotAllowed, t.Phase())
	}
	if text == "" {
		// Later requests must pass the Command gate right away
		t.setPhase(protocol.PhaseCommand)
	}
	for _, chunk := range SplitText(text) {
		msg := protocol.NewMessage(chunk)
		if err := t.enqueue(outgoing{msg: &msg}); err != nil {
			return err
		}
	}
	return nil
}

// SplitText cuts text into pieces of at most MaxTextLength bytes without
// splitting a UTF-8 sequence. Empty text yields one empty piece.
func SplitText(text string) []string {
	if len(text) <= protocol.MaxTextLength {
		return []string{text}
	}

	var chunks []string
	for len(text) > protocol.MaxTextLength {
		cut := protocol.MaxTextLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = protocol.MaxTextLength
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Quit asks the server to end the session. The server closes the
// connection without a response.
func (t *Transport) Quit() error {
	if err := t.checkAllowed(protocol.CmdQuit); err != nil {
		return err
	}
	t.quitting.Store(true)
	return t.enqueue(outgoing{req: &protocol.Request{Command: protocol.CmdQuit}})
}

// Close tears down the connection and waits for the I/O goroutines
func (t *Transport) Close() error {
	t.shutdown()
	t.wg.Wait()
	return nil
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			t.conn.Close()
		}
	})
}

// fail reports err once and shuts the transport down
func (t *Transport) fail(err error) {
	select {
	case <-t.done:
		// Closed locally; read errors are expected
		return
	default:
	}

	if t.quitting.Load() && (errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)) {
		t.logger.Debug().Msg("Session ended after QUIT")
		t.shutdown()
		return
	}

	err = t.classify(err)
	t.logger.Debug().Err(err).Msg("Connection failed")
	select {
	case t.errors <- err:
	default:
	}
	t.shutdown()
}

func (t *Transport) classify(err error) error {
	switch {
	case protocol.IsFramingError(err):
		return fmt.Errorf("%w: %w", ErrFraming, err)
	case errors.Is(err, io.EOF):
		return ErrConnectionLost
	default:
		return err
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	for {
		// Wait for the next PDU before deciding which kind it is
		if _, err := t.reader.Peek(1); err != nil {
			t.fail(err)
			return
		}

		if t.Phase() == protocol.PhaseConversation {
			msg, err := protocol.ReadMessage(t.reader)
			if err != nil {
				t.fail(err)
				return
			}
			t.logger.Trace().Str("text", msg.Text).Msg("← MESSAGE")
			t.emit(Event{Message: msg})
			continue
		}

		resp, err := protocol.ReadResponse(t.reader)
		if err != nil {
			t.fail(err)
			return
		}
		t.handleResponse(resp)
	}
}

// handleResponse pairs resp with the oldest outstanding request and
// advances the phase
func (t *Transport) handleResponse(resp *protocol.Response) {
	t.mu.Lock()
	var c *call
	if len(t.pending) > 0 {
		c = t.pending[0]
		t.pending = t.pending[1:]
	}
	if c != nil && resp.IsOK() {
		switch c.req.Command {
		case protocol.CmdAuth:
			t.phase = protocol.PhaseCommand
		case protocol.CmdConv:
			t.phase = protocol.PhaseConversation
		}
	}
	t.mu.Unlock()

	if c == nil {
		t.logger.Warn().Str("response", resp.String()).Msg("Unsolicited response")
		t.emit(Event{Response: resp})
		return
	}

	t.logger.Trace().Str("request", c.req.String()).Str("response", resp.String()).Msg("← RESPONSE")
	if c.reply != nil {
		if !c.abandoned.Load() {
			c.reply <- resp
		}
		return
	}
	t.emit(Event{Request: c.req, Response: resp})
}

func (t *Transport) emit(ev Event) {
	select {
	case t.inbound <- ev:
	case <-t.done:
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case out := <-t.outgoing:
			if err := t.write(out); err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *Transport) write(out outgoing) error {
	switch {
	case out.call != nil:
		// Registered before the write so the response always finds it
		t.mu.Lock()
		t.pending = append(t.pending, out.call)
		t.mu.Unlock()
		t.logger.Trace().Str("request", out.call.req.String()).Msg("→ REQUEST")
		return out.call.req.EncodeTo(t.conn)

	case out.req != nil:
		t.logger.Trace().Str("request", out.req.String()).Msg("→ REQUEST")
		return out.req.EncodeTo(t.conn)

	case out.msg != nil:
		t.logger.Trace().Str("text", out.msg.Text).Msg("→ MESSAGE")
		return out.msg.EncodeTo(t.conn)
	}
	return nil
}
