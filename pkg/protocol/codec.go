package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// FieldSize is the width of every request argument and response data field
	FieldSize = 16

	// TextFieldSize is the width of the message text field (127 bytes + null)
	TextFieldSize = 128

	// MaxTextLength is the longest message text that still fits its terminator
	MaxTextLength = TextFieldSize - 1

	commandSize = 4

	// RequestSize is the fixed length of a request PDU
	RequestSize = commandSize + 2*FieldSize

	// ResponseHeaderSize is the status code plus the field count
	ResponseHeaderSize = 2 + 4

	// MessageSize is the fixed length of a message PDU
	MessageSize = 4 + TextFieldSize

	// MaxResponseFields bounds the count header so a corrupt frame cannot
	// force an enormous allocation
	MaxResponseFields = 4096
)

var (
	ErrShortFrame     = fmt.Errorf("short frame: %w", io.ErrUnexpectedEOF)
	ErrUnknownCommand = errors.New("unknown command code")
	ErrFieldTooLong   = errors.New("field exceeds 16 bytes")
	ErrTextTooLong    = errors.New("message text exceeds 127 bytes")
	ErrTooManyFields  = errors.New("response field count exceeds limit")
)

// ProtocolMessage is implemented by all three PDU kinds
type ProtocolMessage interface {
	// Encode serializes the PDU to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the PDU directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the PDU from exactly its frame bytes
	Decode(payload []byte) error
}

// Status is the 2-byte outcome code of a response PDU
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ER"
)

// Request is a command sent by the client
type Request struct {
	Command Command
	Arg1    string
	Arg2    string
}

// Response is the server's reply to a request
type Response struct {
	Status Status
	Data   []string
}

// Message is one line of conversation text
type Message struct {
	Timestamp uint32 // Unix seconds
	Text      string
}

// NewMessage stamps text with the current time
func NewMessage(text string) Message {
	return Message{Timestamp: uint32(time.Now().Unix()), Text: text}
}

// OK builds a successful response
func OK(data ...string) *Response {
	return &Response{Status: StatusOK, Data: data}
}

// Error builds a failed response
func Error(data ...string) *Response {
	return &Response{Status: StatusError, Data: data}
}

// Time converts the wire timestamp back to a time.Time
func (m Message) Time() time.Time {
	return time.Unix(int64(m.Timestamp), 0)
}

func (m Message) String() string {
	return fmt.Sprintf("@%s: %s", m.Time().Format(time.DateTime), m.Text)
}

func (r *Request) String() string {
	return fmt.Sprintf("%s(%s, %s)", r.Command, r.Arg1, r.Arg2)
}

func (r *Response) String() string {
	return fmt.Sprintf("%s: %v", r.Status, r.Data)
}

// IsOK reports whether the response carries the OK status
func (r *Response) IsOK() bool {
	return r.Status == StatusOK
}

// Reason returns the first data field, which carries the failure reason on ERROR
func (r *Response) Reason() string {
	if len(r.Data) == 0 {
		return ""
	}
	return r.Data[0]
}

// EncodeField writes s into a fixed-width field: the text, a null
// terminator, then space padding. Text that exactly fills the field is
// written without a terminator.
func EncodeField(s string, width int) ([]byte, error) {
	if len(s) > width {
		return nil, fmt.Errorf("%w: %d bytes", ErrFieldTooLong, len(s))
	}
	field := bytes.Repeat([]byte{' '}, width)
	copy(field, s)
	if len(s) < width {
		field[len(s)] = 0
	}
	return field, nil
}

// DecodeField returns the bytes before the first null. A field with no
// null is returned whole.
func DecodeField(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// EncodeTo writes the 36-byte request frame
func (r *Request) EncodeTo(w io.Writer) error {
	if !r.Command.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, string(r.Command))
	}
	buf := make([]byte, 0, RequestSize)
	buf = append(buf, string(r.Command)...)
	for _, arg := range []string{r.Arg1, r.Arg2} {
		field, err := EncodeField(arg, FieldSize)
		if err != nil {
			return err
		}
		buf = append(buf, field...)
	}
	_, err := w.Write(buf)
	return err
}

// Encode serializes the request to bytes
func (r *Request) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := r.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a request from exactly RequestSize bytes
func (r *Request) Decode(payload []byte) error {
	if len(payload) < RequestSize {
		return ErrShortFrame
	}
	cmd, err := ParseCommand(string(payload[:commandSize]))
	if err != nil {
		return err
	}
	r.Command = cmd
	r.Arg1 = DecodeField(payload[commandSize : commandSize+FieldSize])
	r.Arg2 = DecodeField(payload[commandSize+FieldSize : RequestSize])
	return nil
}

// EncodeTo writes the response header followed by one field per datum
func (r *Response) EncodeTo(w io.Writer) error {
	status := r.Status
	if status != StatusOK {
		status = StatusError
	}
	buf := make([]byte, ResponseHeaderSize, ResponseHeaderSize+len(r.Data)*FieldSize)
	copy(buf, string(status))
	binary.LittleEndian.PutUint32(buf[2:], uint32(len(r.Data)))
	for _, d := range r.Data {
		field, err := EncodeField(d, FieldSize)
		if err != nil {
			return err
		}
		buf = append(buf, field...)
	}
	_, err := w.Write(buf)
	return err
}

// Encode serializes the response to bytes
func (r *Response) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := r.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a complete response frame
func (r *Response) Decode(payload []byte) error {
	decoded, err := ReadResponse(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	*r = *decoded
	return nil
}

// EncodeTo writes the 132-byte message frame
func (m *Message) EncodeTo(w io.Writer) error {
	if len(m.Text) > MaxTextLength {
		return fmt.Errorf("%w: %d bytes", ErrTextTooLong, len(m.Text))
	}
	buf := make([]byte, 4, MessageSize)
	binary.LittleEndian.PutUint32(buf, m.Timestamp)
	field, err := EncodeField(m.Text, TextFieldSize)
	if err != nil {
		return err
	}
	buf = append(buf, field...)
	_, err = w.Write(buf)
	return err
}

// Encode serializes the message to bytes
func (m *Message) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a message from exactly MessageSize bytes
func (m *Message) Decode(payload []byte) error {
	if len(payload) < MessageSize {
		return ErrShortFrame
	}
	m.Timestamp = binary.LittleEndian.Uint32(payload[:4])
	m.Text = DecodeField(payload[4:MessageSize])
	return nil
}

// readFull reads exactly len(buf) bytes. A clean EOF before the first byte
// is passed through so callers can tell a closed peer from a torn frame.
func readFull(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) && n == 0 {
		return io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortFrame
	}
	return err
}

// ReadRequest reads one request PDU from the stream
func ReadRequest(r io.Reader) (*Request, error) {
	buf := make([]byte, RequestSize)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	req := &Request{}
	if err := req.Decode(buf); err != nil {
		return nil, err
	}
	return req, nil
}

// ReadResponse reads one response PDU (header plus its fields) from the stream
func ReadResponse(r io.Reader) (*Response, error) {
	header := make([]byte, ResponseHeaderSize)
	if err := readFull(r, header); err != nil {
		return nil, err
	}

	// Anything other than "OK" is treated as an error status
	status := StatusError
	if Status(header[:2]) == StatusOK {
		status = StatusOK
	}

	count := binary.LittleEndian.Uint32(header[2:])
	if count > MaxResponseFields {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFields, count)
	}

	data := make([]string, 0, count)
	field := make([]byte, FieldSize)
	for i := uint32(0); i < count; i++ {
		if err := readFull(r, field); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrShortFrame
			}
			return nil, err
		}
		data = append(data, DecodeField(field))
	}

	return &Response{Status: status, Data: data}, nil
}

// ReadMessage reads one message PDU from the stream
func ReadMessage(r io.Reader) (*Message, error) {
	buf := make([]byte, MessageSize)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := msg.Decode(buf); err != nil {
		return nil, err
	}
	return msg, nil
}

// IsFramingError reports whether err means the byte stream can no longer be
// trusted and the connection must be dropped.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrShortFrame) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrTooManyFields)
}
