package protocol

import (
	"bytes"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

var allCommands = []Command{CmdVersion, CmdAuth, CmdAdd, CmdDel, CmdList, CmdSearch, CmdConv, CmdQuit}

// fieldText draws byte strings up to max bytes, nulls included, so the
// round trip has to discard everything past the first terminator.
func fieldText(max int) *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		n := rapid.IntRange(0, max).Draw(t, "len")
		b := rapid.SliceOfN(rapid.SampledFrom([]byte("abcXYZ019 .\x00")), n, n).Draw(t, "bytes")
		return string(b)
	})
}

func untilNull(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}

// TestRequestRoundTrip tests that decode(encode(r)) keeps everything before the first null
func TestRequestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := Request{
			Command: rapid.SampledFrom(allCommands).Draw(t, "cmd"),
			Arg1:    fieldText(FieldSize).Draw(t, "arg1"),
			Arg2:    fieldText(FieldSize).Draw(t, "arg2"),
		}

		var buf bytes.Buffer
		if err := original.EncodeTo(&buf); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if buf.Len() != RequestSize {
			t.Fatalf("encoded size %d, want %d", buf.Len(), RequestSize)
		}

		decoded, err := ReadRequest(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Command != original.Command {
			t.Fatalf("command mismatch: got %s, want %s", decoded.Command, original.Command)
		}
		if decoded.Arg1 != untilNull(original.Arg1) {
			t.Fatalf("arg1 mismatch: got %q, want %q", decoded.Arg1, untilNull(original.Arg1))
		}
		if decoded.Arg2 != untilNull(original.Arg2) {
			t.Fatalf("arg2 mismatch: got %q, want %q", decoded.Arg2, untilNull(original.Arg2))
		}
	})
}

// TestResponseRoundTrip tests arbitrary field lists survive the wire
func TestResponseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		status := rapid.SampledFrom([]Status{StatusOK, StatusError}).Draw(t, "status")
		data := rapid.SliceOfN(fieldText(FieldSize), 0, 32).Draw(t, "data")
		original := &Response{Status: status, Data: data}

		b, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(b) != ResponseHeaderSize+len(data)*FieldSize {
			t.Fatalf("encoded size %d, want %d", len(b), ResponseHeaderSize+len(data)*FieldSize)
		}

		decoded, err := ReadResponse(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Status != status {
			t.Fatalf("status mismatch: got %s, want %s", decoded.Status, status)
		}
		if len(decoded.Data) != len(data) {
			t.Fatalf("count mismatch: got %d, want %d", len(decoded.Data), len(data))
		}
		for i := range data {
			if decoded.Data[i] != untilNull(data[i]) {
				t.Fatalf("field %d mismatch: got %q, want %q", i, decoded.Data[i], untilNull(data[i]))
			}
		}
	})
}

// TestMessageRoundTrip covers timestamps across the full uint32 range and text up to 127 bytes
func TestMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := Message{
			Timestamp: rapid.Uint32().Draw(t, "ts"),
			Text:      fieldText(MaxTextLength).Draw(t, "text"),
		}

		b, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(b) != MessageSize {
			t.Fatalf("encoded size %d, want %d", len(b), MessageSize)
		}

		decoded, err := ReadMessage(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Timestamp != original.Timestamp {
			t.Fatalf("timestamp mismatch: got %d, want %d", decoded.Timestamp, original.Timestamp)
		}
		if decoded.Text != untilNull(original.Text) {
			t.Fatalf("text mismatch: got %q, want %q", decoded.Text, untilNull(original.Text))
		}
	})
}

// TestTruncatedFramesNeverDecode tests every proper prefix of a frame is rejected
func TestTruncatedFramesNeverDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := Message{Timestamp: rapid.Uint32().Draw(t, "ts"), Text: "hi"}
		b, err := msg.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		cut := rapid.IntRange(1, MessageSize-1).Draw(t, "cut")
		if _, err := ReadMessage(bytes.NewReader(b[:cut])); !IsFramingError(err) {
			t.Fatalf("prefix of %d bytes: got %v, want framing error", cut, err)
		}
	})
}

// TestGatingTable tests that for every phase and command, Allowed matches the legal set
func TestGatingTable(t *testing.T) {
	phases := []Phase{PhaseListening, PhaseAuthentication, PhaseCommand, PhaseConversation}
	rapid.Check(t, func(t *rapid.T) {
		p := rapid.SampledFrom(phases).Draw(t, "phase")
		c := rapid.SampledFrom(allCommands).Draw(t, "cmd")

		legal := false
		for _, l := range LegalCommands(p) {
			if l == c {
				legal = true
			}
		}
		if Allowed(p, c) != legal {
			t.Fatalf("Allowed(%s, %s) = %v, legal set says %v", p, c, !legal, legal)
		}
		if p == PhaseConversation && Allowed(p, c) {
			t.Fatalf("no request is legal in Conversation, got %s", c)
		}
	})
}
