package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// scriptedReader returns one scripted result per Read call.
type scriptedReader struct {
	steps []step
}

type step struct {
	data string
	err  error
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if len(s.steps) == 0 {
		return 0, io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	n := copy(p, st.data)
	return n, st.err
}

func TestReader_FrameBinarySafe(t *testing.T) {
	payload := []byte("line1\nline2\n\x00\x01")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, LoadImageHeader("pic", len(payload)), payload); err != nil {
		t.Fatalf("WriteFrame error = %v", err)
	}
	if err := WriteLine(&buf, TokenReady); err != nil {
		t.Fatalf("WriteLine error = %v", err)
	}

	r := NewReader(&buf)
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame error = %v", err)
	}
	if frame.Header != LoadImageHeader("pic", len(payload)) {
		t.Fatalf("header = %+v", frame.Header)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload = %q, want %q", frame.Payload, payload)
	}

	next, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame error = %v", err)
	}
	if next.Header.Kind != TokenReady || next.Payload != nil {
		t.Fatalf("next frame = %+v", next)
	}
}

func TestReader_ShortPayload(t *testing.T) {
	r := NewReader(strings.NewReader("SEGMENT:0:10\nabc"))
	if _, err := r.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestReader_PayloadTooLarge(t *testing.T) {
	r := NewReader(strings.NewReader("SEGMENT:0:999999999\n"))
	if _, err := r.ReadFrame(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestReader_PartialLineSurvivesTimeout(t *testing.T) {
	src := &scriptedReader{steps: []step{
		{data: "AC", err: timeoutError{}},
		{data: "K\r\nGO\n"},
	}}
	r := NewReader(src)

	if _, err := r.ReadLine(); !IsTimeout(err) {
		t.Fatalf("first ReadLine error = %v, want timeout", err)
	}
	line, err := r.ReadLine()
	if err != nil || line != TokenAck {
		t.Fatalf("ReadLine = %q, %v; want ACK", line, err)
	}
	line, err = r.ReadToken()
	if err != nil || line != TokenGo {
		t.Fatalf("ReadToken = %q, %v; want GO", line, err)
	}
}

func TestReader_TokenSkipsBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n\n  \nACK"))
	line, err := r.ReadToken()
	if err != nil || line != TokenAck {
		t.Fatalf("ReadToken = %q, %v", line, err)
	}
	if _, err := r.ReadToken(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReader_ImageList(t *testing.T) {
	r := NewReader(strings.NewReader("ACK\nIMAGES:\nsunset\nlogo\nEND_IMAGES\n"))
	names, err := r.ReadImageList()
	if err != nil {
		t.Fatalf("ReadImageList error = %v", err)
	}
	if strings.Join(names, ",") != "sunset,logo" {
		t.Fatalf("names = %v", names)
	}
}

func TestReader_ProbeTimeoutIsAlive(t *testing.T) {
	r := NewReader(&scriptedReader{steps: []step{{err: timeoutError{}}}})
	if err := r.Probe(); err != nil {
		t.Fatalf("Probe on timeout = %v, want nil", err)
	}
	dead := NewReader(&scriptedReader{})
	if err := dead.Probe(); err != io.EOF {
		t.Fatalf("Probe on EOF = %v, want EOF", err)
	}
}

func TestReader_ReplyWithoutNewline(t *testing.T) {
	r := NewReader(strings.NewReader("ACKACK"))
	for i := 0; i < 2; i++ {
		token, err := r.ReadReply(TokenAck)
		if err != nil || token != TokenAck {
			t.Fatalf("reply %d = %q, %v", i, token, err)
		}
	}
	if _, err := r.ReadReply(TokenAck); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestReader_ReplySplitAcrossTimeout(t *testing.T) {
	r := NewReader(&scriptedReader{steps: []step{
		{data: "A"},
		{err: timeoutError{}},
		{data: "CK"},
	}})
	if _, err := r.ReadReply(TokenAck); !IsTimeout(err) {
		t.Fatalf("first read err = %v, want timeout", err)
	}
	token, err := r.ReadReply(TokenAck)
	if err != nil || token != TokenAck {
		t.Fatalf("reply = %q, %v", token, err)
	}
}

func TestReader_ReplyMixedWithLines(t *testing.T) {
	r := NewReader(strings.NewReader("HELLO\n  GO\r\nACK"))
	var got []string
	for {
		token, err := r.ReadReply(TokenGo, TokenAck)
		if err != nil {
			break
		}
		got = append(got, token)
	}
	want := []string{"HELLO", TokenGo, TokenAck}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("replies = %q, want %q", got, want)
	}
}
