package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
)

// MaxLineLength bounds a single header or token line.
const MaxLineLength = 64 * 1024

var ErrLineTooLong = errors.New("line too long")

// Frame is a decoded header plus its payload, if any.
type Frame struct {
	Header  Header
	Payload []byte
}

// Reader decodes lines and frames from a stream. It keeps the bytes of an
// unfinished line across errors, so a read deadline never loses input.
type Reader struct {
	br      *bufio.Reader
	partial []byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line with surrounding whitespace removed.
// A final unterminated line before EOF is returned as a line.
func (r *Reader) ReadLine() (string, error) {
	for {
		chunk, err := r.br.ReadSlice('\n')
		r.partial = append(r.partial, chunk...)
		if err == bufio.ErrBufferFull {
			if len(r.partial) > MaxLineLength {
				r.partial = r.partial[:0]
				return "", ErrLineTooLong
			}
			continue
		}
		if err != nil {
			if err == io.EOF && len(r.partial) > 0 {
				return r.take(), nil
			}
			return "", err
		}
		return r.take(), nil
	}
}

func (r *Reader) take() string {
	line := strings.TrimSpace(string(r.partial))
	r.partial = r.partial[:0]
	return line
}

// ReadToken returns the next non-empty line.
func (r *Reader) ReadToken() (string, error) {
	for {
		line, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

// ReadReply returns the next client reply. Displays may answer with a bare
// token and no newline, so buffered bytes that begin with one of want are
// returned as that token without waiting for a line end. Anything else is
// read as a full line.
func (r *Reader) ReadReply(want ...string) (string, error) {
	for {
		buf, _ := r.br.Peek(r.br.Buffered())
		if bytes.IndexByte(buf, '\n') >= 0 {
			line, err := r.ReadLine()
			if err != nil {
				return "", err
			}
			if line != "" {
				return line, nil
			}
			continue
		}
		pending := append(r.partial, buf...)
		if token, n := matchReply(pending, want); token != "" {
			r.consume(n)
			return token, nil
		}
		if len(buf) > 0 {
			r.partial = pending
			_, _ = r.br.Discard(len(buf))
			if len(r.partial) > MaxLineLength {
				r.partial = r.partial[:0]
				return "", ErrLineTooLong
			}
			continue
		}
		if _, err := r.br.Peek(1); err != nil {
			if err == io.EOF {
				if line := r.take(); line != "" {
					return line, nil
				}
			}
			return "", err
		}
	}
}

// matchReply reports the token pending starts with, after leading
// whitespace, and how many bytes it spans.
func matchReply(pending []byte, want []string) (string, int) {
	trimmed := bytes.TrimLeft(pending, " \t\r\n")
	lead := len(pending) - len(trimmed)
	for _, token := range want {
		if token != "" && bytes.HasPrefix(trimmed, []byte(token)) {
			return token, lead + len(token)
		}
	}
	return "", 0
}

// consume drops n bytes, taking them from the partial line first.
func (r *Reader) consume(n int) {
	if n <= len(r.partial) {
		r.partial = append(r.partial[:0], r.partial[n:]...)
		return
	}
	_, _ = r.br.Discard(n - len(r.partial))
	r.partial = r.partial[:0]
}

// ReadFrame reads one header and, for payload kinds, exactly Length bytes.
func (r *Reader) ReadFrame() (Frame, error) {
	line, err := r.ReadToken()
	if err != nil {
		return Frame{}, err
	}
	h, err := ParseHeader(line)
	if err != nil {
		return Frame{}, err
	}
	if !h.HasPayload() {
		return Frame{Header: h}, nil
	}
	if h.Length > MaxPayloadLength {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return Frame{}, fmt.Errorf("failed to read %s payload: %w", h.Kind, err)
	}
	return Frame{Header: h, Payload: payload}, nil
}

// ReadImageList reads an IMAGES: ... END_IMAGES response. Lines before
// IMAGES: are discarded.
func (r *Reader) ReadImageList() ([]string, error) {
	for {
		line, err := r.ReadToken()
		if err != nil {
			return nil, err
		}
		if line == TokenImages {
			break
		}
	}
	names := make([]string, 0)
	for {
		line, err := r.ReadToken()
		if err != nil {
			return nil, err
		}
		if line == TokenEndImages {
			return names, nil
		}
		names = append(names, line)
	}
}

// Probe checks the stream without consuming input. It returns nil when
// data is buffered or the read timed out, and the read error otherwise.
func (r *Reader) Probe() error {
	if r.br.Buffered() > 0 {
		return nil
	}
	_, err := r.br.Peek(1)
	if err == nil || IsTimeout(err) {
		return nil
	}
	return err
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
