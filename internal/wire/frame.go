// Package wire implements the line-oriented display protocol: textual
// headers terminated by '\n', optionally followed by exactly Length raw
// payload bytes.
package wire

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Header kinds that carry a field after the colon.
const (
	KindSegment   = "SEGMENT"
	KindLoadImage = "LOAD_IMAGE"
	KindShowImage = "SHOW_IMAGE"
	KindText      = "TEXT"
	KindImages    = "IMAGES"
)

// Control-only tokens.
const (
	TokenReady       = "READY"
	TokenGo          = "GO"
	TokenAck         = "ACK"
	TokenShowTemp    = "SHOW_TEMP"
	TokenClearBuffer = "CLEAR_BUFFER"
	TokenIncrease    = "increase"
	TokenDecrease    = "decrease"
	TokenListImages  = "LIST_IMAGES"
	TokenImages      = "IMAGES:"
	TokenEndImages   = "END_IMAGES"
	TokenHello       = "HELLO"
)

// MaxPayloadLength bounds the length field accepted by the decoder.
const MaxPayloadLength = 64 * 1024 * 1024

var (
	ErrMalformedHeader = errors.New("malformed header")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrLengthMismatch  = errors.New("payload length does not match header")
)

// Header is one decoded protocol line.
// For control-only lines Kind holds the whole token.
type Header struct {
	Kind   string
	Name   string
	Offset int
	Length int
}

// SegmentHeader builds a SEGMENT header.
func SegmentHeader(offset, length int) Header {
	return Header{Kind: KindSegment, Offset: offset, Length: length}
}

// LoadImageHeader builds a LOAD_IMAGE header.
func LoadImageHeader(name string, length int) Header {
	return Header{Kind: KindLoadImage, Name: name, Length: length}
}

// HasPayload reports whether Length raw bytes follow the header line.
func (h Header) HasPayload() bool {
	return h.Kind == KindSegment || h.Kind == KindLoadImage
}

// String encodes the header line without the trailing newline.
func (h Header) String() string {
	switch h.Kind {
	case KindSegment:
		return fmt.Sprintf("%s:%d:%d", KindSegment, h.Offset, h.Length)
	case KindLoadImage:
		return fmt.Sprintf("%s:%s:%d", KindLoadImage, h.Name, h.Length)
	case KindShowImage, KindText:
		return h.Kind + ":" + h.Name
	default:
		return h.Kind
	}
}

// ParseHeader decodes a single line (with or without its newline).
func ParseHeader(line string) (Header, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Header{}, fmt.Errorf("%w: empty line", ErrMalformedHeader)
	}
	kind, rest, hasField := strings.Cut(line, ":")
	if !hasField {
		return Header{Kind: line}, nil
	}

	switch kind {
	case KindSegment:
		offRaw, lenRaw, ok := strings.Cut(rest, ":")
		if !ok {
			return Header{}, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		offset, err := parseNonNegative(offRaw)
		if err != nil {
			return Header{}, fmt.Errorf("%w: bad offset in %q", ErrMalformedHeader, line)
		}
		length, err := parseNonNegative(lenRaw)
		if err != nil {
			return Header{}, fmt.Errorf("%w: bad length in %q", ErrMalformedHeader, line)
		}
		return SegmentHeader(offset, length), nil
	case KindLoadImage:
		// Names may contain ':'; the length is always the last field.
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			return Header{}, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		length, err := parseNonNegative(rest[idx+1:])
		if err != nil {
			return Header{}, fmt.Errorf("%w: bad length in %q", ErrMalformedHeader, line)
		}
		return LoadImageHeader(rest[:idx], length), nil
	case KindShowImage, KindText:
		return Header{Kind: kind, Name: rest}, nil
	case KindImages:
		if rest != "" {
			return Header{}, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		return Header{Kind: TokenImages}, nil
	default:
		return Header{Kind: line}, nil
	}
}

func parseNonNegative(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

// WriteFrame writes the header line and then the payload.
// The header is written completely before the first payload byte.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	if h.HasPayload() && len(payload) != h.Length {
		return fmt.Errorf("%w: header %d, payload %d", ErrLengthMismatch, h.Length, len(payload))
	}
	if err := writeFull(w, []byte(h.String()+"\n")); err != nil {
		return fmt.Errorf("failed to write %s header: %w", h.Kind, err)
	}
	if !h.HasPayload() || len(payload) == 0 {
		return nil
	}
	if err := writeFull(w, payload); err != nil {
		return fmt.Errorf("failed to write %s payload: %w", h.Kind, err)
	}
	return nil
}

// WriteLine writes a control-only line.
func WriteLine(w io.Writer, line string) error {
	if err := writeFull(w, []byte(line+"\n")); err != nil {
		return fmt.Errorf("failed to write %q: %w", line, err)
	}
	return nil
}

// WriteImageList writes a LIST_IMAGES response.
func WriteImageList(w io.Writer, names []string) error {
	var b strings.Builder
	b.WriteString(TokenImages + "\n")
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	b.WriteString(TokenEndImages + "\n")
	return writeFull(w, []byte(b.String()))
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
