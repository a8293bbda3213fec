// Package display implements the client side of the wire protocol: a
// simulated display that assembles segments, acknowledges them and takes
// part in the render barrier.
package display

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/wire"
)

const (
	brightnessStep = 0.1
	brightnessMin  = 0.1
	brightnessMax  = 1.0
)

// Options tune how the display answers.
type Options struct {
	// DropAcks is the number of payload ACKs withheld before answering.
	DropAcks int
	// SkipGo withholds GO replies to READY.
	SkipGo bool
	// Images preloads the local image store.
	Images map[string][]byte
}

// Display serves one connection to the server.
type Display struct {
	conn   io.ReadWriteCloser
	reader *wire.Reader
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []byte
	shown      []byte
	images     map[string][]byte
	current    string
	brightness float64
	texts      []string
	dropped    int
	segments   int
}

// New wraps conn. The display does not read until Serve is called.
func New(conn io.ReadWriteCloser, opts Options, logger *slog.Logger) *Display {
	images := make(map[string][]byte, len(opts.Images))
	for name, data := range opts.Images {
		images[name] = data
	}
	return &Display{
		conn:       conn,
		reader:     wire.NewReader(conn),
		opts:       opts,
		logger:     logging.Component(logger, "display"),
		images:     images,
		brightness: brightnessMax,
	}
}

// Serve handles frames until the server closes the connection or ctx ends.
func (d *Display) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { d.conn.Close() })
	defer stop()

	for {
		frame, err := d.reader.ReadFrame()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			if errors.Is(err, wire.ErrMalformedHeader) {
				d.logger.Warn("ignoring malformed line", "error", err)
				continue
			}
			return err
		}
		if err := d.handle(frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (d *Display) handle(f wire.Frame) error {
	h := f.Header
	switch h.Kind {
	case wire.KindSegment:
		d.storeSegment(h.Offset, f.Payload)
		return d.ack()
	case wire.KindLoadImage:
		d.mu.Lock()
		d.images[h.Name] = f.Payload
		d.mu.Unlock()
		d.logger.Debug("image stored", "name", h.Name, "bytes", len(f.Payload))
		return d.ack()
	case wire.TokenReady:
		if d.opts.SkipGo {
			d.logger.Debug("withholding GO")
			return nil
		}
		return wire.WriteLine(d.conn, wire.TokenGo)
	case wire.TokenShowTemp:
		d.mu.Lock()
		d.shown = append([]byte(nil), d.buffer...)
		d.current = ""
		d.mu.Unlock()
		d.logger.Info("showing assembled buffer", "bytes", len(d.Shown()))
	case wire.TokenClearBuffer:
		d.mu.Lock()
		d.buffer = nil
		d.segments = 0
		d.mu.Unlock()
	case wire.KindShowImage:
		d.mu.Lock()
		data, ok := d.images[h.Name]
		if ok {
			d.shown = data
			d.current = h.Name
		}
		d.mu.Unlock()
		if !ok {
			d.logger.Warn("unknown image", "name", h.Name)
		}
	case wire.TokenIncrease:
		d.adjustBrightness(brightnessStep)
	case wire.TokenDecrease:
		d.adjustBrightness(-brightnessStep)
	case wire.TokenListImages:
		return wire.WriteImageList(d.conn, d.Images())
	case wire.KindText:
		d.mu.Lock()
		d.texts = append(d.texts, h.Name)
		d.mu.Unlock()
		d.logger.Info("text message", "text", h.Name)
	default:
		d.logger.Debug("ignoring line", "line", h.String())
	}
	return nil
}

func (d *Display) storeSegment(offset int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	end := offset + len(data)
	if end > len(d.buffer) {
		grown := make([]byte, end)
		copy(grown, d.buffer)
		d.buffer = grown
	}
	copy(d.buffer[offset:end], data)
	d.segments++
}

func (d *Display) ack() error {
	d.mu.Lock()
	drop := d.dropped < d.opts.DropAcks
	if drop {
		d.dropped++
	}
	d.mu.Unlock()
	if drop {
		d.logger.Debug("dropping ACK")
		return nil
	}
	return wire.WriteLine(d.conn, wire.TokenAck)
}

func (d *Display) adjustBrightness(delta float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.brightness + delta
	if b < brightnessMin {
		b = brightnessMin
	}
	if b > brightnessMax {
		b = brightnessMax
	}
	d.brightness = b
}

// Shown returns a copy of what the display is currently rendering.
func (d *Display) Shown() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.shown...)
}

// Buffer returns a copy of the staging buffer.
func (d *Display) Buffer() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.buffer...)
}

// Segments returns the number of segments stored since the last clear.
func (d *Display) Segments() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.segments
}

// Current returns the name of the image on screen, or "" for the buffer.
func (d *Display) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Display) Brightness() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.brightness
}

// Images returns the sorted names of stored images.
func (d *Display) Images() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.images))
	for name := range d.images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Texts returns the TEXT messages received so far.
func (d *Display) Texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts...)
}
