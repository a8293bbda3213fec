package registry

import (
	"io"
	"sync"
	"time"

	"github.com/sheerbytes/panelcast/internal/wire"
)

// Conn is the bidirectional stream a display is reached through.
// net.Conn and QUIC streams satisfy it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Slot is an occupied position in the table. The registry owns the
// connection; during one phase exactly one worker uses a given slot.
type Slot struct {
	Index    int
	Identity string

	conn      Conn
	reader    *wire.Reader
	closeOnce sync.Once
}

func newSlot(index int, identity string, conn Conn) *Slot {
	return &Slot{
		Index:    index,
		Identity: identity,
		conn:     conn,
		reader:   wire.NewReader(conn),
	}
}

// Send writes a header and its payload, bounded by timeout when positive.
func (s *Slot) Send(h wire.Header, payload []byte, timeout time.Duration) error {
	s.setWriteDeadline(timeout)
	return wire.WriteFrame(s.conn, h, payload)
}

// SendLine writes a control-only line, bounded by timeout when positive.
func (s *Slot) SendLine(line string, timeout time.Duration) error {
	s.setWriteDeadline(timeout)
	return wire.WriteLine(s.conn, line)
}

func (s *Slot) setWriteDeadline(timeout time.Duration) {
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
}

// ReadReply reads the next reply before deadline. A token in want is
// recognized with or without its trailing newline.
func (s *Slot) ReadReply(deadline time.Time, want ...string) (string, error) {
	_ = s.conn.SetReadDeadline(deadline)
	return s.reader.ReadReply(want...)
}

// ReadImageList reads a LIST_IMAGES response before deadline.
func (s *Slot) ReadImageList(deadline time.Time) ([]string, error) {
	_ = s.conn.SetReadDeadline(deadline)
	return s.reader.ReadImageList()
}

// Interrupt makes a blocked read return immediately.
func (s *Slot) Interrupt() {
	_ = s.conn.SetReadDeadline(time.Now())
}

// probe returns an error only when the connection is known to be dead.
func (s *Slot) probe(timeout time.Duration) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := s.conn.Write(nil); err != nil && !wire.IsTimeout(err) {
		return err
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	return s.reader.Probe()
}

// Close closes the connection once.
func (s *Slot) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
