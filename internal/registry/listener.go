package registry

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPListener adapts a net.Listener. Accept honours ctx without closing
// the underlying listener, so later population passes can reuse it.
type TCPListener struct {
	ln net.Listener
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// ListenTCP listens on addr.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// NewTCPListener wraps an existing listener.
func NewTCPListener(ln net.Listener) *TCPListener {
	return &TCPListener{ln: ln}
}

// Accept waits for the next connection or ctx expiry.
func (l *TCPListener) Accept(ctx context.Context) (Conn, net.Addr, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	if d, ok := l.ln.(deadliner); ok {
		_ = d.SetDeadline(deadline)
		defer d.SetDeadline(time.Time{})

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				_ = d.SetDeadline(time.Now())
			case <-stop:
			}
		}()
	}

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return nil, nil, context.DeadlineExceeded
		}
		return nil, nil, err
	}
	return conn, conn.RemoteAddr(), nil
}

// Addr returns the listening address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the listener.
func (l *TCPListener) Close() error { return l.ln.Close() }
