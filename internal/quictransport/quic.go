// Package quictransport carries the display protocol over one
// bidirectional QUIC stream per display.
package quictransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/wire"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for panelcast.
	ALPNProtocol = "panelcast-v1"

	helloTimeout = 5 * time.Second
)

// ServerConfig returns a TLS configuration for the QUIC listener.
// Uses a self-signed certificate; displays do not verify it.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientConfig returns a TLS configuration for displays.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultServerQUICConfig returns the default QUIC server config.
func DefaultServerQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		MaxIncomingStreams:             4,
		InitialConnectionReceiveWindow: 4 * 1024 * 1024,
		MaxConnectionReceiveWindow:     16 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the default QUIC client config.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         64 * 1024 * 1024,
	}
}

// generateSelfSignedCert generates a self-signed certificate.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"panelcast"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// StreamConn is one display connection: a QUIC connection and its single
// bidirectional stream.
type StreamConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	pconn  net.PacketConn // owned socket when dialed with a bind address
}

func (c *StreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *StreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *StreamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *StreamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// RemoteAddr returns the peer's UDP address.
func (c *StreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local UDP address.
func (c *StreamConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close closes the stream and the connection.
func (c *StreamConn) Close() error {
	c.stream.CancelRead(0)
	_ = c.stream.Close()
	err := c.conn.CloseWithError(0, "")
	if c.pconn != nil {
		_ = c.pconn.Close()
	}
	return err
}

var _ registry.Conn = (*StreamConn)(nil)

// Listener accepts displays over QUIC and implements registry.Listener.
// Each connection is handshaken in its own goroutine, so a peer that never
// says HELLO does not hold up the others.
type Listener struct {
	ln     *quic.Listener
	logger *slog.Logger

	ready   chan *StreamConn
	stopped chan struct{}
	err     error
	cancel  context.CancelFunc
}

var _ registry.Listener = (*Listener)(nil)

// Listen creates a QUIC listener on addr.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	return ListenWithConfig(addr, logger, nil)
}

// ListenWithConfig creates a QUIC listener on addr using a custom config.
func ListenWithConfig(addr string, logger *slog.Logger, config *quic.Config) (*Listener, error) {
	logger = logging.Component(logger, "quic")
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultServerQUICConfig()
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, config)
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ln:      ln,
		logger:  logger,
		ready:   make(chan *StreamConn),
		stopped: make(chan struct{}),
		cancel:  cancel,
	}
	go l.acceptLoop(ctx)

	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer close(l.stopped)
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			l.err = err
			return
		}
		go l.admit(ctx, conn)
	}
}

// admit runs the handshake and hands the display to the next Accept call.
func (l *Listener) admit(ctx context.Context, conn *quic.Conn) {
	sc, err := l.handshake(ctx, conn)
	if err != nil {
		l.logger.Warn("display handshake failed", "remote_addr", conn.RemoteAddr(), "error", err)
		_ = conn.CloseWithError(1, "handshake failed")
		return
	}
	select {
	case l.ready <- sc:
		l.logger.Info("QUIC display connected", "remote_addr", conn.RemoteAddr())
	case <-ctx.Done():
		_ = sc.Close()
	}
}

// Accept returns the next display that completed its handshake.
func (l *Listener) Accept(ctx context.Context) (registry.Conn, net.Addr, error) {
	select {
	case sc := <-l.ready:
		return sc, sc.RemoteAddr(), nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-l.stopped:
		return nil, nil, fmt.Errorf("failed to accept QUIC connection: %w", l.err)
	}
}

func (l *Listener) handshake(ctx context.Context, conn *quic.Conn) (*StreamConn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(hsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	deadline, _ := hsCtx.Deadline()
	_ = stream.SetReadDeadline(deadline)
	line, err := readHello(stream)
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil {
		stream.CancelRead(1)
		return nil, err
	}
	if line != wire.TokenHello {
		stream.CancelRead(1)
		return nil, fmt.Errorf("unexpected first line %q", line)
	}
	return &StreamConn{conn: conn, stream: stream}, nil
}

// readHello reads the first line one byte at a time so that nothing past
// it is consumed before the slot's reader takes over.
func readHello(stream *quic.Stream) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for len(line) <= len(wire.TokenHello)+2 {
		n, err := stream.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\n' {
			return string(trimCR(line)), nil
		}
		line = append(line, buf[0])
	}
	return "", errors.New("hello line too long")
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the listener and drops displays still in their handshake.
func (l *Listener) Close() error {
	l.cancel()
	return l.ln.Close()
}

// Dial connects a display to addr, opens its stream and sends HELLO. A
// non-empty bind sets the local IP, and with it the display's identity.
func Dial(ctx context.Context, addr, bind string, logger *slog.Logger) (*StreamConn, error) {
	logger = logging.Component(logger, "quic")
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	var pconn net.PacketConn
	var conn *quic.Conn
	if bind != "" {
		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bind)})
		if err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", bind, err)
		}
		pconn = udpConn
		conn, err = quic.Dial(ctx, udpConn, raddr, ClientConfig(), DefaultClientQUICConfig())
		if err != nil {
			udpConn.Close()
			logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
			return nil, err
		}
	} else {
		conn, err = quic.DialAddr(ctx, addr, ClientConfig(), DefaultClientQUICConfig())
		if err != nil {
			logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
			return nil, err
		}
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		if pconn != nil {
			pconn.Close()
		}
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	sc := &StreamConn{conn: conn, stream: stream, pconn: pconn}
	if err := wire.WriteLine(stream, wire.TokenHello); err != nil {
		sc.Close()
		return nil, err
	}
	logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr(), "local_addr", conn.LocalAddr())
	return sc, nil
}
