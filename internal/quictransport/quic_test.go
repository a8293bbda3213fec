package quictransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/wire"
)

func TestServerConfig(t *testing.T) {
	config, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig error = %v", err)
	}

	if len(config.Certificates) == 0 {
		t.Fatal("ServerConfig has no certificates")
	}
	cert := config.Certificates[0]
	if cert.PrivateKey == nil {
		t.Error("Certificate has no private key")
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Errorf("ServerConfig NextProtos = %v, want [%s]", config.NextProtos, ALPNProtocol)
	}
}

func TestClientConfig(t *testing.T) {
	config := ClientConfig()
	if !config.InsecureSkipVerify {
		t.Error("ClientConfig InsecureSkipVerify should be true")
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Errorf("ClientConfig NextProtos = %v, want [%s]", config.NextProtos, ALPNProtocol)
	}
}

func listen(t *testing.T) *Listener {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", logging.Discard())
	if err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestDialAccept_RoundTrip(t *testing.T) {
	ln := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dialed := make(chan *StreamConn, 1)
	go func() {
		c, err := Dial(ctx, ln.Addr().String(), "", logging.Discard())
		if err != nil {
			t.Errorf("Dial error = %v", err)
			dialed <- nil
			return
		}
		dialed <- c
	}()

	conn, addr, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error = %v", err)
	}
	defer conn.Close()
	if got := registry.IdentityFromAddr(addr); got != "1" {
		t.Errorf("identity = %q, want 1", got)
	}

	client := <-dialed
	if client == nil {
		t.FailNow()
	}
	defer client.Close()

	// Server to display: a segment frame.
	if err := wire.WriteFrame(conn, wire.SegmentHeader(0, 3), []byte("a\nb")); err != nil {
		t.Fatalf("WriteFrame error = %v", err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := wire.NewReader(client).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame error = %v", err)
	}
	if string(frame.Payload) != "a\nb" {
		t.Errorf("payload = %q", frame.Payload)
	}

	// Display to server: the ACK, with nothing of HELLO left behind.
	if err := wire.WriteLine(client, wire.TokenAck); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := wire.NewReader(conn).ReadToken()
	if err != nil || line != wire.TokenAck {
		t.Fatalf("ReadToken = %q, %v", line, err)
	}
}

func TestAccept_RejectsMissingHello(t *testing.T) {
	ln := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		conn, err := quic.DialAddr(ctx, ln.Addr().String(), ClientConfig(), DefaultClientQUICConfig())
		if err != nil {
			return
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			return
		}
		wire.WriteLine(stream, "GO")
		<-ctx.Done()
	}()

	acceptCtx, acceptCancel := context.WithTimeout(ctx, 2*time.Second)
	defer acceptCancel()
	conn, _, err := ln.Accept(acceptCtx)
	if err == nil {
		conn.Close()
		t.Fatal("expected Accept to drop a peer without HELLO")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Accept error = %v, want deadline exceeded", err)
	}
}

func TestAccept_SilentPeerDoesNotBlockOthers(t *testing.T) {
	ln := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	silent, err := quic.DialAddr(ctx, ln.Addr().String(), ClientConfig(), DefaultClientQUICConfig())
	if err != nil {
		t.Fatalf("DialAddr error = %v", err)
	}
	defer silent.CloseWithError(0, "")

	go func() {
		c, err := Dial(ctx, ln.Addr().String(), "", logging.Discard())
		if err != nil {
			t.Errorf("Dial error = %v", err)
			return
		}
		<-ctx.Done()
		c.Close()
	}()

	start := time.Now()
	conn, _, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error = %v", err)
	}
	defer conn.Close()
	if elapsed := time.Since(start); elapsed >= helloTimeout {
		t.Fatalf("Accept waited %v behind the silent peer", elapsed)
	}
}

func TestAccept_AfterClose(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := ln.Accept(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Accept error = %v, want listener closed", err)
	}
}

func TestListener_PopulatesRegistry(t *testing.T) {
	ln := listen(t)
	table, err := registry.NewIdentityTable(1, map[string]int{"1": 0})
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(table, logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		c, err := Dial(ctx, ln.Addr().String(), "127.0.0.1", logging.Discard())
		if err != nil {
			t.Errorf("Dial error = %v", err)
			return
		}
		<-ctx.Done()
		c.Close()
	}()

	n, err := reg.Populate(ctx, ln)
	if err != nil || n != 1 || !reg.Full() {
		t.Fatalf("Populate = %d, %v (full=%v)", n, err, reg.Full())
	}
	reg.CloseAll()
}

func TestDial_BadAddress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "not-an-address", "", logging.Discard()); err == nil {
		t.Fatal("expected error")
	}
}
