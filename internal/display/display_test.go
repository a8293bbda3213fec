package display

import (
	"bytes"
	"context"
	"math"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/wire"
)

// startDisplay returns the server end of a pipe served by a Display.
func startDisplay(t *testing.T, opts Options) (*Display, net.Conn, *wire.Reader) {
	t.Helper()
	server, client := net.Pipe()
	d := New(client, opts, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		server.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return d, server, wire.NewReader(server)
}

func expectLine(t *testing.T, conn net.Conn, r *wire.Reader, want string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	got, err := r.ReadToken()
	if err != nil {
		t.Fatalf("read %q: %v", want, err)
	}
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDisplay_SegmentsAssembleAndShow(t *testing.T) {
	d, conn, r := startDisplay(t, Options{})

	// Out-of-order segments land at their offsets.
	wire.WriteFrame(conn, wire.SegmentHeader(4, 3), []byte("efg"))
	expectLine(t, conn, r, wire.TokenAck)
	wire.WriteFrame(conn, wire.SegmentHeader(0, 4), []byte("abcd"))
	expectLine(t, conn, r, wire.TokenAck)
	wire.WriteFrame(conn, wire.SegmentHeader(7, 3), []byte("hij"))
	expectLine(t, conn, r, wire.TokenAck)

	if got := d.Buffer(); string(got) != "abcdefghij" {
		t.Fatalf("Buffer = %q", got)
	}
	if d.Segments() != 3 {
		t.Fatalf("Segments = %d", d.Segments())
	}

	wire.WriteLine(conn, wire.TokenReady)
	expectLine(t, conn, r, wire.TokenGo)
	wire.WriteLine(conn, wire.TokenShowTemp)
	wire.WriteLine(conn, wire.TokenClearBuffer)
	// LIST_IMAGES round-trip orders the previous lines.
	wire.WriteLine(conn, wire.TokenListImages)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := r.ReadImageList(); err != nil {
		t.Fatal(err)
	}

	if got := d.Shown(); string(got) != "abcdefghij" {
		t.Fatalf("Shown = %q", got)
	}
	if len(d.Buffer()) != 0 {
		t.Fatalf("Buffer not cleared: %q", d.Buffer())
	}
}

func TestDisplay_BinaryPayloadWithNewlines(t *testing.T) {
	d, conn, r := startDisplay(t, Options{})
	payload := []byte{'\n', 0x00, '\n', 0xFF}
	wire.WriteFrame(conn, wire.SegmentHeader(0, len(payload)), payload)
	expectLine(t, conn, r, wire.TokenAck)
	if !bytes.Equal(d.Buffer(), payload) {
		t.Fatalf("Buffer = %x", d.Buffer())
	}
}

func TestDisplay_LoadShowAndList(t *testing.T) {
	d, conn, r := startDisplay(t, Options{Images: map[string][]byte{"logo": []byte("L")}})

	wire.WriteFrame(conn, wire.LoadImageHeader("sunset", 2), []byte("SS"))
	expectLine(t, conn, r, wire.TokenAck)

	wire.WriteLine(conn, wire.TokenListImages)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	names, err := r.ReadImageList()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"logo", "sunset"}) {
		t.Fatalf("names = %v", names)
	}

	wire.WriteFrame(conn, wire.Header{Kind: wire.KindShowImage, Name: "sunset"}, nil)
	wire.WriteFrame(conn, wire.Header{Kind: wire.KindShowImage, Name: "missing"}, nil)
	wire.WriteLine(conn, wire.TokenListImages)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	r.ReadImageList()

	if d.Current() != "sunset" || string(d.Shown()) != "SS" {
		t.Fatalf("Current = %q Shown = %q", d.Current(), d.Shown())
	}
}

func TestDisplay_BrightnessClamped(t *testing.T) {
	d, conn, r := startDisplay(t, Options{})
	wire.WriteLine(conn, wire.TokenIncrease)
	for i := 0; i < 20; i++ {
		wire.WriteLine(conn, wire.TokenDecrease)
	}
	wire.WriteLine(conn, wire.TokenIncrease)
	wire.WriteLine(conn, wire.TokenListImages)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	r.ReadImageList()

	if got := d.Brightness(); math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("Brightness = %v, want 0.2", got)
	}
}

func TestDisplay_DropAcksAndSkipGo(t *testing.T) {
	_, conn, r := startDisplay(t, Options{DropAcks: 1, SkipGo: true})

	wire.WriteFrame(conn, wire.SegmentHeader(0, 1), []byte("a"))
	wire.WriteFrame(conn, wire.SegmentHeader(0, 1), []byte("a"))
	expectLine(t, conn, r, wire.TokenAck)

	wire.WriteLine(conn, wire.TokenReady)
	wire.WriteLine(conn, wire.TokenListImages)
	// The first line back is the image list, not GO.
	expectLine(t, conn, r, wire.TokenImages)
}

func TestDisplay_TextMessages(t *testing.T) {
	d, conn, r := startDisplay(t, Options{})
	wire.WriteLine(conn, "TEXT:hola mundo")
	wire.WriteLine(conn, wire.TokenListImages)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	r.ReadImageList()
	if !reflect.DeepEqual(d.Texts(), []string{"hola mundo"}) {
		t.Fatalf("Texts = %v", d.Texts())
	}
}
