package transfer

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/wire"
)

type reply int

const (
	replyAck reply = iota
	replySilent
	replyClose
	replyNoiseThenAck
	replyBareAck
)

// fakeDisplay is the client end of a net.Pipe registered in a registry.
type fakeDisplay struct {
	conn   net.Conn
	policy func(attempt int) reply

	mu     sync.Mutex
	frames []wire.Frame
	done   chan struct{}
}

func (f *fakeDisplay) run() {
	defer close(f.done)
	r := wire.NewReader(f.conn)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.frames = append(f.frames, frame)
		attempt := len(f.frames)
		f.mu.Unlock()
		if !frame.Header.HasPayload() {
			continue
		}
		switch f.policy(attempt) {
		case replyAck:
			if err := wire.WriteLine(f.conn, wire.TokenAck); err != nil {
				return
			}
		case replyNoiseThenAck:
			if err := wire.WriteLine(f.conn, wire.TokenHello+"\n"+wire.TokenAck); err != nil {
				return
			}
		case replyBareAck:
			if _, err := f.conn.Write([]byte(wire.TokenAck)); err != nil {
				return
			}
		case replyClose:
			f.conn.Close()
			return
		}
	}
}

func (f *fakeDisplay) received() []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func alwaysAck(int) reply { return replyAck }

func ackFrom(n int) func(int) reply {
	return func(attempt int) reply {
		if attempt >= n {
			return replyAck
		}
		return replySilent
	}
}

func never(int) reply { return replySilent }

func closeOnFirst(int) reply { return replyClose }

func noiseThenAck(int) reply { return replyNoiseThenAck }

func bareAck(int) reply { return replyBareAck }

var testIdentities = []string{"a", "b", "c", "d", "e"}

// newFakeWall registers one fake per non-nil policy; nil leaves the slot vacant.
func newFakeWall(t *testing.T, policies ...func(int) reply) (*registry.Registry, []*fakeDisplay) {
	t.Helper()
	entries := make(map[string]int)
	for i := range policies {
		entries[testIdentities[i]] = i
	}
	table, err := registry.NewIdentityTable(len(policies), entries)
	if err != nil {
		t.Fatalf("NewIdentityTable error = %v", err)
	}
	reg := registry.New(table, nil)
	fakes := make([]*fakeDisplay, len(policies))
	for i, policy := range policies {
		if policy == nil {
			continue
		}
		server, client := net.Pipe()
		f := &fakeDisplay{conn: client, policy: policy, done: make(chan struct{})}
		if _, err := reg.Register(testIdentities[i], server); err != nil {
			t.Fatalf("Register error = %v", err)
		}
		go f.run()
		fakes[i] = f
	}
	t.Cleanup(func() {
		reg.CloseAll()
		for _, f := range fakes {
			if f == nil {
				continue
			}
			f.conn.Close()
			select {
			case <-f.done:
			case <-time.After(time.Second):
				t.Error("fake display did not stop")
			}
		}
	})
	return reg, fakes
}

func fastOptions() Options {
	return Options{
		SegmentAckTimeout: 150 * time.Millisecond,
		LoadAckTimeout:    150 * time.Millisecond,
		WriteTimeout:      time.Second,
	}
}
