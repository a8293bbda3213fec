package broadcast

import (
	"context"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/wire"
)

type lineRecorder struct {
	conn   net.Conn
	images []string

	mu    sync.Mutex
	lines []string
	done  chan struct{}
}

func (l *lineRecorder) run() {
	defer close(l.done)
	r := wire.NewReader(l.conn)
	for {
		line, err := r.ReadToken()
		if err != nil {
			return
		}
		l.mu.Lock()
		l.lines = append(l.lines, line)
		l.mu.Unlock()
		if line == wire.TokenListImages && l.images != nil {
			if err := wire.WriteImageList(l.conn, l.images); err != nil {
				return
			}
		}
	}
}

func (l *lineRecorder) got() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func newWall(t *testing.T, size int, present map[int][]string) (*registry.Registry, map[int]*lineRecorder) {
	t.Helper()
	ids := []string{"a", "b", "c", "d"}
	entries := make(map[string]int)
	for i := 0; i < size; i++ {
		entries[ids[i]] = i
	}
	table, err := registry.NewIdentityTable(size, entries)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(table, nil)
	recs := make(map[int]*lineRecorder)
	for i, images := range present {
		server, client := net.Pipe()
		rec := &lineRecorder{conn: client, images: images, done: make(chan struct{})}
		if _, err := reg.Register(ids[i], server); err != nil {
			t.Fatal(err)
		}
		go rec.run()
		recs[i] = rec
	}
	t.Cleanup(func() {
		reg.CloseAll()
		for _, rec := range recs {
			rec.conn.Close()
			<-rec.done
		}
	})
	return reg, recs
}

func waitLines(t *testing.T, rec *lineRecorder, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if lines := rec.got(); len(lines) >= n {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, got %v", n, rec.got())
	return nil
}

func TestBroadcast_ReachesOccupiedSlots(t *testing.T) {
	reg, recs := newWall(t, 3, map[int][]string{0: nil, 2: nil})
	b := New(reg, time.Second, nil)

	res := b.Broadcast(context.Background(), wire.TokenIncrease)
	if !reflect.DeepEqual(res.Sent, []int{0, 2}) || len(res.Failed) != 0 {
		t.Fatalf("result = %+v", res)
	}
	for _, i := range []int{0, 2} {
		if lines := waitLines(t, recs[i], 1); lines[0] != "increase" {
			t.Errorf("slot %d got %v", i, lines)
		}
	}
}

func TestBroadcast_FailureIsolated(t *testing.T) {
	reg, recs := newWall(t, 2, map[int][]string{0: nil, 1: nil})
	recs[1].conn.Close()
	<-recs[1].done
	b := New(reg, time.Second, nil)

	res := b.Broadcast(context.Background(), "SHOW_IMAGE:logo")
	if !reflect.DeepEqual(res.Sent, []int{0}) || !reflect.DeepEqual(res.Failed, []int{1}) {
		t.Fatalf("result = %+v", res)
	}
	if reg.Slots()[1] != nil {
		t.Error("failed slot should be vacated")
	}
	if lines := waitLines(t, recs[0], 1); lines[0] != "SHOW_IMAGE:logo" {
		t.Errorf("slot 0 got %v", lines)
	}
}

func TestBroadcast_CancelledContext(t *testing.T) {
	reg, _ := newWall(t, 1, map[int][]string{0: nil})
	b := New(reg, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := b.Broadcast(ctx, "increase"); len(res.Sent) != 0 {
		t.Fatalf("sent on cancelled context: %+v", res)
	}
}

func TestCollectImages(t *testing.T) {
	reg, _ := newWall(t, 3, map[int][]string{
		0: {"logo", "sunset", "text"},
		1: {"sunset", "logo"},
		2: nil, // never answers
	})
	b := New(reg, time.Second, nil)

	answers := b.CollectImages(context.Background(), 200*time.Millisecond)
	if len(answers) != 2 {
		t.Fatalf("answers = %v, want two responders", answers)
	}
	if got := Common(answers); !reflect.DeepEqual(got, []string{"logo", "sunset"}) {
		t.Fatalf("Common = %v", got)
	}
}

func TestCommon(t *testing.T) {
	if got := Common(nil); len(got) != 0 {
		t.Errorf("Common(nil) = %v", got)
	}
	got := Common(map[int][]string{0: {"a", "a", "b"}, 1: {"a"}})
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Common = %v", got)
	}
	if got := Common(map[int][]string{0: {}, 1: {"a"}}); len(got) != 0 {
		t.Errorf("Common with an empty answer = %v", got)
	}
}
