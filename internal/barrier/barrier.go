// Package barrier synchronizes rendering across displays with a READY/GO
// rendezvous followed by the SHOW_TEMP and CLEAR_BUFFER trailer.
package barrier

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/panelcast/internal/broadcast"
	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/metrics"
	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/wire"
)

const (
	DefaultDeadline    = 15 * time.Second
	DefaultPollTimeout = time.Second
)

// State is a barrier phase.
type State int

const (
	StateInit State = iota
	StateReadySent
	StateWaitingGo
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReadySent:
		return "READY_SENT"
	case StateWaitingGo:
		return "WAITING_GO"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Result describes one barrier run.
type Result struct {
	Ready      []int         `json:"ready"`
	GoReceived []int         `json:"go_received"`
	MissingGo  []int         `json:"missing_go"`
	Trailer    []string      `json:"trailer"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	State      string        `json:"state"`
}

// Options configures the coordinator. Zero values select the defaults.
type Options struct {
	Deadline    time.Duration
	PollTimeout time.Duration
}

// Coordinator runs the barrier over the registry's occupied slots.
type Coordinator struct {
	slots  broadcast.SlotSource
	bcast  *broadcast.Broadcaster
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a coordinator.
func New(slots broadcast.SlotSource, bcast *broadcast.Broadcaster, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	return &Coordinator{
		slots:  slots,
		bcast:  bcast,
		opts:   opts,
		logger: logging.Component(logger, "barrier"),
	}
}

// State returns the phase of the current or last run.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) enter(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("barrier state", "state", s.String())
}

// Run broadcasts READY, waits for GO from every occupied slot until the
// deadline, then always broadcasts SHOW_TEMP and CLEAR_BUFFER. It never
// fails and never waits past the deadline.
func (c *Coordinator) Run(ctx context.Context) Result {
	start := time.Now()
	c.enter(StateInit)

	ready := c.bcast.Broadcast(ctx, wire.TokenReady)
	c.enter(StateReadySent)

	deadline := start.Add(c.opts.Deadline)
	c.enter(StateWaitingGo)
	received := c.awaitGo(ctx, ready.Sent, deadline)

	missing := make([]int, 0)
	for _, idx := range ready.Sent {
		if _, ok := received[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	goSlots := make([]int, 0, len(received))
	for idx := range received {
		goSlots = append(goSlots, idx)
	}
	sort.Ints(goSlots)

	if len(missing) > 0 {
		c.logger.Warn("slots never sent GO", "slots", missing, "deadline", c.opts.Deadline)
	}

	// The trailer goes out regardless of ctx so displays never keep a
	// half-shown buffer.
	trailerCtx := context.WithoutCancel(ctx)
	c.bcast.Broadcast(trailerCtx, wire.TokenShowTemp)
	c.bcast.Broadcast(trailerCtx, wire.TokenClearBuffer)
	c.enter(StateDone)

	elapsed := time.Since(start)
	metrics.RecordBarrier(elapsed, len(missing))
	c.logger.Info("barrier done", "go", len(goSlots), "missing", len(missing), "elapsed", elapsed)

	return Result{
		Ready:      ready.Sent,
		GoReceived: goSlots,
		MissingGo:  missing,
		Trailer:    []string{wire.TokenShowTemp, wire.TokenClearBuffer},
		Elapsed:    elapsed,
		State:      StateDone.String(),
	}
}

// awaitGo reads from each slot in its own goroutine with short per-read
// timeouts until GO, the deadline or ctx cancellation.
func (c *Coordinator) awaitGo(ctx context.Context, indices []int, deadline time.Time) map[int]struct{} {
	received := make(map[int]struct{})
	slots := c.slots.Slots()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, idx := range indices {
		if idx >= len(slots) || slots[idx] == nil {
			continue
		}
		wg.Add(1)
		go func(slot *registry.Slot) {
			defer wg.Done()
			if c.pollGo(ctx, slot, deadline) {
				mu.Lock()
				received[slot.Index] = struct{}{}
				mu.Unlock()
			}
		}(slots[idx])
	}
	wg.Wait()
	return received
}

func (c *Coordinator) pollGo(ctx context.Context, slot *registry.Slot, deadline time.Time) bool {
	stop := context.AfterFunc(ctx, slot.Interrupt)
	defer stop()

	for ctx.Err() == nil && time.Now().Before(deadline) {
		readUntil := time.Now().Add(c.opts.PollTimeout)
		if readUntil.After(deadline) {
			readUntil = deadline
		}
		token, err := slot.ReadReply(readUntil, wire.TokenGo)
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			c.slots.Vacate(slot, "transport", err)
			c.logger.Warn("GO read failed", "slot", slot.Index, "identity", slot.Identity, "error", err)
			return false
		}
		if token == wire.TokenGo {
			c.logger.Debug("GO received", "slot", slot.Index, "identity", slot.Identity)
			return true
		}
		c.logger.Debug("ignoring line while waiting for GO", "slot", slot.Index, "line", token)
	}
	return false
}
