// Package broadcast fans one-line commands out to every occupied slot.
package broadcast

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/metrics"
	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/wire"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultListTimeout  = 5 * time.Second
)

// SlotSource is the part of the registry the broadcaster needs.
type SlotSource interface {
	Slots() []*registry.Slot
	Vacate(s *registry.Slot, reason string, cause error) bool
}

// Result lists which slots a line reached.
type Result struct {
	Line   string `json:"line"`
	Sent   []int  `json:"sent"`
	Failed []int  `json:"failed"`
}

// Broadcaster writes lines to all displays without waiting for replies.
type Broadcaster struct {
	slots        SlotSource
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a broadcaster. A non-positive writeTimeout selects the default.
func New(slots SlotSource, writeTimeout time.Duration, logger *slog.Logger) *Broadcaster {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Broadcaster{
		slots:        slots,
		writeTimeout: writeTimeout,
		logger:       logging.Component(logger, "broadcast"),
	}
}

// Broadcast writes line to every occupied slot in parallel. Failures are
// logged and the failing slot is vacated; nothing is retried.
func (b *Broadcaster) Broadcast(ctx context.Context, line string) Result {
	res := Result{Line: line, Sent: make([]int, 0), Failed: make([]int, 0)}
	if err := ctx.Err(); err != nil {
		b.logger.Warn("broadcast skipped", "line", line, "error", err)
		return res
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, slot := range b.slots.Slots() {
		if slot == nil {
			continue
		}
		wg.Add(1)
		go func(slot *registry.Slot) {
			defer wg.Done()
			err := slot.SendLine(line, b.writeTimeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, slot.Index)
				metrics.RecordBroadcastFailure()
				b.logger.Warn("broadcast write failed", "slot", slot.Index, "identity", slot.Identity, "line", line, "error", err)
				b.slots.Vacate(slot, "transport", err)
				return
			}
			res.Sent = append(res.Sent, slot.Index)
		}(slot)
	}
	wg.Wait()

	sort.Ints(res.Sent)
	sort.Ints(res.Failed)
	b.logger.Debug("broadcast done", "line", line, "sent", len(res.Sent), "failed", len(res.Failed))
	return res
}

// CollectImages asks every display for its local image names and returns
// the answers by slot. Displays that do not answer within timeout are
// left out.
func (b *Broadcaster) CollectImages(ctx context.Context, timeout time.Duration) map[int][]string {
	if timeout <= 0 {
		timeout = DefaultListTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	answers := make(map[int][]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, slot := range b.slots.Slots() {
		if slot == nil {
			continue
		}
		wg.Add(1)
		go func(slot *registry.Slot) {
			defer wg.Done()
			if err := slot.SendLine(wire.TokenListImages, b.writeTimeout); err != nil {
				b.logger.Warn("LIST_IMAGES write failed", "slot", slot.Index, "error", err)
				b.slots.Vacate(slot, "transport", err)
				return
			}
			stop := context.AfterFunc(ctx, slot.Interrupt)
			defer stop()
			names, err := slot.ReadImageList(deadline)
			if err != nil {
				if wire.IsTimeout(err) {
					b.logger.Warn("no image list before timeout", "slot", slot.Index, "identity", slot.Identity)
					return
				}
				b.logger.Warn("image list read failed", "slot", slot.Index, "error", err)
				b.slots.Vacate(slot, "transport", err)
				return
			}
			mu.Lock()
			answers[slot.Index] = names
			mu.Unlock()
		}(slot)
	}
	wg.Wait()
	return answers
}

// Common returns the names present in every answer, sorted.
// An empty answer set yields no names.
func Common(answers map[int][]string) []string {
	out := make([]string, 0)
	if len(answers) == 0 {
		return out
	}
	counts := make(map[string]int)
	for _, names := range answers {
		seen := make(map[string]struct{}, len(names))
		for _, name := range names {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			counts[name]++
		}
	}
	for name, n := range counts {
		if n == len(answers) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
