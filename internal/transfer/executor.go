// Package transfer delivers payloads to display slots: one concurrent
// send-and-acknowledge round at a time, with bounded retries.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/metrics"
	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/wire"
)

const (
	DefaultSegmentAckTimeout = 10 * time.Second
	DefaultLoadAckTimeout    = 5 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultRetryRounds       = 2
)

// Kind selects the header a job is sent with.
type Kind string

const (
	KindSegment Kind = "segment"
	KindLoad    Kind = "load"
)

// Outcome is the per-slot result of one round.
type Outcome string

const (
	OutcomeAcked    Outcome = "acked"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeSkipped  Outcome = "skipped"
)

// Job is one payload delivery.
type Job struct {
	ID      string
	Kind    Kind
	Name    string
	Payload []byte
}

// NewJob creates a job with a fresh transfer id.
func NewJob(kind Kind, name string, payload []byte) Job {
	return Job{
		ID:      uuid.NewString(),
		Kind:    kind,
		Name:    name,
		Payload: payload,
	}
}

func (j Job) frame(r Range) (wire.Header, []byte) {
	if j.Kind == KindLoad {
		return wire.LoadImageHeader(j.Name, len(j.Payload)), j.Payload
	}
	return wire.SegmentHeader(r.Offset, r.Length), j.Payload[r.Offset:r.End()]
}

// SegmentTargets assigns slot i the i-th range of Plan(length, n).
func SegmentTargets(length, n int) map[int]Range {
	targets := make(map[int]Range, n)
	for i, r := range Plan(length, n) {
		targets[i] = r
	}
	return targets
}

// FullTargets assigns every slot the whole payload. The slots come from
// Plan(length, n), which must cover the payload.
func FullTargets(length, n int) (map[int]Range, error) {
	plan := Plan(length, n)
	if err := Verify(plan, length); err != nil {
		return nil, fmt.Errorf("failed to plan full load: %w", err)
	}
	targets := make(map[int]Range, len(plan))
	for i := range plan {
		targets[i] = Range{Offset: 0, Length: length}
	}
	return targets, nil
}

// SlotSource is the part of the registry the executor needs.
type SlotSource interface {
	Slots() []*registry.Slot
	Vacate(s *registry.Slot, reason string, cause error) bool
}

// Options configures timeouts. Zero values select the defaults.
type Options struct {
	SegmentAckTimeout time.Duration
	LoadAckTimeout    time.Duration
	WriteTimeout      time.Duration
}

func (o Options) normalize() Options {
	if o.SegmentAckTimeout <= 0 {
		o.SegmentAckTimeout = DefaultSegmentAckTimeout
	}
	if o.LoadAckTimeout <= 0 {
		o.LoadAckTimeout = DefaultLoadAckTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Executor runs send-and-acknowledge rounds.
type Executor struct {
	slots  SlotSource
	opts   Options
	logger *slog.Logger
}

// NewExecutor creates an executor over slots.
func NewExecutor(slots SlotSource, opts Options, logger *slog.Logger) *Executor {
	return &Executor{
		slots:  slots,
		opts:   opts.normalize(),
		logger: logging.Component(logger, "transfer"),
	}
}

func (e *Executor) ackTimeout(kind Kind) time.Duration {
	if kind == KindLoad {
		return e.opts.LoadAckTimeout
	}
	return e.opts.SegmentAckTimeout
}

// Round sends job to every target slot concurrently and waits for all
// workers. Vacant slots are skipped. A worker error never affects its
// siblings.
func (e *Executor) Round(ctx context.Context, job Job, targets map[int]Range, tracker *AckTracker) map[int]Outcome {
	slots := e.slots.Slots()
	outcomes := make(map[int]Outcome, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, idx := range sortedSlots(targets) {
		r := targets[idx]
		if idx < 0 || idx >= len(slots) || slots[idx] == nil {
			e.logger.Info("no display for slot, skipping", "transfer_id", job.ID, "slot", idx)
			outcomes[idx] = OutcomeSkipped
			metrics.RecordAttempt(string(job.Kind), string(OutcomeSkipped), 0)
			continue
		}
		if r.Offset < 0 || r.Length < 0 || r.End() > len(job.Payload) {
			e.logger.Error("range outside payload", "transfer_id", job.ID, "slot", idx, "offset", r.Offset, "length", r.Length, "payload", len(job.Payload))
			outcomes[idx] = OutcomeFailed
			continue
		}

		wg.Add(1)
		go func(slot *registry.Slot, r Range) {
			defer wg.Done()
			outcome, sent := e.deliver(ctx, job, slot, r, tracker)
			metrics.RecordAttempt(string(job.Kind), string(outcome), sent)
			mu.Lock()
			outcomes[slot.Index] = outcome
			mu.Unlock()
		}(slots[idx], r)
	}

	wg.Wait()
	return outcomes
}

func (e *Executor) deliver(ctx context.Context, job Job, slot *registry.Slot, r Range, tracker *AckTracker) (Outcome, int) {
	h, body := job.frame(r)
	start := time.Now()
	if err := slot.Send(h, body, e.opts.WriteTimeout); err != nil {
		// A partially written frame leaves the stream unusable.
		e.slots.Vacate(slot, "transport", err)
		e.logger.Warn("send failed", "transfer_id", job.ID, "slot", slot.Index, "identity", slot.Identity, "error", err)
		return OutcomeFailed, 0
	}
	elapsed := time.Since(start)
	e.logger.Debug("frame sent", "transfer_id", job.ID, "slot", slot.Index, "header", h.String(), "bytes", len(body), "elapsed", elapsed)

	deadline := time.Now().Add(e.ackTimeout(job.Kind))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, slot.Interrupt)
	defer stop()

	for {
		token, err := slot.ReadReply(deadline, wire.TokenAck)
		if err != nil {
			if wire.IsTimeout(err) {
				e.logger.Warn("no ACK before timeout", "transfer_id", job.ID, "slot", slot.Index, "identity", slot.Identity)
				return OutcomeTimedOut, len(body)
			}
			e.slots.Vacate(slot, "transport", err)
			e.logger.Warn("ACK read failed", "transfer_id", job.ID, "slot", slot.Index, "identity", slot.Identity, "error", err)
			return OutcomeFailed, len(body)
		}
		if token == wire.TokenAck {
			tracker.MarkAcked(slot.Index)
			e.logger.Debug("ACK received", "transfer_id", job.ID, "slot", slot.Index)
			return OutcomeAcked, len(body)
		}
		e.logger.Debug("ignoring line while waiting for ACK", "transfer_id", job.ID, "slot", slot.Index, "line", token)
	}
}

// Run performs a single round and reports it. It is the delivery path
// for full loads, which never retry.
func (e *Executor) Run(ctx context.Context, job Job, targets map[int]Range) Report {
	start := time.Now()
	tracker := NewAckTracker()
	report := newReport(job)
	report.absorb(e.Round(ctx, job, targets, tracker))
	report.finish(tracker, start)
	return report
}

func sortedSlots(targets map[int]Range) []int {
	out := make([]int, 0, len(targets))
	for idx := range targets {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
