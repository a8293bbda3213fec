package transfer

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/metrics"
)

// Report summarizes a delivery.
type Report struct {
	ID          string        `json:"transfer_id"`
	Kind        Kind          `json:"kind"`
	Name        string        `json:"name,omitempty"`
	Bytes       int           `json:"bytes"`
	Attempts    map[int]int   `json:"attempts"`
	Acked       []int         `json:"acked"`
	Missing     []int         `json:"missing"`
	Skipped     []int         `json:"skipped"`
	RetryRounds int           `json:"retry_rounds"`
	Duration    time.Duration `json:"duration_ns"`

	attempted map[int]struct{}
	skipped   map[int]struct{}
}

func newReport(job Job) Report {
	return Report{
		ID:        job.ID,
		Kind:      job.Kind,
		Name:      job.Name,
		Bytes:     len(job.Payload),
		Attempts:  make(map[int]int),
		attempted: make(map[int]struct{}),
		skipped:   make(map[int]struct{}),
	}
}

func (r *Report) absorb(outcomes map[int]Outcome) {
	for slot, outcome := range outcomes {
		if outcome == OutcomeSkipped {
			if _, tried := r.attempted[slot]; !tried {
				r.skipped[slot] = struct{}{}
			}
			continue
		}
		r.Attempts[slot]++
		r.attempted[slot] = struct{}{}
		delete(r.skipped, slot)
	}
}

func (r *Report) attemptedSlots() []int {
	out := make([]int, 0, len(r.attempted))
	for slot := range r.attempted {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}

func (r *Report) finish(tracker *AckTracker, start time.Time) {
	attempted := r.attemptedSlots()
	r.Missing = tracker.Missing(attempted)
	r.Acked = make([]int, 0, len(attempted))
	for _, slot := range attempted {
		if tracker.Acked(slot) {
			r.Acked = append(r.Acked, slot)
		}
	}
	r.Skipped = make([]int, 0, len(r.skipped))
	for slot := range r.skipped {
		r.Skipped = append(r.Skipped, slot)
	}
	sort.Ints(r.Skipped)
	r.Duration = time.Since(start)
}

// Complete reports whether every attempted slot acknowledged.
func (r Report) Complete() bool {
	return len(r.Missing) == 0
}

// Retrier repeats rounds for slots that have not acknowledged.
type Retrier struct {
	exec      *Executor
	maxRounds int
	logger    *slog.Logger
}

// NewRetrier creates a retrier allowing maxRounds rounds after the first.
// A negative value selects DefaultRetryRounds.
func NewRetrier(exec *Executor, maxRounds int, logger *slog.Logger) *Retrier {
	if maxRounds < 0 {
		maxRounds = DefaultRetryRounds
	}
	return &Retrier{
		exec:      exec,
		maxRounds: maxRounds,
		logger:    logging.Component(logger, "retry"),
	}
}

// Deliver runs the initial round and then up to maxRounds retry rounds,
// each restricted to the slots still missing an ACK. Slots still missing
// afterwards are reported, not treated as an error.
func (r *Retrier) Deliver(ctx context.Context, job Job, targets map[int]Range) Report {
	start := time.Now()
	tracker := NewAckTracker()
	report := newReport(job)
	report.absorb(r.exec.Round(ctx, job, targets, tracker))

	for round := 1; round <= r.maxRounds; round++ {
		missing := tracker.Missing(report.attemptedSlots())
		if len(missing) == 0 {
			break
		}
		if ctx.Err() != nil {
			r.logger.Warn("retry aborted", "transfer_id", job.ID, "error", ctx.Err())
			break
		}
		r.logger.Info("retrying unacknowledged slots", "transfer_id", job.ID, "round", round, "slots", missing)
		retryTargets := make(map[int]Range, len(missing))
		for _, slot := range missing {
			retryTargets[slot] = targets[slot]
		}
		metrics.RecordRetryRound()
		report.RetryRounds++
		report.absorb(r.exec.Round(ctx, job, retryTargets, tracker))
	}

	report.finish(tracker, start)
	if len(report.Missing) > 0 {
		metrics.RecordUndelivered(len(report.Missing))
		r.logger.Warn("delivery incomplete", "transfer_id", job.ID, "missing", report.Missing, "retry_rounds", report.RetryRounds)
	} else {
		r.logger.Info("delivery complete", "transfer_id", job.ID, "acked", len(report.Acked), "skipped", report.Skipped, "retry_rounds", report.RetryRounds)
	}
	return report
}
