// Package registry keeps the fixed-size table of connected displays.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/metrics"
)

// DefaultProbeTimeout bounds each liveness probe.
const DefaultProbeTimeout = 200 * time.Millisecond

var (
	ErrUnmappedIdentity = errors.New("unmapped identity")
	ErrNoListener       = errors.New("no listener configured")
)

// SlotStatus describes one position of the table.
type SlotStatus struct {
	Index            int    `json:"slot"`
	ExpectedIdentity string `json:"expected_identity,omitempty"`
	Identity         string `json:"identity,omitempty"`
	Occupied         bool   `json:"occupied"`
}

// Registry manages display slots in a thread-safe manner.
// A new registration for an occupied index replaces the previous occupant.
type Registry struct {
	mu     sync.RWMutex
	table  *IdentityTable
	slots  []*Slot
	logger *slog.Logger
}

// New creates an empty registry sized by table.
func New(table *IdentityTable, logger *slog.Logger) *Registry {
	return &Registry{
		table:  table,
		slots:  make([]*Slot, table.Size()),
		logger: logging.Component(logger, "registry"),
	}
}

// Size returns N.
func (r *Registry) Size() int { return r.table.Size() }

// Table returns the identity table.
func (r *Registry) Table() *IdentityTable { return r.table }

// Register installs conn at the slot mapped to identity. Unmapped
// identities are rejected and their connection is closed.
func (r *Registry) Register(identity string, conn Conn) (int, error) {
	index, ok := r.table.Lookup(identity)
	if !ok {
		_ = conn.Close()
		metrics.RecordRegistration(false)
		r.logger.Warn("rejected unmapped identity", "identity", identity)
		return -1, fmt.Errorf("%w: %q", ErrUnmappedIdentity, identity)
	}

	slot := newSlot(index, identity, conn)
	r.mu.Lock()
	old := r.slots[index]
	r.slots[index] = slot
	occupied := r.occupiedLocked()
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
		metrics.RecordVacated("replaced")
		r.logger.Info("replaced slot occupant", "slot", index, "identity", identity)
	}
	metrics.RecordRegistration(true)
	metrics.SetConnectedSlots(occupied)
	r.logger.Info("display registered", "slot", index, "identity", identity, "occupied", occupied)
	return index, nil
}

// Slots returns a view of length N with nil at vacant positions.
func (r *Registry) Slots() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Occupied returns the number of occupied slots.
func (r *Registry) Occupied() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.occupiedLocked()
}

func (r *Registry) occupiedLocked() int {
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Full reports whether every slot is occupied.
func (r *Registry) Full() bool {
	return r.Occupied() == r.Size()
}

// Vacate closes s and empties its position if s is still the occupant.
func (r *Registry) Vacate(s *Slot, reason string, cause error) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	if r.slots[s.Index] != s {
		r.mu.Unlock()
		return false
	}
	r.slots[s.Index] = nil
	occupied := r.occupiedLocked()
	r.mu.Unlock()

	_ = s.Close()
	metrics.RecordVacated(reason)
	metrics.SetConnectedSlots(occupied)
	r.logger.Warn("slot vacated", "slot", s.Index, "identity", s.Identity, "reason", reason, "error", cause)
	return true
}

// PruneDead probes every occupied slot and vacates the dead ones.
// Returns the removed indices in ascending order.
func (r *Registry) PruneDead(timeout time.Duration) []int {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	slots := r.Slots()
	dead := make([]bool, len(slots))

	var wg sync.WaitGroup
	for i, s := range slots {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func(i int, s *Slot) {
			defer wg.Done()
			if err := s.probe(timeout); err != nil {
				if r.Vacate(s, "prune", err) {
					dead[i] = true
				}
			}
		}(i, s)
	}
	wg.Wait()

	removed := make([]int, 0)
	for i, d := range dead {
		if d {
			removed = append(removed, i)
		}
	}
	return removed
}

// CloseAll closes and vacates every slot. Returns how many were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	closing := make([]*Slot, 0, len(r.slots))
	for i, s := range r.slots {
		if s != nil {
			closing = append(closing, s)
			r.slots[i] = nil
		}
	}
	r.mu.Unlock()

	for _, s := range closing {
		_ = s.Close()
		metrics.RecordVacated("disconnect")
		r.logger.Info("closed display connection", "slot", s.Index, "identity", s.Identity)
	}
	metrics.SetConnectedSlots(0)
	return len(closing)
}

// Status describes every position of the table.
func (r *Registry) Status() []SlotStatus {
	slots := r.Slots()
	out := make([]SlotStatus, len(slots))
	for i, s := range slots {
		expected, _ := r.table.IdentityFor(i)
		out[i] = SlotStatus{Index: i, ExpectedIdentity: expected}
		if s != nil {
			out[i].Occupied = true
			out[i].Identity = s.Identity
		}
	}
	return out
}

// Listener yields display connections together with the peer address.
type Listener interface {
	Accept(ctx context.Context) (Conn, net.Addr, error)
	Addr() net.Addr
	Close() error
}

// Populate accepts connections until every slot is occupied or ctx ends.
// Rejected identities do not stop the pass. It returns the number of
// displays registered during the pass; ctx expiry is not an error.
func (r *Registry) Populate(ctx context.Context, ln Listener) (int, error) {
	if ln == nil {
		return 0, ErrNoListener
	}
	registered := 0
	for !r.Full() {
		conn, addr, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				r.logger.Info("population pass ended", "registered", registered, "occupied", r.Occupied(), "reason", err)
				return registered, nil
			}
			return registered, fmt.Errorf("failed to accept display: %w", err)
		}
		identity := IdentityFromAddr(addr)
		r.logger.Debug("display connected", "addr", addr, "identity", identity)
		if _, err := r.Register(identity, conn); err != nil {
			continue
		}
		registered++
	}
	r.logger.Info("all slots occupied", "registered", registered, "slots", r.Size())
	return registered, nil
}
