// Package dispatch parses operator commands and runs them against the
// display wall, one command at a time.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sheerbytes/panelcast/internal/barrier"
	"github.com/sheerbytes/panelcast/internal/broadcast"
	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/metrics"
	"github.com/sheerbytes/panelcast/internal/payload"
	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/transfer"
	"github.com/sheerbytes/panelcast/internal/wire"
)

// Usage is returned for unknown or malformed commands.
const Usage = `commands:
  LIST                  list images stored on every display
  LOAD <name>           store an image on every display
  SEND <name>           split an image across the wall and show it
  SHOW <name>           show a stored image
  INCREASE | DECREASE   adjust brightness
  TEXT <message>        show a text message
  STATUS                show slot occupancy
  PRUNE                 drop dead connections
  ACCEPT [seconds]      accept displays into vacant slots
  DISCONNECT            close every display connection`

const DefaultAcceptWait = 30 * time.Second

// Command names.
const (
	CmdList       = "LIST"
	CmdLoad       = "LOAD"
	CmdSend       = "SEND"
	CmdShow       = "SHOW"
	CmdIncrease   = "INCREASE"
	CmdDecrease   = "DECREASE"
	CmdText       = "TEXT"
	CmdStatus     = "STATUS"
	CmdPrune      = "PRUNE"
	CmdAccept     = "ACCEPT"
	CmdDisconnect = "DISCONNECT"
)

// ResolveError reports that a command's payload could not be produced.
// No display I/O happens when it is returned.
type ResolveError struct {
	Name string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("failed to resolve payload %q: %v", e.Name, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Result is the outcome of one command.
type Result struct {
	Command    string                `json:"command"`
	OK         bool                  `json:"ok"`
	Message    string                `json:"message,omitempty"`
	Images     []string              `json:"images,omitempty"`
	Answers    map[int][]string      `json:"answers,omitempty"`
	Transfer   *transfer.Report      `json:"transfer,omitempty"`
	Barrier    *barrier.Result       `json:"barrier,omitempty"`
	Broadcast  *broadcast.Result     `json:"broadcast,omitempty"`
	Slots      []registry.SlotStatus `json:"slots,omitempty"`
	Pruned     []int                 `json:"pruned,omitempty"`
	Registered int                   `json:"registered,omitempty"`
	Closed     int                   `json:"closed,omitempty"`
}

// Options wires optional collaborators and timeouts.
type Options struct {
	Transfer         transfer.Options
	RetryRounds      int
	Barrier          barrier.Options
	BroadcastTimeout time.Duration
	ListTimeout      time.Duration
	ProbeTimeout     time.Duration
	AcceptWait       time.Duration

	// Renderer turns TEXT messages into payloads. Without it TEXT is
	// forwarded to the displays as a line.
	Renderer payload.Renderer
	// Listener serves ACCEPT.
	Listener registry.Listener
}

// Dispatcher executes commands serially.
type Dispatcher struct {
	mu sync.Mutex

	reg     *registry.Registry
	source  payload.Source
	exec    *transfer.Executor
	retrier *transfer.Retrier
	bcast   *broadcast.Broadcaster
	barrier *barrier.Coordinator
	opts    Options
	logger  *slog.Logger
}

// New creates a dispatcher over reg, resolving payloads from source.
func New(reg *registry.Registry, source payload.Source, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = broadcast.DefaultListTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = registry.DefaultProbeTimeout
	}
	if opts.AcceptWait <= 0 {
		opts.AcceptWait = DefaultAcceptWait
	}
	exec := transfer.NewExecutor(reg, opts.Transfer, logger)
	bcast := broadcast.New(reg, opts.BroadcastTimeout, logger)
	return &Dispatcher{
		reg:     reg,
		source:  source,
		exec:    exec,
		retrier: transfer.NewRetrier(exec, opts.RetryRounds, logger),
		bcast:   bcast,
		barrier: barrier.New(reg, bcast, opts.Barrier, logger),
		opts:    opts,
		logger:  logging.Component(logger, "dispatch"),
	}
}

// Execute parses and runs one command line. Unknown commands yield a
// usage result, not an error; payload failures yield a *ResolveError.
func (d *Dispatcher) Execute(ctx context.Context, line string) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	cmd, arg := splitCommand(line)
	res, err := d.execute(ctx, cmd, arg)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res.Command == "":
		status = "usage"
	case !res.OK:
		status = "failed"
	}
	if res.Command == "" {
		cmd = "unknown"
	}
	metrics.RecordCommand(cmd, status, time.Since(start))
	d.logger.Info("command finished", "command", cmd, "status", status, "duration", time.Since(start))
	return res, err
}

func (d *Dispatcher) execute(ctx context.Context, cmd, arg string) (Result, error) {
	switch cmd {
	case CmdList:
		return d.list(ctx), nil
	case CmdLoad:
		if arg == "" {
			return usage(), nil
		}
		return d.load(ctx, arg)
	case CmdSend:
		if arg == "" {
			return usage(), nil
		}
		return d.send(ctx, arg)
	case CmdShow:
		if arg == "" {
			return usage(), nil
		}
		return d.broadcast(ctx, CmdShow, wire.KindShowImage+":"+arg), nil
	case CmdIncrease:
		return d.broadcast(ctx, CmdIncrease, wire.TokenIncrease), nil
	case CmdDecrease:
		return d.broadcast(ctx, CmdDecrease, wire.TokenDecrease), nil
	case CmdText:
		if arg == "" {
			return usage(), nil
		}
		return d.text(ctx, arg)
	case CmdStatus:
		return d.status(), nil
	case CmdPrune:
		return d.prune(), nil
	case CmdAccept:
		wait := d.opts.AcceptWait
		if arg != "" {
			secs, err := strconv.Atoi(arg)
			if err != nil || secs <= 0 {
				return usage(), nil
			}
			wait = time.Duration(secs) * time.Second
		}
		return d.accept(ctx, wait)
	case CmdDisconnect:
		closed := d.reg.CloseAll()
		return Result{
			Command: CmdDisconnect,
			OK:      true,
			Closed:  closed,
			Message: fmt.Sprintf("closed %d display connection(s)", closed),
		}, nil
	default:
		return usage(), nil
	}
}

// splitCommand returns the upper-cased first token and the trimmed rest.
// Arguments containing line breaks are dropped so they cannot forge
// protocol lines.
func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	cmd, arg := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		cmd, arg = line[:i], strings.TrimSpace(line[i:])
	}
	if strings.ContainsAny(arg, "\r\n") {
		return "", ""
	}
	return strings.ToUpper(cmd), arg
}

func usage() Result {
	return Result{OK: false, Message: Usage}
}

func (d *Dispatcher) resolve(ctx context.Context, name string) ([]byte, error) {
	if d.source == nil {
		return nil, &ResolveError{Name: name, Err: payload.ErrNotFound}
	}
	data, err := d.source.Lookup(ctx, name)
	if err != nil {
		return nil, &ResolveError{Name: name, Err: err}
	}
	return data, nil
}

func (d *Dispatcher) list(ctx context.Context) Result {
	answers := d.bcast.CollectImages(ctx, d.opts.ListTimeout)
	common := broadcast.Common(answers)
	return Result{
		Command: CmdList,
		OK:      len(answers) > 0,
		Images:  common,
		Answers: answers,
		Message: fmt.Sprintf("%d image(s) common to %d display(s)", len(common), len(answers)),
	}
}

func (d *Dispatcher) load(ctx context.Context, name string) (Result, error) {
	data, err := d.resolve(ctx, name)
	if err != nil {
		return Result{Command: CmdLoad}, err
	}
	targets, err := transfer.FullTargets(len(data), d.reg.Size())
	if err != nil {
		return Result{Command: CmdLoad}, err
	}
	job := transfer.NewJob(transfer.KindLoad, name, data)
	report := d.exec.Run(ctx, job, targets)
	return Result{
		Command:  CmdLoad,
		OK:       report.Complete(),
		Transfer: &report,
		Message:  fmt.Sprintf("loaded %q on %d display(s), %d missing", name, len(report.Acked), len(report.Missing)),
	}, nil
}

func (d *Dispatcher) send(ctx context.Context, name string) (Result, error) {
	data, err := d.resolve(ctx, name)
	if err != nil {
		return Result{Command: CmdSend}, err
	}
	return d.sendPayload(ctx, CmdSend, name, data), nil
}

func (d *Dispatcher) sendPayload(ctx context.Context, cmd, name string, data []byte) Result {
	job := transfer.NewJob(transfer.KindSegment, name, data)
	report := d.retrier.Deliver(ctx, job, transfer.SegmentTargets(len(data), d.reg.Size()))
	rendezvous := d.barrier.Run(ctx)
	return Result{
		Command:  cmd,
		OK:       report.Complete() && len(rendezvous.MissingGo) == 0,
		Transfer: &report,
		Barrier:  &rendezvous,
		Message: fmt.Sprintf("sent %q: %d acked, %d missing, %d retry round(s), %d without GO",
			name, len(report.Acked), len(report.Missing), report.RetryRounds, len(rendezvous.MissingGo)),
	}
}

func (d *Dispatcher) text(ctx context.Context, msg string) (Result, error) {
	if d.opts.Renderer == nil {
		return d.broadcast(ctx, CmdText, wire.KindText+":"+msg), nil
	}
	data, err := d.opts.Renderer.Render(ctx, msg)
	if err != nil {
		return Result{Command: CmdText}, &ResolveError{Name: payload.DefaultTextImageName, Err: err}
	}
	return d.sendPayload(ctx, CmdText, payload.DefaultTextImageName, data), nil
}

func (d *Dispatcher) broadcast(ctx context.Context, cmd, line string) Result {
	res := d.bcast.Broadcast(ctx, line)
	return Result{
		Command:   cmd,
		OK:        len(res.Failed) == 0,
		Broadcast: &res,
		Message:   fmt.Sprintf("%s sent to %d display(s), %d failed", line, len(res.Sent), len(res.Failed)),
	}
}

func (d *Dispatcher) status() Result {
	slots := d.reg.Status()
	occupied := d.reg.Occupied()
	return Result{
		Command: CmdStatus,
		OK:      true,
		Slots:   slots,
		Message: fmt.Sprintf("%d of %d slot(s) occupied", occupied, len(slots)),
	}
}

func (d *Dispatcher) prune() Result {
	pruned := d.reg.PruneDead(d.opts.ProbeTimeout)
	return Result{
		Command: CmdPrune,
		OK:      true,
		Pruned:  pruned,
		Message: fmt.Sprintf("pruned %d dead display(s)", len(pruned)),
	}
}

func (d *Dispatcher) accept(ctx context.Context, wait time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	registered, err := d.reg.Populate(ctx, d.opts.Listener)
	if err != nil {
		return Result{Command: CmdAccept, Registered: registered}, err
	}
	return Result{
		Command:    CmdAccept,
		OK:         true,
		Registered: registered,
		Message:    fmt.Sprintf("registered %d display(s), %d of %d slot(s) occupied", registered, d.reg.Occupied(), d.reg.Size()),
	}, nil
}
