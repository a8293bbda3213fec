// Package console runs operator commands typed on a terminal.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sheerbytes/panelcast/internal/dispatch"
	"github.com/sheerbytes/panelcast/internal/logging"
)

const prompt = "panelcast> "

// Executor runs one command line.
type Executor interface {
	Execute(ctx context.Context, line string) (dispatch.Result, error)
}

// Console reads command lines from in and writes results to out.
type Console struct {
	exec   Executor
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// New creates a console.
func New(exec Executor, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	return &Console{
		exec:   exec,
		in:     in,
		out:    out,
		logger: logging.Component(logger, "console"),
	}
}

// Run executes lines until input ends, QUIT or EXIT is entered, or ctx
// ends. Command failures are printed, not returned.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprint(c.out, prompt)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			switch strings.ToUpper(line) {
			case "":
			case "QUIT", "EXIT":
				c.logger.Debug("console closed by operator")
				return nil
			default:
				res, err := c.exec.Execute(ctx, line)
				fmt.Fprintln(c.out, Format(res, err))
			}
			fmt.Fprint(c.out, prompt)
		}
	}
}

// Format renders a command outcome for a terminal.
func Format(res dispatch.Result, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	if res.Command == "" {
		return res.Message
	}
	var b strings.Builder
	status := "ok"
	if !res.OK {
		status = "incomplete"
	}
	fmt.Fprintf(&b, "%s %s: %s", res.Command, status, res.Message)
	switch {
	case res.Command == dispatch.CmdList:
		for _, name := range res.Images {
			fmt.Fprintf(&b, "\n  %s", name)
		}
	case res.Command == dispatch.CmdStatus:
		for _, s := range res.Slots {
			state := "vacant"
			if s.Occupied {
				state = "occupied by " + s.Identity
			}
			fmt.Fprintf(&b, "\n  slot %d (%s): %s", s.Index, s.ExpectedIdentity, state)
		}
	case res.Transfer != nil && len(res.Transfer.Missing) > 0:
		missing, _ := json.Marshal(res.Transfer.Missing)
		fmt.Fprintf(&b, "\n  missing slots: %s", missing)
	}
	return b.String()
}
