package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTextImageName is the name a text render is stored under.
const DefaultTextImageName = "text"

// CommandRenderer runs an external program with the message as its last
// argument; the program stores the rendered buffer, which is then read
// back from Source under Name.
type CommandRenderer struct {
	Command []string
	Source  Source
	Name    string
	Timeout time.Duration
}

// NewCommandRenderer parses a whitespace-separated command line.
func NewCommandRenderer(commandLine string, source Source) (*CommandRenderer, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("empty render command")
	}
	if source == nil {
		return nil, errors.New("render command needs a payload source")
	}
	return &CommandRenderer{
		Command: fields,
		Source:  source,
		Name:    DefaultTextImageName,
		Timeout: 30 * time.Second,
	}, nil
}

// Render runs the command and returns the stored payload.
func (r *CommandRenderer) Render(ctx context.Context, text string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	args := append(append([]string(nil), r.Command[1:]...), text)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("failed to render text: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("failed to render text: %w", err)
	}
	name := r.Name
	if name == "" {
		name = DefaultTextImageName
	}
	return r.Source.Lookup(ctx, name)
}
