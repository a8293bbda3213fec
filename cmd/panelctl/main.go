package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sheerbytes/panelcast/internal/config"
	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/wsclient"
	"github.com/sheerbytes/panelcast/pkg/protocol"
)

const ctlVersion = "v0.1.0"

// commandTimeout covers the slowest command, a SEND with retries and the
// GO barrier.
const commandTimeout = 5 * time.Minute

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printCtlUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(ctlVersion)
		return
	}
	cfg := config.ParseCtlConfig()
	logger := logging.NewWithWriter(os.Stderr, "panelctl", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := wsclient.Dial(ctx, cfg.ServerURL, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	if cfg.Command != "" {
		ok := runCommand(ctx, conn, cfg.Command, os.Stdout, logger)
		conn.Close()
		if !ok {
			os.Exit(1)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("panelctl> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToUpper(line) {
		case "":
		case "QUIT", "EXIT":
			return
		default:
			runCommand(ctx, conn, line, os.Stdout, logger)
		}
		if ctx.Err() != nil {
			return
		}
		fmt.Print("panelctl> ")
	}
}

// runCommand sends one line and prints the reply. It reports whether the
// command completed.
func runCommand(ctx context.Context, conn *wsclient.Conn, line string, out io.Writer, logger *slog.Logger) bool {
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	reply, err := conn.Command(cmdCtx, line)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return false
	}
	logger.Debug("reply received", "type", reply.Type, "msg_id", reply.MsgID)
	text, ok := formatReply(reply)
	fmt.Fprintln(out, text)
	return ok
}

func formatReply(reply protocol.Envelope) (string, bool) {
	switch reply.Type {
	case protocol.TypeError:
		var e protocol.Error
		if err := reply.DecodePayload(&e); err != nil {
			return "error: " + err.Error(), false
		}
		if e.Code == protocol.CodeUsage {
			return e.Message, false
		}
		return fmt.Sprintf("error (%s): %s", e.Code, e.Message), false
	case protocol.TypeResult:
		var res protocol.Result
		if err := reply.DecodePayload(&res); err != nil {
			return "error: " + err.Error(), false
		}
		status := "ok"
		if !res.OK {
			status = "incomplete"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s: %s", res.Command, status, res.Message)
		for _, name := range res.Images {
			fmt.Fprintf(&b, "\n  %s", name)
		}
		return b.String(), res.OK
	default:
		return "unexpected reply type " + reply.Type, false
	}
}

func printCtlUsage() {
	fmt.Fprintln(os.Stderr, "usage: panelctl [flags] [COMMAND ARGS...]")
	fmt.Fprintln(os.Stderr, "  -server-url URL     control server (default http://localhost:8080)")
	fmt.Fprintln(os.Stderr, "  -log-level LEVEL    debug, info, warn, error")
	fmt.Fprintln(os.Stderr, "without a command, lines are read from stdin")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
