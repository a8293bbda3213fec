package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/panelcast/internal/barrier"
	"github.com/sheerbytes/panelcast/internal/config"
	"github.com/sheerbytes/panelcast/internal/console"
	"github.com/sheerbytes/panelcast/internal/control"
	"github.com/sheerbytes/panelcast/internal/dispatch"
	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/payload"
	"github.com/sheerbytes/panelcast/internal/quictransport"
	"github.com/sheerbytes/panelcast/internal/registry"
	"github.com/sheerbytes/panelcast/internal/transfer"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		console.Flush()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(console.Stdout(), serverVersion)
		console.Flush()
		return
	}
	cfg := config.ParseServerConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(console.Stderr(), "error:", err)
		console.Flush()
		os.Exit(2)
	}
	logger := logging.NewWithWriter(console.Stderr(), "panelcastd", cfg.LogLevel)

	err := run(cfg, logger)
	if err != nil {
		logger.Error("server failed", "error", err)
	}
	console.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := config.LoadSlotTable(cfg.SlotTable, cfg.Slots)
	if err != nil {
		return err
	}
	reg := registry.New(table, logger)
	defer func() {
		closed := reg.CloseAll()
		logger.Info("display connections closed", "closed", closed)
	}()

	store, err := payload.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var renderer payload.Renderer
	if cfg.TextCommand != "" {
		r, err := payload.NewCommandRenderer(cfg.TextCommand, store)
		if err != nil {
			return err
		}
		renderer = r
	}

	ln, err := listen(cfg, logger)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info("waiting for displays", "addr", ln.Addr().String(), "transport", cfg.Transport,
		"slots", table.Size(), "wait", cfg.AcceptWait)

	d := dispatch.New(reg, store, dispatch.Options{
		Transfer: transfer.Options{
			SegmentAckTimeout: cfg.AckTimeout,
			LoadAckTimeout:    cfg.LoadAckTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		RetryRounds: cfg.RetryRounds,
		Barrier:     barrier.Options{Deadline: cfg.BarrierDeadline},
		AcceptWait:  cfg.AcceptWait,
		Renderer:    renderer,
		Listener:    ln,
	}, logger)

	popCtx, cancel := context.WithTimeout(ctx, cfg.AcceptWait)
	registered, err := reg.Populate(popCtx, ln)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("initial population finished", "registered", registered, "occupied", reg.Occupied(), "slots", reg.Size())

	errCh := make(chan error, 1)
	controlDone := make(chan struct{})
	if cfg.ControlAddr != "" {
		srv := control.New(d, reg, cfg.CommandRate, cfg.CommandBurst, logger)
		go func() {
			defer close(controlDone)
			if err := srv.ListenAndServe(ctx, cfg.ControlAddr); err != nil {
				errCh <- fmt.Errorf("control server: %w", err)
				stop()
			}
		}()
	} else {
		close(controlDone)
	}

	if cfg.Console {
		c := console.New(d, os.Stdin, console.Stdout(), logger)
		if err := c.Run(ctx); err != nil {
			logger.Warn("console stopped", "error", err)
		}
		stop()
	} else {
		<-ctx.Done()
	}

	select {
	case <-controlDone:
	case <-time.After(10 * time.Second):
		logger.Warn("control server did not stop in time")
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func listen(cfg config.ServerConfig, logger *slog.Logger) (registry.Listener, error) {
	switch cfg.Transport {
	case "quic":
		ln, err := quictransport.Listen(cfg.Addr, logger)
		if err != nil {
			return nil, err
		}
		return ln, nil
	case "tcp":
		ln, err := registry.ListenTCP(cfg.Addr)
		if err != nil {
			return nil, err
		}
		return ln, nil
	default:
		return nil, errors.New("unknown transport " + cfg.Transport)
	}
}

func printServerUsage() {
	fmt.Fprintln(console.Stderr(), "usage: panelcastd [flags]")
	fmt.Fprintln(console.Stderr(), "  -addr ADDR              display listener address (default :5000)")
	fmt.Fprintln(console.Stderr(), "  -transport tcp|quic     display transport (default tcp)")
	fmt.Fprintln(console.Stderr(), "  -slots N                number of displays in the wall (default 10)")
	fmt.Fprintln(console.Stderr(), "  -slot-table FILE        YAML identity-to-slot table")
	fmt.Fprintln(console.Stderr(), "  -db FILE                SQLite image database (default panelcast.db)")
	fmt.Fprintln(console.Stderr(), "  -text-command CMD       renderer used by TEXT")
	fmt.Fprintln(console.Stderr(), "  -control-addr ADDR      HTTP control address (default :8080, empty disables)")
	fmt.Fprintln(console.Stderr(), "  -accept-wait D          how long to wait for displays (default 30s)")
	fmt.Fprintln(console.Stderr(), "  -console=false          do not read commands from stdin")
	fmt.Fprintln(console.Stderr(), "  -log-level LEVEL        debug, info, warn, error")
	fmt.Fprintln(console.Stderr(), "environment: PANELCAST_ADDR, PANELCAST_TRANSPORT, PANELCAST_SLOTS, ...")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" || arg == "-help" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-version" {
			return true
		}
	}
	return false
}
