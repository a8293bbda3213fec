package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sheerbytes/panelcast/internal/config"
	"github.com/sheerbytes/panelcast/internal/display"
	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/internal/quictransport"
)

const simVersion = "v0.1.0"

const reconnectDelay = 2 * time.Second

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printSimUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(simVersion)
		return
	}
	cfg := config.ParseSimConfig()
	logger := logging.New("panelsim", cfg.LogLevel)

	images, err := loadImages(cfg.Images)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := display.Options{DropAcks: cfg.DropAcks, SkipGo: cfg.SkipGo, Images: images}
	for {
		err := serveOnce(ctx, cfg, opts, logger)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("display session ended", "error", err)
		} else {
			logger.Info("server closed the connection")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func serveOnce(ctx context.Context, cfg config.SimConfig, opts display.Options, logger *slog.Logger) error {
	conn, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("connected", "addr", cfg.Addr, "transport", cfg.Transport, "bind", cfg.Bind)
	return display.New(conn, opts, logger).Serve(ctx)
}

func dial(ctx context.Context, cfg config.SimConfig, logger *slog.Logger) (io.ReadWriteCloser, error) {
	switch cfg.Transport {
	case "quic":
		conn, err := quictransport.Dial(ctx, cfg.Addr, cfg.Bind, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case "tcp":
		return display.DialTCP(ctx, cfg.Addr, cfg.Bind)
	default:
		return nil, errors.New("unknown transport " + cfg.Transport)
	}
}

// loadImages reads image files into a name-keyed store. The name is the
// file's base name without its extension.
func loadImages(paths []string) (map[string][]byte, error) {
	images := make(map[string][]byte, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		base := filepath.Base(path)
		images[strings.TrimSuffix(base, filepath.Ext(base))] = data
	}
	return images, nil
}

func printSimUsage() {
	fmt.Fprintln(os.Stderr, "usage: panelsim [flags]")
	fmt.Fprintln(os.Stderr, "  -addr ADDR            server address (default 127.0.0.1:5000)")
	fmt.Fprintln(os.Stderr, "  -transport tcp|quic   transport (default tcp)")
	fmt.Fprintln(os.Stderr, "  -bind IP              local IP to connect from, e.g. 127.0.0.161")
	fmt.Fprintln(os.Stderr, "  -image FILE           preload an image (repeatable)")
	fmt.Fprintln(os.Stderr, "  -drop-acks N          swallow the first N acknowledgements")
	fmt.Fprintln(os.Stderr, "  -skip-go              never answer READY")
	fmt.Fprintln(os.Stderr, "  -log-level LEVEL      debug, info, warn, error")
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
