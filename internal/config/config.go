package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "PANELCAST_"

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr            string        // display listener address
	Transport       string        // tcp or quic
	Slots           int           // number of display slots
	SlotTable       string        // YAML identity table; empty selects the built-in table
	DBPath          string        // SQLite payload database
	TextCommand     string        // external renderer for TEXT; empty forwards TEXT to displays
	ControlAddr     string        // HTTP control surface; empty disables it
	CommandRate     float64       // control commands per second
	CommandBurst    int           // control command burst
	AcceptWait      time.Duration // initial and ACCEPT population window
	Console         bool          // read commands from stdin
	LogLevel        string
	AckTimeout      time.Duration
	LoadAckTimeout  time.Duration
	WriteTimeout    time.Duration
	BarrierDeadline time.Duration
	RetryRounds     int
}

// SimConfig holds configuration for the simulated display.
type SimConfig struct {
	Addr      string
	Transport string
	Bind      string   // local IP to dial from; its last component is the display identity
	Images    []string // image files preloaded into the local store, repeatable
	DropAcks  int
	SkipGo    bool
	LogLevel  string
}

// CtlConfig holds configuration for the control client.
type CtlConfig struct {
	ServerURL string
	LogLevel  string
	Command   string // command to run once; empty starts an interactive session
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:            ":5000",
		Transport:       "tcp",
		Slots:           10,
		DBPath:          "panelcast.db",
		ControlAddr:     ":8080",
		CommandRate:     5,
		CommandBurst:    10,
		AcceptWait:      30 * time.Second,
		Console:         true,
		LogLevel:        "info",
		AckTimeout:      10 * time.Second,
		LoadAckTimeout:  5 * time.Second,
		WriteTimeout:    30 * time.Second,
		BarrierDeadline: 15 * time.Second,
		RetryRounds:     2,
	}

	// Read from environment first
	envString("ADDR", &cfg.Addr)
	envString("TRANSPORT", &cfg.Transport)
	envInt("SLOTS", &cfg.Slots)
	envString("SLOT_TABLE", &cfg.SlotTable)
	envString("DB", &cfg.DBPath)
	envString("TEXT_COMMAND", &cfg.TextCommand)
	envString("CONTROL_ADDR", &cfg.ControlAddr)
	envFloat("COMMAND_RATE", &cfg.CommandRate)
	envInt("COMMAND_BURST", &cfg.CommandBurst)
	envDuration("ACCEPT_WAIT", &cfg.AcceptWait)
	envBool("CONSOLE", &cfg.Console)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envDuration("ACK_TIMEOUT", &cfg.AckTimeout)
	envDuration("LOAD_ACK_TIMEOUT", &cfg.LoadAckTimeout)
	envDuration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	envDuration("BARRIER_DEADLINE", &cfg.BarrierDeadline)
	envInt("RETRY_ROUNDS", &cfg.RetryRounds)

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "display listener address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "display transport (tcp, quic)")
	fs.IntVar(&cfg.Slots, "slots", cfg.Slots, "number of display slots")
	fs.StringVar(&cfg.SlotTable, "slot-table", cfg.SlotTable, "YAML identity-to-slot table")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite image database")
	fs.StringVar(&cfg.TextCommand, "text-command", cfg.TextCommand, "command that renders TEXT messages into the database")
	fs.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "HTTP control address (empty to disable)")
	fs.Float64Var(&cfg.CommandRate, "command-rate", cfg.CommandRate, "control commands per second")
	fs.IntVar(&cfg.CommandBurst, "command-burst", cfg.CommandBurst, "control command burst")
	fs.DurationVar(&cfg.AcceptWait, "accept-wait", cfg.AcceptWait, "how long to wait for displays to connect")
	fs.BoolVar(&cfg.Console, "console", cfg.Console, "read commands from stdin")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "segment ACK timeout")
	fs.DurationVar(&cfg.LoadAckTimeout, "load-ack-timeout", cfg.LoadAckTimeout, "LOAD_IMAGE ACK timeout")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-write deadline")
	fs.DurationVar(&cfg.BarrierDeadline, "barrier-deadline", cfg.BarrierDeadline, "how long to wait for GO")
	fs.IntVar(&cfg.RetryRounds, "retry-rounds", cfg.RetryRounds, "retry rounds after the first send")
	fs.Parse(args)

	cfg.Transport = strings.ToLower(cfg.Transport)
	if cfg.RetryRounds < 0 {
		cfg.RetryRounds = 0
	}
	return cfg
}

// Validate reports settings the server cannot start with.
func (c ServerConfig) Validate() error {
	if c.Transport != "tcp" && c.Transport != "quic" {
		return fmt.Errorf("unknown transport %q (want tcp or quic)", c.Transport)
	}
	if c.Slots < 1 {
		return fmt.Errorf("slots must be at least 1, got %d", c.Slots)
	}
	if c.CommandRate <= 0 || c.CommandBurst < 1 {
		return fmt.Errorf("command rate and burst must be positive, got %v/%d", c.CommandRate, c.CommandBurst)
	}
	return nil
}

// ParseSimConfig parses simulated display configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseSimConfig() SimConfig {
	return parseSimConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseSimConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSimConfigWithFlagSet(fs *flag.FlagSet, args []string) SimConfig {
	cfg := SimConfig{
		Addr:      "127.0.0.1:5000",
		Transport: "tcp",
		Images:    []string{},
		LogLevel:  "info",
	}

	envString("SERVER_ADDR", &cfg.Addr)
	envString("TRANSPORT", &cfg.Transport)
	envString("BIND", &cfg.Bind)
	envString("LOG_LEVEL", &cfg.LogLevel)

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server display address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic)")
	fs.StringVar(&cfg.Bind, "bind", cfg.Bind, "local IP to dial from, e.g. 127.0.0.161")
	fs.IntVar(&cfg.DropAcks, "drop-acks", 0, "number of payload ACKs to withhold")
	fs.BoolVar(&cfg.SkipGo, "skip-go", false, "never answer READY with GO")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	// Handle repeatable --image flag
	images := make([]string, 0)
	fs.Var((*stringSlice)(&images), "image", "image file to preload (repeatable)")

	fs.Parse(args)

	if len(images) > 0 {
		cfg.Images = images
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	return cfg
}

// ParseCtlConfig parses control client configuration from flags and environment variables.
// Flags take precedence over environment variables. Remaining arguments form the command.
func ParseCtlConfig() CtlConfig {
	return parseCtlConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseCtlConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseCtlConfigWithFlagSet(fs *flag.FlagSet, args []string) CtlConfig {
	cfg := CtlConfig{
		ServerURL: "http://localhost:8080",
		LogLevel:  "warn",
	}

	envString("SERVER_URL", &cfg.ServerURL)
	envString("LOG_LEVEL", &cfg.LogLevel)

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "control server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	cfg.Command = strings.Join(fs.Args(), " ")
	return cfg
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
