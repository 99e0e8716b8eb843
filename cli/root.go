// Package cli implements the canadapter command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vehiclelink/canadapter/bus"
	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/j1939tp"
	"github.com/vehiclelink/canadapter/logrecorder"
)

var (
	// Global flags.
	cfgFile    string
	connection string
	srcAddr    uint8
	destAddr   uint8
	timeout    time.Duration
	logDir     string
	verbose    bool

	// Shared state set during PersistentPreRunE.
	cfg      *Config
	logger   *slog.Logger
	recorder *logrecorder.Recorder
)

var rootCmd = &cobra.Command{
	Use:   "canadapter",
	Short: "CAN/J1939 adapter toolbox: dump, request, record, replay and serve bus traffic",
	Long: `canadapter talks to a vehicle network through one of the supported
adapter backends (RP1210 vendor drivers, SLCAN serial adapters, Linux
SocketCAN, or the built-in simulator) and multiplexes it to the
subcommands: live dumping, J1939 PGN requests, transport-protocol
transfers, capture files and a WebSocket live stream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = DefaultPath()
		}
		var err error
		cfg, err = LoadConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Flags override the config file.
		flags := cmd.Root().PersistentFlags()
		if flags.Changed("connection") {
			cfg.Connection = connection
		}
		if flags.Changed("address") {
			cfg.SourceAddress = srcAddr
		}
		if flags.Changed("da") {
			cfg.DestinationAddress = destAddr
		}
		if flags.Changed("timeout") {
			cfg.TimeoutMs = int(timeout / time.Millisecond)
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		if logDir != "" {
			recorder, logger, err = logrecorder.New(logDir, "canadapter_", level)
			if err != nil {
				return err
			}
			recorder.RotateEvery(5 * time.Minute)
		} else {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if recorder != nil {
			recorder.Close()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openBus opens the configured backend and wraps it in a bus. The raw
// driver is returned alongside for backend-specific tweaks; the bus owns
// it either way.
func openBus() (*bus.Bus, driver.Driver, error) {
	opts := driver.DefaultOptions()
	opts.SourceAddress = cfg.SourceAddress
	opts.DestinationAddress = cfg.DestinationAddress
	opts.Timeout = cfg.Timeout()
	opts.Logger = logger

	drv, err := driver.Open(cfg.Connection, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.Connection, err)
	}
	logger.Info("adapter opened", "connection", cfg.Connection, "address", fmt.Sprintf("%02X", drv.Address()))
	return bus.New(drv, bus.Config{Logger: logger}), drv, nil
}

// openEngine opens the bus with the transport protocol engine on top.
func openEngine() (*j1939tp.Engine, *bus.Bus, error) {
	b, _, err := openBus()
	if err != nil {
		return nil, nil, err
	}
	ecfg := j1939tp.DefaultConfig()
	ecfg.SourceAddress = cfg.SourceAddress
	ecfg.Logger = logger
	if err := ecfg.Validate(); err != nil {
		b.Close()
		return nil, nil, err
	}
	return j1939tp.New(b, ecfg), b, nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ~/.canadapter/config.yaml)")
	flags.StringVarP(&connection, "connection", "c", "sim", "connection descriptor: sim, slcan:<dev>:<kbps>, socketcan:<iface>, rp1210:<api>:<devid>")
	flags.Uint8Var(&srcAddr, "address", 0xF9, "our J1939 source address")
	flags.Uint8Var(&destAddr, "da", 0xFF, "default destination address")
	flags.DurationVar(&timeout, "timeout", 2*time.Second, "request timeout")
	flags.StringVar(&logDir, "log-dir", "", "write logs to timestamped files under this directory")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
