package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dccfetch/dccfetch/internal/config"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 1
	exitFetchFailed = 2
)

type options struct {
	configPath string
	search     string
	fetch      string
	tui        bool
	stream     string
	verbose    bool
}

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "dccfetch",
		Short: "Fetch a resource from an IRC channel, or search local listings",
		Long: `dccfetch asks an IRC channel for a resource and accepts the first DCC
offer whose filename matches the request. Every step is printed as an event.

Without --fetch it searches the listing files in resource_file_path instead
and prints every matching line.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	f.StringVar(&opts.search, "search", "", "Search the resource listings for this term")
	f.StringVar(&opts.fetch, "fetch", "", "Request this resource and accept a matching offer")
	f.BoolVar(&opts.tui, "tui", false, "Show a live view of the fetch instead of event lines")
	f.StringVar(&opts.stream, "stream", "", "Serve the event stream on host:port (overrides config)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	if opts.stream != "" {
		if err := cfg.SetStreamAddr(opts.stream); err != nil {
			return &exitError{code: exitConfigError, err: err}
		}
	}

	mode := config.ModeSearch
	if opts.fetch != "" {
		mode = config.ModeFetch
	}
	if err := cfg.Validate(mode); err != nil {
		return &exitError{code: exitConfigError, err: fmt.Errorf("invalid config %s: %w", opts.configPath, err)}
	}

	// The live view owns the terminal.
	logger := zap.NewNop()
	if !(mode == config.ModeFetch && opts.tui) {
		logger, err = newLogger(cfg.Log, opts.verbose)
		if err != nil {
			return &exitError{code: exitConfigError, err: err}
		}
	}
	defer func() { _ = logger.Sync() }()

	if mode == config.ModeFetch {
		return runFetch(cmd, cfg, opts, logger)
	}
	return runSearch(cmd, cfg, opts.search, logger)
}

func newLogger(cfg config.LogConfig, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfigError
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}
