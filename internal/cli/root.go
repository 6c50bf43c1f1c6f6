// Package cli implements the cobra-based CLI commands for dynport.
//
// Each subcommand is defined in its own file within this package. This file
// defines the root command, the global flags and the error/exit-code
// handling shared by every subcommand.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dynport/internal/config"
	"github.com/mmr-tortoise/dynport/internal/logging"
	"github.com/mmr-tortoise/dynport/internal/model"
)

// Global flag variables shared across all subcommands. They are bound to
// persistent flags on the root command, which resets them to their defaults
// every time NewRootCommand runs.
var (
	// jsonOutput switches command output to JSON for machine consumption.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	configPath  string
	statePath   string
	rangeStart  int
	rangeEnd    int
	historyMax  int
	lockTimeout time.Duration
	probe       string
)

// logger is the process logger, configured in the root PersistentPreRunE.
var logger = zerolog.Nop()

// Version, Commit and Date are set at build time via ldflags, injected from
// the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root cobra command with every subcommand
// registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dynport",
		Short: "Dynamic TCP port allocator shared across processes",
		Long: `dynport hands out TCP ports from a configured range, lowest first.

Every process pointing at the same state file shares one pool: picks and
releases run under a cross-process file lock, so no two callers ever hold
the same port.

Configuration is layered: defaults < --config file < DYNPORT_* environment
variables < flags.`,

		// Errors are printed by Execute in text or JSON form.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(cmd.ErrOrStderr())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.StringVarP(&configPath, "config", "c", "", "Config file (.yaml, .yml, .json, .jsonc)")
	pf.StringVar(&statePath, "state", "", "State file path (default "+config.Default().StatePath+")")
	pf.IntVar(&rangeStart, "start", 0, "First port of the range")
	pf.IntVar(&rangeEnd, "end", 0, "Last port of the range")
	pf.IntVar(&historyMax, "history-max", 0, "Maximum pick history entries (0 disables history)")
	pf.DurationVar(&lockTimeout, "lock-timeout", 0, "Maximum wait for the state lock")
	pf.StringVar(&probe, "probe", "", "Occupancy probe: none, host or docker")

	rootCmd.AddCommand(NewPickCommand())
	rootCmd.AddCommand(NewReleaseCommand())
	rootCmd.AddCommand(NewStateCommand())
	rootCmd.AddCommand(NewFreeCommand())
	rootCmd.AddCommand(NewUsedCommand())
	rootCmd.AddCommand(NewHistoryCommand())
	rootCmd.AddCommand(NewBackupsCommand())
	rootCmd.AddCommand(NewScanCommand())
	rootCmd.AddCommand(NewServeCommand())

	return rootCmd
}

// Execute runs the root command and exits with the code matching the
// returned error.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		code := reportError(rootCmd.ErrOrStderr(), err)
		os.Exit(int(code))
	}
}

// reportError prints err and returns its exit code. CLIErrors carry their
// own code; anything else is classified by its sentinel.
func reportError(w io.Writer, err error) model.ExitCode {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		printError(w, cliErr.Message, cliErr.Err)
		return cliErr.Code
	}
	printError(w, err.Error(), nil)
	return model.ExitCodeFor(err)
}

// printError outputs an error message in the format selected by --json.
// Errors always go to stderr; stdout is reserved for command output.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{"message": message}
		if underlying != nil {
			errObj["detail"] = underlying.Error()
		}
		data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// setupLogger builds the process logger from the layered log settings. A
// broken config file is reported later by loadConfig, with its exit code.
func setupLogger(w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}
	level := cfg.Log.Level
	if verbose {
		level = zerolog.LevelDebugValue
	}
	l, err := logging.New(w, level, cfg.Log.Format)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidConfig, "invalid log settings", err)
	}
	logger = l
	return nil
}

// VerboseLog emits a debug line, visible with --verbose.
func VerboseLog(format string, args ...any) {
	logger.Debug().Msgf(format, args...)
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// loadConfig layers the flags the user actually set over config.Load and
// validates the result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, model.WrapCLIError(model.ExitInvalidConfig, "failed to load configuration", err)
	}

	flags := cmd.Flags()
	if flags.Changed("state") {
		cfg.StatePath = statePath
	}
	if flags.Changed("start") {
		cfg.Range.Start = rangeStart
	}
	if flags.Changed("end") {
		cfg.Range.End = rangeEnd
	}
	if flags.Changed("history-max") {
		cfg.HistoryMax = historyMax
	}
	if flags.Changed("lock-timeout") {
		cfg.LockTimeout = lockTimeout
	}
	if flags.Changed("probe") {
		cfg.Probe = probe
	}
	if verbose {
		cfg.Log.Level = zerolog.LevelDebugValue
	}

	if err := cfg.Validate(); err != nil {
		return cfg, model.WrapCLIError(model.ExitInvalidConfig, "invalid configuration", err)
	}
	VerboseLog("config: range %d-%d, state %s, probe %s", cfg.Range.Start, cfg.Range.End, cfg.StatePath, cfg.Probe)
	return cfg, nil
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
