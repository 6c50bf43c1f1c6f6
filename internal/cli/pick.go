package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dynport/internal/config"
	"github.com/mmr-tortoise/dynport/internal/model"
)

// NewPickCommand creates the "pick" command.
func NewPickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pick",
		Short: "Allocate the lowest free port",
		Long: `Allocate the lowest free port in the range and print it.

The port stays allocated after dynport exits, until it is released with
"dynport release <port>".

Examples:
  PORT=$(dynport pick)
  dynport pick --start 4000 --end 4099 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runPick(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func runPick(ctx context.Context, w io.Writer, cfg config.Config) error {
	s, err := openOneShot(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	p, err := s.alloc.PickPort(ctx)
	if err != nil {
		return asCLIError("failed to pick a port", err)
	}
	if last := s.alloc.State().LastError; last != nil {
		VerboseLog("pick completed with warning: %s", *last)
	}

	if IsJSONOutput() {
		return writeJSON(w, map[string]int{"port": p})
	}
	_, err = fmt.Fprintln(w, p)
	return err
}

// NewReleaseCommand creates the "release" command.
func NewReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release [port]",
		Short: "Release an allocated port",
		Long: `Return a port to the free pool.

Without an argument the most recently picked port (current_port in the state
file) is released. Releasing a port that is not allocated is a no-op.

Examples:
  dynport release 3004
  dynport release`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *int
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < model.MinPort || n > model.MaxPort {
					return model.NewCLIError(model.ExitInvalidConfig, fmt.Sprintf("invalid port %q", args[0]))
				}
				target = &n
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runRelease(cmd.Context(), cmd.OutOrStdout(), cfg, target)
		},
	}
}

// releaseResult is the JSON output of the release command.
type releaseResult struct {
	Port     *int `json:"port"`
	Released bool `json:"released"`
}

// runRelease releases target, or the state's current port when target is nil.
func runRelease(ctx context.Context, w io.Writer, cfg config.Config, target *int) error {
	s, err := openOneShot(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	res := releaseResult{Port: target}
	if res.Port == nil {
		res.Port = s.alloc.State().CurrentPort
	}
	if res.Port != nil {
		res.Released, err = s.alloc.ReleaseSpecific(ctx, *res.Port)
		if err != nil {
			return asCLIError(fmt.Sprintf("failed to release port %d", *res.Port), err)
		}
	}

	if IsJSONOutput() {
		return writeJSON(w, res)
	}
	switch {
	case res.Port == nil:
		_, err = fmt.Fprintln(w, "No port to release.")
	case res.Released:
		_, err = fmt.Fprintf(w, "Released %d\n", *res.Port)
	default:
		_, err = fmt.Fprintf(w, "Port %d was not allocated\n", *res.Port)
	}
	return err
}
