package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dynport/internal/config"
	"github.com/mmr-tortoise/dynport/internal/port"
)

// NewScanCommand creates the "scan" command.
func NewScanCommand() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Find ports in the range that are bound on this host",
		Long: `Try to bind every port of the range and report the ones already in use.

Ports that are bound on the host but recorded as free in the state file are
reported as conflicts: a plain "pick" could hand them out. Use --probe host
on pick to skip them.

Examples:
  dynport scan --start 3000 --end 3100
  dynport scan --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), cmd.OutOrStdout(), cfg, port.NewScanner(host))
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Address to test binds on (default: all interfaces)")
	return cmd
}

// scanResult is the JSON output of the scan command.
type scanResult struct {
	Occupied  []int `json:"occupied"`
	Conflicts []int `json:"conflicts"`
}

func runScan(ctx context.Context, w io.Writer, cfg config.Config, scanner *port.Scanner) error {
	cfg.Probe = config.ProbeNone
	s, err := openOneShot(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	candidates := make([]int, 0, cfg.Range.End-cfg.Range.Start+1)
	for p := cfg.Range.Start; p <= cfg.Range.End; p++ {
		candidates = append(candidates, p)
	}
	VerboseLog("scanning %d ports", len(candidates))

	occupied, err := scanner.Occupied(ctx, candidates)
	if err != nil {
		return fmt.Errorf("scan interrupted: %w", err)
	}

	res := scanResult{Occupied: []int{}, Conflicts: []int{}}
	free := s.alloc.ListFreePorts()
	for _, p := range occupied {
		res.Occupied = append(res.Occupied, p)
		if _, found := slices.BinarySearch(free, p); found {
			res.Conflicts = append(res.Conflicts, p)
		}
	}

	if IsJSONOutput() {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "Occupied:  %s\n", FormatPorts(res.Occupied))
	_, err = fmt.Fprintf(w, "Conflicts: %s\n", FormatPorts(res.Conflicts))
	return err
}
