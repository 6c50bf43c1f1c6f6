package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dynport/internal/config"
	"github.com/mmr-tortoise/dynport/internal/logging"
	"github.com/mmr-tortoise/dynport/internal/model"
	"github.com/mmr-tortoise/dynport/internal/port"
)

// inspectCommand builds a read-only command that opens the allocator and
// prints part of its state.
func inspectCommand(use, short string, show func(w io.Writer, a *port.Allocator) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runInspect(cmd.Context(), cmd.OutOrStdout(), cfg, show)
		},
	}
}

func runInspect(ctx context.Context, w io.Writer, cfg config.Config, show func(io.Writer, *port.Allocator) error) error {
	// Inspection never picks, so no probe is needed.
	cfg.Probe = config.ProbeNone
	s, err := openOneShot(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return show(w, s.alloc)
}

// NewStateCommand creates the "state" command.
func NewStateCommand() *cobra.Command {
	return inspectCommand("state", "Show the allocator state", printState)
}

// NewFreeCommand creates the "free" command.
func NewFreeCommand() *cobra.Command {
	return inspectCommand("free", "List free ports", func(w io.Writer, a *port.Allocator) error {
		return printPorts(w, "free_ports", a.ListFreePorts())
	})
}

// NewUsedCommand creates the "used" command.
func NewUsedCommand() *cobra.Command {
	return inspectCommand("used", "List allocated ports", func(w io.Writer, a *port.Allocator) error {
		return printPorts(w, "used_ports", a.ListUsedPorts())
	})
}

// NewHistoryCommand creates the "history" command.
func NewHistoryCommand() *cobra.Command {
	return inspectCommand("history", "Show the pick history", func(w io.Writer, a *port.Allocator) error {
		return printHistory(w, a.ListHistory())
	})
}

func printState(w io.Writer, a *port.Allocator) error {
	st := a.State()
	if IsJSONOutput() {
		return writeJSON(w, st)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Range:\t%d-%d\n", st.Settings.Start(), st.Settings.End())
	fmt.Fprintf(tw, "State file:\t%s\n", st.Settings.StatePath)
	fmt.Fprintf(tw, "Current port:\t%s\n", formatOptionalPort(st.CurrentPort))
	fmt.Fprintf(tw, "Free:\t%s\n", logging.SummarizePorts(st.FreePorts))
	fmt.Fprintf(tw, "Used:\t%s\n", FormatPorts(st.UsedPorts))
	fmt.Fprintf(tw, "Changes:\t%d\n", st.ChangeCount)
	fmt.Fprintf(tw, "Last checked:\t%s\n", formatTime(st.LastChecked))
	if st.LastError != nil {
		fmt.Fprintf(tw, "Last error:\t%s (%s)\n", *st.LastError, formatTime(derefTime(st.LastErrorTime)))
	}
	return tw.Flush()
}

func printPorts(w io.Writer, key string, ports []int) error {
	if IsJSONOutput() {
		if ports == nil {
			ports = []int{}
		}
		return writeJSON(w, map[string][]int{key: ports})
	}
	_, err := fmt.Fprintln(w, FormatPorts(ports))
	return err
}

// printHistory prints history entries, oldest first.
//
//	TIME                  PREVIOUS  NEW
//	2026-03-14 15:09:26   -         3000
//	2026-03-14 15:10:02   3000      3001
func printHistory(w io.Writer, history []model.HistoryEntry) error {
	if IsJSONOutput() {
		if history == nil {
			history = []model.HistoryEntry{}
		}
		return writeJSON(w, map[string][]model.HistoryEntry{"history": history})
	}
	if len(history) == 0 {
		_, err := fmt.Fprintln(w, "No history.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPREVIOUS\tNEW")
	for _, h := range history {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", formatTime(h.Timestamp), formatOptionalPort(h.PreviousPort), h.NewPort)
	}
	return tw.Flush()
}

// FormatPorts renders an ascending port list compactly, collapsing
// consecutive runs. Returns "-" for an empty list.
//
//	[3000 3001 3002 3005] -> "3000-3002,3005"
func FormatPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	var b strings.Builder
	for i := 0; i < len(ports); {
		j := i
		for j+1 < len(ports) && ports[j+1] == ports[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(ports[i]))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(ports[j]))
		}
		i = j + 1
	}
	return b.String()
}

func formatOptionalPort(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
