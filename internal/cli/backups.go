package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dynport/internal/port"
	"github.com/mmr-tortoise/dynport/internal/store"
)

// NewBackupsCommand creates the "backups" command group.
func NewBackupsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect state file backups",
		Long: `Inspect the backups written next to the state file.

A backup is taken before every overwrite of the state file. Corrupt state
files are moved aside as "corrupt" backups instead of being deleted.

Examples:
  dynport backups list
  dynport backups show dynamic_ports_20260314_150926.json > restore.json`,
	}
	cmd.AddCommand(
		inspectCommand("list", "List backups, oldest first", func(w io.Writer, a *port.Allocator) error {
			backups, err := a.ListBackups()
			if err != nil {
				return asCLIError("failed to list backups", err)
			}
			return printBackups(w, backups)
		}),
		newBackupShowCommand(),
	)
	return cmd
}

func newBackupShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print the content of one backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runInspect(cmd.Context(), cmd.OutOrStdout(), cfg, func(w io.Writer, a *port.Allocator) error {
				data, err := a.FetchBackup(args[0])
				if err != nil {
					return asCLIError(fmt.Sprintf("backup %q not available", args[0]), err)
				}
				_, err = w.Write(data)
				return err
			})
		},
	}
}

func printBackups(w io.Writer, backups []store.Backup) error {
	if IsJSONOutput() {
		if backups == nil {
			backups = []store.Backup{}
		}
		return writeJSON(w, map[string][]store.Backup{"backups": backups})
	}
	if len(backups) == 0 {
		_, err := fmt.Fprintln(w, "No backups found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTAKEN\tKIND")
	for _, b := range backups {
		kind := "backup"
		if b.Corrupt {
			kind = "corrupt"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Name, formatTime(b.Taken), kind)
	}
	return tw.Flush()
}
