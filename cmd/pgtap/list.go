package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cli-tools/pgtap"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached distributions and server workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := newManager(v)
			if err != nil {
				return err
			}
			defer m.Close()

			entries, err := m.Entries()
			if err != nil {
				return fmt.Errorf("list cache: %w", err)
			}
			workspaces, err := m.Workspaces()
			if err != nil {
				return fmt.Errorf("list workspaces: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache: %s\n", m.CacheDir())
			if len(entries) == 0 {
				fmt.Fprintln(out, "No cached distributions.")
			} else {
				printEntries(out, entries)
			}
			fmt.Fprintf(out, "\nWorkspaces: %s\n", m.WorkDir())
			if len(workspaces) == 0 {
				fmt.Fprintln(out, "No workspaces found.")
			} else {
				printWorkspaces(out, workspaces)
			}
			return nil
		},
	}
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(headers)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func printEntries(w io.Writer, entries []pgtap.CacheEntry) {
	t := newTable(w, "key", "state", "path")
	for _, e := range entries {
		t.Append([]string{e.Key, e.State, e.Path})
	}
	t.Render()
}

func printWorkspaces(w io.Writer, workspaces []pgtap.Workspace) {
	t := newTable(w, "id", "owner", "status", "created", "path")
	for _, ws := range workspaces {
		status := "orphaned"
		if ws.Alive {
			status = "alive"
		}
		owner := "-"
		if ws.OwnerPID > 0 {
			owner = strconv.Itoa(ws.OwnerPID)
		}
		created := "-"
		if !ws.Created.IsZero() {
			created = ws.Created.Format(time.DateTime)
		}
		t.Append([]string{ws.ID, owner, status, created, ws.Root})
	}
	t.Render()
}
