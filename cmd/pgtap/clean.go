package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCleanCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove workspaces left behind by processes that died",
		Long: `Stop servers whose owning process is gone and delete their workspaces.
Workspaces of live processes and the binary cache are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := newManager(v)
			if err != nil {
				return err
			}
			defer m.Close()

			removed, err := m.Clean()
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned workspace(s).\n", removed)
			return err
		},
	}
}
