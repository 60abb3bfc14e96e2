package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/cli-tools/pgtap"
)

// fetchConcurrency bounds parallel downloads.
const fetchConcurrency = 4

func newFetchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [VERSION...]",
		Short: "Download and extract versions into the cache",
		Long: `Download and extract PostgreSQL distributions so later starts work
offline. Without arguments the default version is fetched.`,
		Example: `  pgtap fetch
  pgtap fetch 14 15 16`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := newManager(v)
			if err != nil {
				return err
			}
			defer m.Close()

			if len(args) == 0 {
				args = []string{""}
			}
			dists := make([]pgtap.Distribution, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(fetchConcurrency)
			var mu sync.Mutex
			for i, ver := range args {
				i, ver := i, ver
				g.Go(func() error {
					d, err := m.Fetch(ctx, ver)
					if err != nil {
						if ver == "" {
							return err
						}
						return fmt.Errorf("fetch %s: %w", ver, err)
					}
					mu.Lock()
					dists[i] = d
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			for _, d := range dists {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", d.Version, d.Platform, d.Root)
			}
			return nil
		},
	}
}
