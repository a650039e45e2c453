package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/vulnscan/pkg/cache"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the shared lookup cache in Redis",
	}
	cmd.AddCommand(newCachePurgeCmd(a))
	return cmd
}

func newCachePurgeCmd(a *app) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove cached lookup results so the next scan queries the sources again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.Redis.Enabled() {
				return errors.New("the lookup cache needs redis.addr to be configured")
			}

			rc, err := a.openRedis(cmd.Context())
			if err != nil {
				return err
			}
			defer rc.Close()

			removed, err := cache.NewManager(rc).Purge(cmd.Context(), source)
			if err != nil {
				return err
			}

			scope := "all sources"
			if source != "" {
				scope = source
			}
			fmt.Fprintf(a.stdout, "Removed %d cached result(s) of %s\n", removed, scope)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "only purge results of this source (e.g. osv)")
	return cmd
}
