package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/vulnscan/pkg/checkpoint"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "vulnscan %s (commit %s, %s, checkpoint format v%d)\n",
				version, commit, runtime.Version(), checkpoint.FormatVersion)
		},
	}
}
