// Command vulnscan scans a package inventory against vulnerability sources
// and writes the findings to a CSV report, resuming interrupted scans from
// checkpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/vulnscan/pkg/scan"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitHalted      = 3
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and maps the outcome to an exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var usage *usageError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintln(stderr, "Error:", err)
		return exitUsage
	case scan.Classify(err) == scan.KindInterrupted:
		fmt.Fprintln(stderr, "Scan interrupted; run again with --resume to continue.")
		return exitInterrupted
	case scan.Classify(err) == scan.KindCorruption:
		fmt.Fprintln(stderr, "Error:", err)
		return exitHalted
	default:
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}
}

// usageError marks invalid flag combinations.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}
