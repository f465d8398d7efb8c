package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const ProgramName = "toolgate-fuzz"

// errFailuresFound makes the process exit non-zero without printing usage.
var errFailuresFound = errors.New("harness found crashes or timeouts")

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   ProgramName,
		Short: "Adversarial resilience harness for the tool gateway",
		Long: `Generates a deterministic corpus of hostile tool invocations and drives it
through the ingress guard, the response normalizer and the dispatcher.

Every case must end in a well-formed success or a structured rejection.
Any crash or timeout makes the run fail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCmd())
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errFailuresFound) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", ProgramName, err)
		}
		os.Exit(1)
	}
}
