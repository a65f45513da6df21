// Command extauthd runs the extensible authentication subsystem as a
// standalone HTTP service, per spec §9's deployment shape: a single process
// serving the endpoints of spec §6 over HTTP(S), a telemetry listener
// exposing Prometheus metrics and health checks, and a background webhook
// dispatcher.
//
// Structured as a single "serve" subcommand following the teacher's
// cmd/dex pattern (cmd/dex/main.go + cmd/dex/serve.go), since this service
// has no multi-command surface analogous to dex's "serve"/"version" split
// beyond what cobra gives us for free.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "extauthd",
		Short:         "extauthd runs the extensible authentication subsystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(commandServe())
	return cmd
}
