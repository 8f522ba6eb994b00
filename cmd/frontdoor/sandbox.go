package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/frontdoor/sandbox/guest"
	"github.com/tomyedwab/frontdoor/sandbox/host"
	"github.com/tomyedwab/frontdoor/wire"
)

// newSandboxCmd is the guest side of an execution. The host starts it with
// the composed application environment, so it reads no configuration.
func newSandboxCmd() *cobra.Command {
	var maxMessageBytes int
	cmd := &cobra.Command{
		Use:    "sandbox",
		Short:  "Run one request inside a sandbox (started by serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			guest.Main(maxMessageBytes)
		},
	}
	cmd.Flags().IntVar(&maxMessageBytes, strings.TrimPrefix(host.MaxMessageBytesFlag, "--"), wire.DefaultMaxMessageBytes, "largest message the sandbox may send")
	return cmd
}
