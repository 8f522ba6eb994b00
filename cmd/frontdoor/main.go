// Command frontdoor serves every application under a root directory, one
// sandboxed process per request.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// options carries the global flags shared by subcommands.
type options struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "frontdoor",
		Short: "Serve host-routed applications from a directory",
		Long: `frontdoor maps the first label of each request's host name to an
application under a root directory. Applications are TypeScript, JavaScript
or WebAssembly handlers run in a fresh sandbox process per request, or
static sites with an index.html.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newSandboxCmd())
	rootCmd.AddCommand(newTokenCmd(opts))
	rootCmd.AddCommand(newCronCmd(opts))
	return rootCmd
}
