package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type globalFlags struct {
	dir         string
	server      string
	verbose     bool
	metricsAddr string
}

func main() {
	var g globalFlags
	root := &cobra.Command{
		Use:           "wd",
		Short:         "wingdesk: terminal client for a wingdesk assistant server",
		Long:          "Chat with the assistant, follow generated files, attach the remote terminal and watch agent presence.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.dir, "dir", "", "config directory (default ~/.wingdesk, or $WD_HOME)")
	root.PersistentFlags().StringVar(&g.server, "server", "", "server URL (overrides config)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&g.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	root.AddCommand(
		loginCmd(&g),
		logoutCmd(&g),
		chatCmd(&g),
		termCmd(&g),
		agentsCmd(&g),
		filesCmd(&g),
		historyCmd(&g),
		modelsCmd(&g),
		doctorCmd(&g),
		versionCmd(&g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
