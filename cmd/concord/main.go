package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"concord/cmd/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "concord",
		Short:         "Concord event projection daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the event stream and serve projected views",
		RunE: func(_ *cobra.Command, _ []string) error {
			return app.Run()
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serve, ver)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
