package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serveOptions struct {
	configPath string
	port       int
	daemonURL  string
	mock       bool
	staticDir  string
}

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}
	root := &cobra.Command{
		Use:           "procrelay",
		Short:         "Relay process-manager telemetry to browser and terminal dashboards",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	for _, c := range []*cobra.Command{root, serve} {
		f := c.Flags()
		f.StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to config file")
		f.IntVarP(&opts.port, "port", "p", 0, "override server port")
		f.StringVar(&opts.daemonURL, "daemon-url", "", "override daemon bridge websocket URL")
		f.BoolVar(&opts.mock, "mock", false, "use a simulated process fleet instead of the daemon")
		f.StringVar(&opts.staticDir, "static", "", "serve the dashboard from this directory")
	}
	root.AddCommand(serve)
	return root
}
