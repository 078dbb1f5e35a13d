package main

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/procrelay/procrelay/internal/client"
	"github.com/procrelay/procrelay/internal/logging"
	"github.com/procrelay/procrelay/internal/tui"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		baseURL string
		token   string
		logFile string
	)
	cmd := &cobra.Command{
		Use:           "procrelay-tui",
		Short:         "Terminal dashboard for a procrelay server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The alt screen owns stdout; logs go to a file or nowhere.
			var out io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			logging.Init(logging.Config{Level: "debug", Format: "console", Output: out})

			cfg := client.DefaultConfig(baseURL)
			cfg.Token = token
			ws := client.NewWSClient(cfg)

			p := tea.NewProgram(tui.New(ws), tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "base URL of the relay")
	cmd.Flags().StringVar(&token, "token", "", "auth token, if the relay requires one")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write client logs to this file")
	return cmd
}
