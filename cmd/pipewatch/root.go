package main

import (
	"github.com/spf13/cobra"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipewatch",
		Short: "Monitor a document workflow session from the terminal",
		Long: `pipewatch attaches to a running document-processing workflow,
streams its agent events, and keeps a live view of per-stage progress.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ./pipewatch.yaml)")
	root.AddCommand(newWatchCmd())
	return root
}
