// flowsim is a development stand-in for the workflow backend. It accepts
// message submissions over HTTP and replays a scripted seven-stage run over
// the websocket event stream, so pipewatch can be exercised without the real
// pipeline.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pipewatch/internal/logging"
	"pipewatch/internal/workflow"
)

func main() {
	var (
		addr      string
		stepDelay time.Duration
		failStage string
		logLevel  string
	)

	root := &cobra.Command{
		Use:   "flowsim",
		Short: "Simulated workflow backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Configure(logging.Config{Level: logLevel})
			if failStage != "" && !workflow.StageID(failStage).IsValid() {
				return fmt.Errorf("unknown stage %q", failStage)
			}
			sim := newSimulator(stepDelay, workflow.StageID(failStage))
			return sim.run(addr)
		},
	}

	root.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	root.Flags().DurationVar(&stepDelay, "step-delay", 800*time.Millisecond, "pause between scripted events")
	root.Flags().StringVar(&failStage, "fail-stage", "", "make this stage fail once before succeeding")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
