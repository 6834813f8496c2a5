package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pipewatch/internal/cache"
	"pipewatch/internal/config"
	"pipewatch/internal/logging"
	"pipewatch/internal/observability"
	"pipewatch/internal/session"
	"pipewatch/internal/stream"
)

func newWatchCmd() *cobra.Command {
	var (
		workflowID  string
		sessionID   string
		userID      string
		message     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach to a workflow and stream its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflowID == "" {
				return fmt.Errorf("--workflow is required")
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			return runWatch(cmd.Context(), watchOptions{
				workflowID:  workflowID,
				sessionID:   sessionID,
				userID:      userID,
				message:     message,
				metricsAddr: metricsAddr,
			})
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id to attach to")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when omitted)")
	cmd.Flags().StringVar(&userID, "user", "cli", "user id for submitted messages")
	cmd.Flags().StringVar(&message, "message", "", "message to send after connecting")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

type watchOptions struct {
	workflowID  string
	sessionID   string
	userID      string
	message     string
	metricsAddr string
}

func runWatch(ctx context.Context, opts watchOptions) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logging.Configure(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logger := logging.NewComponentLogger("watch")

	views, err := cache.New(cfg.Cache.Size, cfg.CacheTTL(), logger)
	if err != nil {
		return fmt.Errorf("init view cache: %w", err)
	}

	metrics := observability.NewStreamMetrics(prometheus.DefaultRegisterer)
	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, logger)
	}

	controller := session.NewController(session.Config{
		WorkflowID:        opts.workflowID,
		SessionID:         opts.sessionID,
		UserID:            opts.userID,
		StreamURL:         cfg.Stream.URL,
		APIBaseURL:        cfg.API.BaseURL,
		APITimeout:        cfg.APITimeout(),
		StreamReadTimeout: cfg.StreamReadTimeout(),
		Reconnect:         cfg.ReconnectConfig(),
		Invalidator:       views,
		Metrics:           metrics,
		OnStateChange: func(state stream.ConnectionState) {
			printConnectionState(state)
		},
	}, logger)
	defer controller.Disconnect()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := controller.Connect(ctx); err != nil {
		return err
	}

	if opts.message != "" {
		if err := controller.SendMessage(ctx, opts.message); err != nil {
			printSendFailure(err)
		}
	}

	if isTTY() {
		go readInput(ctx, controller)
	}

	renderLoop(ctx, controller)
	return nil
}

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// readInput forwards stdin lines as user messages.
func readInput(ctx context.Context, controller *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := controller.SendMessage(ctx, text); err != nil {
			printSendFailure(err)
		}
	}
}

// renderLoop prints transcript entries and progress as they appear, until
// the context is cancelled.
func renderLoop(ctx context.Context, controller *session.Controller) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	lastProgress := -1.0
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			printSummary(controller.Snapshot())
			return
		case <-ticker.C:
			snap := controller.Snapshot()
			for _, msg := range snap.Messages[printed:] {
				printMessage(msg)
			}
			printed = len(snap.Messages)

			if snap.ProgressPercentage != lastProgress {
				lastProgress = snap.ProgressPercentage
				printProgress(snap)
			}
		}
	}
}

func serveMetrics(addr string, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped: %v", err)
	}
}
