package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"pipewatch/internal/events"
	"pipewatch/internal/session"
	"pipewatch/internal/stream"
	"pipewatch/internal/workflow"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func printMessage(msg events.Message) {
	stamp := gray(msg.Timestamp.Format("15:04:05"))
	switch msg.Kind {
	case events.KindUser:
		suffix := ""
		switch msg.Delivery {
		case events.DeliverySending:
			suffix = gray(" (sending)")
		case events.DeliveryFailed:
			suffix = red(" (failed)")
		}
		fmt.Printf("%s %s %s%s\n", stamp, bold("you:"), msg.Content, suffix)
	case events.KindAgent:
		prefix := "agent:"
		if msg.Stage != "" {
			prefix = fmt.Sprintf("agent[%s]:", msg.Stage)
		}
		fmt.Printf("%s %s %s\n", stamp, cyan(prefix), msg.Content)
	case events.KindArtifact:
		fmt.Printf("%s %s %s\n", stamp, green("artifact:"), msg.Content)
	case events.KindEmailDraft:
		fmt.Printf("%s %s\n%s\n", stamp, yellow("email draft:"), indent(msg.Content))
	default:
		fmt.Printf("%s %s %s\n", stamp, blue("system:"), msg.Content)
	}
}

func printProgress(snap session.Snapshot) {
	parts := make([]string, 0, len(snap.WorkflowSteps))
	for _, step := range snap.WorkflowSteps {
		parts = append(parts, stepGlyph(step))
	}
	current := ""
	if snap.CurrentStep != "" {
		current = fmt.Sprintf("  current: %s", bold(string(snap.CurrentStep)))
	}
	fmt.Printf("%s [%s] %.0f%%%s\n", gray("progress"), strings.Join(parts, " "), snap.ProgressPercentage, current)
}

func stepGlyph(step workflow.Step) string {
	switch step.Status {
	case workflow.StatusCompleted:
		return green("✓")
	case workflow.StatusInProgress:
		return yellow("●")
	case workflow.StatusFailed:
		return red("✗")
	case workflow.StatusWaiting:
		return cyan("?")
	default:
		return gray("·")
	}
}

func printConnectionState(state stream.ConnectionState) {
	switch {
	case state.IsConnected:
		fmt.Println(green("connected"))
	case state.Reconnection.IsReconnecting:
		fmt.Println(yellow(fmt.Sprintf("reconnecting (attempt %d)", state.Reconnection.Attempts)))
	default:
		fmt.Println(red("disconnected"))
	}
}

func printSendFailure(err error) {
	fmt.Println(red(fmt.Sprintf("message not delivered: %v", err)))
}

func printSummary(snap session.Snapshot) {
	status := green("ok")
	if snap.HasErrors {
		status = red("errors")
	}
	fmt.Printf("%s %.0f%% complete, %d transcript entries, status: %s\n",
		bold("session summary:"), snap.ProgressPercentage, len(snap.Messages), status)
}

func indent(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}
