package events

import (
	"fmt"

	"pipewatch/internal/logging"
	"pipewatch/internal/workflow"
)

// Callbacks are the sinks a Processor writes into. All three must be set.
type Callbacks struct {
	// AddMessage appends one entry to the session transcript.
	AddMessage func(Message)
	// UpdateProgress sets one stage's status in the projection.
	UpdateProgress func(workflow.StageID, workflow.StageStatus)
	// ResetProgress clears the given stage and everything downstream.
	ResetProgress func(workflow.StageID)
}

// Processor maps each inbound event to transcript appends and projection
// updates. It holds no state of its own beyond the callbacks it was built
// with, so one instance can process the whole stream sequentially.
type Processor struct {
	callbacks Callbacks
	logger    logging.Logger
}

// NewProcessor wires a processor to its sinks.
func NewProcessor(callbacks Callbacks, logger logging.Logger) *Processor {
	return &Processor{
		callbacks: callbacks,
		logger:    logging.OrNop(logger),
	}
}

// Process handles one event. It never returns an error to the stream: a
// payload that fails to decode is logged and dropped, and unknown types are
// logged and ignored so schema growth upstream cannot break the client.
func (p *Processor) Process(event Event) {
	switch event.Type {
	case TypeWorkflowCreated:
		var payload WorkflowPayload
		if !p.decode(event, &payload) {
			return
		}
		content := payload.Message
		if content == "" {
			content = fmt.Sprintf("Workflow %s started", payload.WorkflowID)
		}
		p.callbacks.AddMessage(NewMessage(KindSystem, content))

	case TypeWorkflowCompleted:
		p.callbacks.AddMessage(NewMessage(KindSystem, "Workflow completed"))

	case TypeWorkflowPartiallyDone:
		var payload WorkflowPayload
		if !p.decode(event, &payload) {
			return
		}
		content := payload.Message
		if content == "" {
			content = "Workflow completed with errors"
		}
		p.callbacks.AddMessage(NewMessage(KindSystem, content))

	case TypeStageStarted:
		var payload StagePayload
		if !p.decode(event, &payload) {
			return
		}
		p.callbacks.UpdateProgress(payload.Stage, workflow.StatusInProgress)
		p.callbacks.AddMessage(NewStageMessage(KindAgent, payload.Stage,
			fmt.Sprintf("Stage %s started", payload.Stage)))

	case TypeStageCompleted:
		var payload StagePayload
		if !p.decode(event, &payload) {
			return
		}
		p.callbacks.UpdateProgress(payload.Stage, workflow.StatusCompleted)
		content := payload.Summary
		if content == "" {
			content = fmt.Sprintf("Stage %s completed", payload.Stage)
		}
		p.callbacks.AddMessage(NewStageMessage(KindAgent, payload.Stage, content))

	case TypeStageFailed:
		var payload StageFailurePayload
		if !p.decode(event, &payload) {
			return
		}
		p.callbacks.UpdateProgress(payload.Stage, workflow.StatusFailed)
		p.callbacks.AddMessage(NewStageMessage(KindSystem, payload.Stage,
			fmt.Sprintf("Stage %s failed: %s", payload.Stage, payload.Error)))

	case TypeAnalysisCompleted:
		// Long-form findings still count as a normal stage completion.
		var payload AnalysisPayload
		if !p.decode(event, &payload) {
			return
		}
		stage := payload.Stage
		if stage == "" {
			stage = workflow.StageAnalyze
		}
		p.callbacks.UpdateProgress(stage, workflow.StatusCompleted)
		msg := NewStageMessage(KindAgent, stage, payload.Content)
		msg.Markdown = true
		p.callbacks.AddMessage(msg)

	case TypeFeedbackRequested:
		// Forward progress is paused for human input, not finished.
		var payload RequestPayload
		if !p.decode(event, &payload) {
			return
		}
		p.callbacks.UpdateProgress(payload.Stage, workflow.StatusWaiting)
		p.callbacks.AddMessage(NewStageMessage(KindAgent, payload.Stage, payload.Prompt))

	case TypeReviewRequested:
		var payload RequestPayload
		if !p.decode(event, &payload) {
			return
		}
		p.callbacks.UpdateProgress(payload.Stage, workflow.StatusWaiting)
		p.callbacks.AddMessage(NewStageMessage(KindAgent, payload.Stage, payload.Prompt))

	case TypePermissionRequested:
		var payload RequestPayload
		if !p.decode(event, &payload) {
			return
		}
		p.callbacks.AddMessage(NewStageMessage(KindSystem, payload.Stage, payload.Prompt))

	case TypeArtifactReady:
		var payload ArtifactPayload
		if !p.decode(event, &payload) {
			return
		}
		msg := NewStageMessage(KindArtifact, payload.Stage,
			fmt.Sprintf("Artifact ready: %s", payload.Name))
		p.callbacks.AddMessage(msg)

	case TypeEmailDraft:
		var payload EmailDraftPayload
		if !p.decode(event, &payload) {
			return
		}
		msg := NewStageMessage(KindEmailDraft, payload.Stage,
			fmt.Sprintf("Subject: %s\n\n%s", payload.Subject, payload.Body))
		p.callbacks.AddMessage(msg)

	case TypeProgressReset:
		var payload ResetPayload
		if !p.decode(event, &payload) {
			return
		}
		p.callbacks.ResetProgress(payload.Stage)
		content := payload.Reason
		if content == "" {
			content = fmt.Sprintf("Revisiting stage %s", payload.Stage)
		}
		p.callbacks.AddMessage(NewStageMessage(KindSystem, payload.Stage, content))

	default:
		p.logger.Debug("ignoring unknown event type %q", event.Type)
	}
}

func (p *Processor) decode(event Event, out any) bool {
	if err := event.decode(out); err != nil {
		p.logger.Warn("dropping %s event with bad payload: %v", event.Type, err)
		return false
	}
	return true
}
