package events

import (
	"encoding/json"

	"pipewatch/internal/workflow"
)

// Type is the discriminant of an inbound stream frame.
type Type string

// Stream event types emitted by the workflow backend. The set is open:
// unknown types are dropped by the processor, never rejected, since the
// backend schema evolves independently of this client.
const (
	// Workflow lifecycle.
	TypeWorkflowCreated       Type = "workflow.created"
	TypeWorkflowCompleted     Type = "workflow.completed"
	TypeWorkflowPartiallyDone Type = "workflow.completed_with_errors"

	// Per-stage lifecycle. Each carries the stage id in its payload.
	TypeStageStarted   Type = "stage.started"
	TypeStageCompleted Type = "stage.completed"
	TypeStageFailed    Type = "stage.failed"

	// AnalysisCompleted is a completion variant whose payload is long-form
	// markdown rather than a short status line.
	TypeAnalysisCompleted Type = "analysis.completed"

	// Human-in-the-loop requests.
	TypeFeedbackRequested   Type = "feedback.requested"
	TypeReviewRequested     Type = "review.requested"
	TypePermissionRequested Type = "permission.requested"

	// Outputs.
	TypeArtifactReady Type = "artifact.ready"
	TypeEmailDraft    Type = "email.draft_ready"

	// ProgressReset signals a revision loop back to an earlier stage.
	TypeProgressReset Type = "progress.reset"
)

// Event is one frame received from the stream: a discriminant plus a
// type-specific payload kept raw until the processor decodes it.
type Event struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WorkflowPayload accompanies workflow lifecycle events.
type WorkflowPayload struct {
	WorkflowID string `json:"workflow_id"`
	Message    string `json:"message,omitempty"`
}

// StagePayload accompanies stage.started and stage.completed events.
type StagePayload struct {
	Stage   workflow.StageID `json:"stage"`
	Summary string           `json:"summary,omitempty"`
}

// StageFailurePayload accompanies stage.failed events.
type StageFailurePayload struct {
	Stage     workflow.StageID `json:"stage"`
	Error     string           `json:"error"`
	ErrorCode string           `json:"error_code,omitempty"`
	CanRetry  bool             `json:"can_retry"`
}

// AnalysisPayload carries the analyzer's long-form findings.
type AnalysisPayload struct {
	Stage   workflow.StageID `json:"stage"`
	Content string           `json:"content"`
	// Markdown marks Content as renderable formatted text.
	Markdown bool `json:"markdown,omitempty"`
}

// RequestPayload accompanies feedback, review, and permission requests.
type RequestPayload struct {
	Stage  workflow.StageID `json:"stage"`
	Prompt string           `json:"prompt"`
}

// ArtifactPayload accompanies artifact.ready events.
type ArtifactPayload struct {
	Stage      workflow.StageID `json:"stage,omitempty"`
	ArtifactID string           `json:"artifact_id"`
	Name       string           `json:"name"`
	Kind       string           `json:"kind,omitempty"`
}

// EmailDraftPayload accompanies email.draft_ready events.
type EmailDraftPayload struct {
	Stage   workflow.StageID `json:"stage,omitempty"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
}

// ResetPayload accompanies progress.reset events.
type ResetPayload struct {
	Stage  workflow.StageID `json:"stage"`
	Reason string           `json:"reason,omitempty"`
}

// decode unmarshals the event payload into out.
func (e Event) decode(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}
