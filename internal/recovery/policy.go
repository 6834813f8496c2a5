// Package recovery decides what to do when a workflow stage fails: retry it,
// skip it, restart the whole workflow, or hand the problem to a human.
package recovery

import (
	"fmt"
	"sync"
	"time"

	"pipewatch/internal/logging"
	"pipewatch/internal/workflow"
)

// Action is the non-retry resolution applied once a stage's retry budget is
// exhausted, or the retry itself.
type Action string

const (
	ActionRetry              Action = "retry"
	ActionSkip               Action = "skip"
	ActionRestartWorkflow    Action = "restart_workflow"
	ActionManualIntervention Action = "manual_intervention"
)

// StagePolicy tunes recovery for one stage.
type StagePolicy struct {
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	FallbackAction     Action
}

// Decision is the outcome of handling one failure event.
type Decision struct {
	ShouldRetry     bool
	RetryDelay      time.Duration
	SuggestedAction Action
	Message         string
}

// StageErrorState accumulates failure history for one stage within a session.
type StageErrorState struct {
	Stage         workflow.StageID
	LastError     string
	LastErrorCode string
	RetryCount    int
	CanRetry      bool
}

// DefaultPolicies reflects stage criticality. Parsing cannot produce anything
// useful from bad input, so it restarts the workflow. Compliance, QA, and
// communication are advisory and can be skipped. Analysis, content
// generation, and submission are neither skippable nor safe to blindly
// restart, so they escalate to a human.
func DefaultPolicies() map[workflow.StageID]StagePolicy {
	return map[workflow.StageID]StagePolicy{
		workflow.StageParse: {
			MaxRetries:         2,
			RetryDelay:         2 * time.Second,
			ExponentialBackoff: false,
			FallbackAction:     ActionRestartWorkflow,
		},
		workflow.StageAnalyze: {
			MaxRetries:         3,
			RetryDelay:         2 * time.Second,
			ExponentialBackoff: true,
			FallbackAction:     ActionManualIntervention,
		},
		workflow.StageGenerateContent: {
			MaxRetries:         3,
			RetryDelay:         3 * time.Second,
			ExponentialBackoff: true,
			FallbackAction:     ActionManualIntervention,
		},
		workflow.StageCheckCompliance: {
			MaxRetries:         2,
			RetryDelay:         2 * time.Second,
			ExponentialBackoff: false,
			FallbackAction:     ActionSkip,
		},
		workflow.StageQualityAssure: {
			MaxRetries:         2,
			RetryDelay:         2 * time.Second,
			ExponentialBackoff: false,
			FallbackAction:     ActionSkip,
		},
		workflow.StageCommunicate: {
			MaxRetries:         2,
			RetryDelay:         2 * time.Second,
			ExponentialBackoff: false,
			FallbackAction:     ActionSkip,
		},
		workflow.StageSubmit: {
			MaxRetries:         3,
			RetryDelay:         5 * time.Second,
			ExponentialBackoff: true,
			FallbackAction:     ActionManualIntervention,
		},
	}
}

var fallbackMessages = map[Action]string{
	ActionSkip:               "skipping this stage and continuing the workflow",
	ActionRestartWorkflow:    "restarting the workflow from the beginning",
	ActionManualIntervention: "manual intervention required to continue",
}

// Handler applies per-stage policies to failure events. Retry counts persist
// per stage for the lifetime of the handler; a failure in one stage never
// touches another stage's budget.
type Handler struct {
	mu       sync.Mutex
	policies map[workflow.StageID]StagePolicy
	states   map[workflow.StageID]*StageErrorState
	logger   logging.Logger
}

// NewHandler builds a handler. A nil policies map uses DefaultPolicies;
// stages missing from a partial map also fall back to their default.
func NewHandler(policies map[workflow.StageID]StagePolicy, logger logging.Logger) *Handler {
	merged := DefaultPolicies()
	for stage, policy := range policies {
		merged[stage] = policy
	}
	return &Handler{
		policies: merged,
		states:   make(map[workflow.StageID]*StageErrorState),
		logger:   logging.OrNop(logger),
	}
}

// HandleError records one failure of a stage and decides the response.
// While the stage is under its retry budget and the error is retryable, the
// decision is a retry with the policy's delay; otherwise it is the stage's
// configured fallback with an actionable message.
func (h *Handler) HandleError(stage workflow.StageID, errMsg, errCode string, canRetry bool) Decision {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.states[stage]
	if !ok {
		state = &StageErrorState{Stage: stage}
		h.states[stage] = state
	}
	state.LastError = errMsg
	state.LastErrorCode = errCode
	state.CanRetry = canRetry

	policy := h.policies[stage]

	if canRetry && state.RetryCount < policy.MaxRetries {
		state.RetryCount++
		delay := policy.RetryDelay
		if policy.ExponentialBackoff {
			delay = policy.RetryDelay << (state.RetryCount - 1)
		}
		h.logger.Info("stage %s failed (%s), retry %d/%d in %v",
			stage, errCode, state.RetryCount, policy.MaxRetries, delay)
		return Decision{
			ShouldRetry:     true,
			RetryDelay:      delay,
			SuggestedAction: ActionRetry,
			Message: fmt.Sprintf("Stage %s failed, retrying (%d/%d)",
				stage, state.RetryCount, policy.MaxRetries),
		}
	}

	action := policy.FallbackAction
	if action == "" {
		action = ActionManualIntervention
	}
	h.logger.Warn("stage %s exhausted retries (%d), falling back to %s",
		stage, state.RetryCount, action)
	return Decision{
		ShouldRetry:     false,
		SuggestedAction: action,
		Message:         fmt.Sprintf("Stage %s failed: %s", stage, fallbackMessages[action]),
	}
}

// ErrorState returns a copy of the accumulated state for a stage, if any.
func (h *Handler) ErrorState(stage workflow.StageID) (StageErrorState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.states[stage]
	if !ok {
		return StageErrorState{}, false
	}
	return *state, true
}

// ClearStage drops the failure history of one stage, typically after the
// stage finally succeeded.
func (h *Handler) ClearStage(stage workflow.StageID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, stage)
}

// Reset drops all failure history, for workflow restarts.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = make(map[workflow.StageID]*StageErrorState)
}
