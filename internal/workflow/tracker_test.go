package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrackerStartsAllPending(t *testing.T) {
	tracker := NewTracker(nil)

	steps := tracker.AllSteps()
	require.Len(t, steps, StageCount)
	for i, step := range steps {
		assert.Equal(t, Stages[i], step.Stage)
		assert.Equal(t, StatusPending, step.Status)
	}
	assert.Equal(t, 0.0, tracker.Progress())
	assert.Empty(t, tracker.CurrentStep())
	assert.False(t, tracker.HasFailures())
}

func TestProgressCountsCompletedStagesOnly(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.UpdateStepStatus(StageParse, StatusCompleted)
	tracker.UpdateStepStatus(StageAnalyze, StatusCompleted)
	tracker.UpdateStepStatus(StageGenerateContent, StatusCompleted)
	tracker.UpdateStepStatus(StageCheckCompliance, StatusInProgress)
	tracker.UpdateStepStatus(StageQualityAssure, StatusWaiting)

	assert.InDelta(t, 100.0*3/7, tracker.Progress(), 1e-9)
}

func TestProgressFullPipeline(t *testing.T) {
	tracker := NewTracker(nil)
	for _, id := range Stages {
		tracker.UpdateStepStatus(id, StatusCompleted)
	}
	assert.Equal(t, 100.0, tracker.Progress())
}

func TestCurrentStepIsMostRecentlyStartedActiveStage(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.UpdateStepStatus(StageParse, StatusInProgress)
	assert.Equal(t, StageParse, tracker.CurrentStep())

	tracker.UpdateStepStatus(StageParse, StatusCompleted)
	tracker.UpdateStepStatus(StageAnalyze, StatusInProgress)
	tracker.UpdateStepStatus(StageGenerateContent, StatusInProgress)
	assert.Equal(t, StageGenerateContent, tracker.CurrentStep())

	// The later-started stage finishing hands current back to the earlier one.
	tracker.UpdateStepStatus(StageGenerateContent, StatusCompleted)
	assert.Equal(t, StageAnalyze, tracker.CurrentStep())

	tracker.UpdateStepStatus(StageAnalyze, StatusFailed)
	assert.Empty(t, tracker.CurrentStep())
}

func TestWaitingStageStaysCurrent(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.UpdateStepStatus(StageCommunicate, StatusInProgress)
	tracker.UpdateStepStatus(StageCommunicate, StatusWaiting)
	assert.Equal(t, StageCommunicate, tracker.CurrentStep())
}

func TestOutOfOrderCompletionIsTolerated(t *testing.T) {
	tracker := NewTracker(nil)

	// Completion arrives for a stage never reported as started.
	tracker.UpdateStepStatus(StageSubmit, StatusCompleted)
	assert.Equal(t, StatusCompleted, tracker.Status(StageSubmit))
	assert.InDelta(t, 100.0/7, tracker.Progress(), 1e-9)
}

func TestUnknownStageIsIgnored(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.UpdateStepStatus(StageID("translate"), StatusCompleted)
	assert.Equal(t, 0.0, tracker.Progress())
}

func TestResetFromClearsTailOnly(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.UpdateStepStatus(StageParse, StatusCompleted)
	tracker.UpdateStepStatus(StageAnalyze, StatusCompleted)
	tracker.UpdateStepStatus(StageGenerateContent, StatusCompleted)
	tracker.UpdateStepStatus(StageCheckCompliance, StatusInProgress)
	tracker.UpdateStepStatus(StageQualityAssure, StatusCompleted)
	tracker.UpdateStepStatus(StageCommunicate, StatusInProgress)
	tracker.UpdateStepStatus(StageSubmit, StatusCompleted)

	// Revision loop back to content generation: stages 4-7 reset, 1-3 keep.
	tracker.ResetFrom(StageGenerateContent)

	assert.Equal(t, StatusCompleted, tracker.Status(StageParse))
	assert.Equal(t, StatusCompleted, tracker.Status(StageAnalyze))
	for _, id := range Stages[StageGenerateContent.Index():] {
		assert.Equal(t, StatusPending, tracker.Status(id), "stage %s", id)
	}
	assert.InDelta(t, 100.0*2/7, tracker.Progress(), 1e-9)
	assert.Empty(t, tracker.CurrentStep())
}

func TestResetFromUnknownStageIsIgnored(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.UpdateStepStatus(StageParse, StatusCompleted)
	tracker.UpdateStepStatus(StageAnalyze, StatusInProgress)

	tracker.ResetFrom(StageID("bogus"))

	assert.Equal(t, StatusCompleted, tracker.Status(StageParse))
	assert.Equal(t, StatusInProgress, tracker.Status(StageAnalyze))
	assert.InDelta(t, 100.0/7, tracker.Progress(), 1e-9)
}

func TestHasFailures(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.UpdateStepStatus(StageAnalyze, StatusFailed)
	assert.True(t, tracker.HasFailures())

	tracker.UpdateStepStatus(StageAnalyze, StatusInProgress)
	assert.False(t, tracker.HasFailures())
}

func TestStageIndexOrder(t *testing.T) {
	assert.Equal(t, 0, StageParse.Index())
	assert.Equal(t, 6, StageSubmit.Index())
	assert.Equal(t, -1, StageID("nope").Index())
	assert.True(t, StageQualityAssure.IsValid())
	assert.False(t, StageID("").IsValid())
}
