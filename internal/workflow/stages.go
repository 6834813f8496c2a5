package workflow

// StageID identifies one processing stage in the document pipeline.
type StageID string

// The seven streamed pipeline stages, in execution order. Intake happens
// before the stream starts and is never reported as an event, so it is not
// part of this set.
const (
	StageParse           StageID = "parse"
	StageAnalyze         StageID = "analyze"
	StageGenerateContent StageID = "generate_content"
	StageCheckCompliance StageID = "check_compliance"
	StageQualityAssure   StageID = "quality_assure"
	StageCommunicate     StageID = "communicate"
	StageSubmit          StageID = "submit"
)

// Stages lists every streamed stage in pipeline order.
var Stages = []StageID{
	StageParse,
	StageAnalyze,
	StageGenerateContent,
	StageCheckCompliance,
	StageQualityAssure,
	StageCommunicate,
	StageSubmit,
}

// StageCount is the number of streamed stages.
const StageCount = 7

// stageIndex maps a stage to its position in pipeline order.
var stageIndex = func() map[StageID]int {
	idx := make(map[StageID]int, len(Stages))
	for i, id := range Stages {
		idx[id] = i
	}
	return idx
}()

// IsValid reports whether id names one of the seven streamed stages.
func (id StageID) IsValid() bool {
	_, ok := stageIndex[id]
	return ok
}

// Index returns the stage's position in pipeline order, or -1 for unknown ids.
func (id StageID) Index() int {
	i, ok := stageIndex[id]
	if !ok {
		return -1
	}
	return i
}

// StageStatus captures the lifecycle state of a single stage.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
	// StatusWaiting means the stage paused for human feedback, not finished.
	StatusWaiting StageStatus = "waiting"
)

// Terminal reports whether a stage in this status will not progress further
// without outside intervention.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step is one row of the projection: a stage and its current status.
type Step struct {
	Stage  StageID     `json:"stage"`
	Status StageStatus `json:"status"`
}
