package workflow

import (
	"sync"

	"pipewatch/internal/logging"
)

// Tracker projects stream events into per-stage statuses and derived
// aggregate progress. It is the only owner of stage state; callers mutate it
// exclusively through UpdateStepStatus and ResetFrom.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[StageID]StageStatus
	// startSeq records the order in which stages entered in_progress, so the
	// current step is the most recently started stage even when frames arrive
	// out of pipeline order.
	startSeq map[StageID]int
	seq      int
	logger   logging.Logger
}

// NewTracker returns a tracker with all seven stages pending.
func NewTracker(logger logging.Logger) *Tracker {
	t := &Tracker{
		statuses: make(map[StageID]StageStatus, StageCount),
		startSeq: make(map[StageID]int, StageCount),
		logger:   logging.OrNop(logger),
	}
	for _, id := range Stages {
		t.statuses[id] = StatusPending
	}
	return t
}

// UpdateStepStatus sets the status of one stage. Unknown stages are logged
// and ignored; the stream schema may grow stages this build does not know.
// Updates are idempotent and tolerate out-of-order delivery: a completion for
// a stage never marked in_progress is applied as-is.
func (t *Tracker) UpdateStepStatus(stage StageID, status StageStatus) {
	if !stage.IsValid() {
		t.logger.Warn("ignoring status %q for unknown stage %q", status, stage)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[stage] = status
	if status == StatusInProgress {
		t.seq++
		t.startSeq[stage] = t.seq
	}
}

// AllSteps returns the seven steps in pipeline order.
func (t *Tracker) AllSteps() []Step {
	t.mu.RLock()
	defer t.mu.RUnlock()

	steps := make([]Step, 0, StageCount)
	for _, id := range Stages {
		steps = append(steps, Step{Stage: id, Status: t.statuses[id]})
	}
	return steps
}

// Status returns the current status of one stage.
func (t *Tracker) Status(stage StageID) StageStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[stage]
}

// CurrentStep returns the most recently started stage that has not reached a
// terminal status, or "" when no stage is active.
func (t *Tracker) CurrentStep() StageID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var current StageID
	best := 0
	for id, seq := range t.startSeq {
		if t.statuses[id].Terminal() {
			continue
		}
		if seq > best {
			best = seq
			current = id
		}
	}
	return current
}

// Progress returns 100 * completed / 7, recomputed on every call.
func (t *Tracker) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completed := 0
	for _, status := range t.statuses {
		if status == StatusCompleted {
			completed++
		}
	}
	return 100 * float64(completed) / float64(StageCount)
}

// HasFailures reports whether any stage is currently failed.
func (t *Tracker) HasFailures() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, status := range t.statuses {
		if status == StatusFailed {
			return true
		}
	}
	return false
}

// ResetFrom handles a revision loop: the backend jumped back to `stage`, so
// that stage and everything downstream return to pending while upstream
// results stay intact. Unknown stages are logged and ignored; wiping finished
// work over an unrecognized frame would regress the whole projection.
func (t *Tracker) ResetFrom(stage StageID) {
	from := stage.Index()
	if from < 0 {
		t.logger.Warn("ignoring progress reset for unknown stage %q", stage)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range Stages[from:] {
		t.statuses[id] = StatusPending
		delete(t.startSeq, id)
	}
}

// ResetAll returns every stage to pending.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range Stages {
		t.statuses[id] = StatusPending
	}
	t.startSeq = make(map[StageID]int, StageCount)
	t.seq = 0
}
