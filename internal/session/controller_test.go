package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewatch/internal/api"
	"pipewatch/internal/events"
	"pipewatch/internal/recovery"
	"pipewatch/internal/stream"
	"pipewatch/internal/workflow"
)

// testBackend fakes the workflow backend: one HTTP endpoint for message
// submission and one websocket endpoint for the event stream.
type testBackend struct {
	apiSrv    *httptest.Server
	wsSrv     *httptest.Server
	apiStatus int

	mu       sync.Mutex
	requests []api.MessageRequest
	conns    []*websocket.Conn
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{apiStatus: http.StatusAccepted}

	b.apiSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.MessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.requests = append(b.requests, req)
		status := b.apiStatus
		b.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(b.apiSrv.Close)

	upgrader := websocket.Upgrader{}
	b.wsSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
	}))
	t.Cleanup(b.wsSrv.Close)
	return b
}

func (b *testBackend) push(t *testing.T, frame string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.conns)
		var conn *websocket.Conn
		if n > 0 {
			conn = b.conns[n-1]
		}
		b.mu.Unlock()
		if conn != nil {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no stream connection to push to")
}

func (b *testBackend) setAPIStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apiStatus = status
}

func (b *testBackend) recorded() []api.MessageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]api.MessageRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

func newTestController(t *testing.T, b *testBackend, policies map[workflow.StageID]recovery.StagePolicy) *Controller {
	t.Helper()
	c := NewController(Config{
		WorkflowID: "wf-1",
		SessionID:  "sess-1",
		UserID:     "user-1",
		StreamURL:  "ws" + strings.TrimPrefix(b.wsSrv.URL, "http"),
		APIBaseURL: b.apiSrv.URL,
		Reconnect: stream.ReconnectConfig{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
		Policies: policies,
	}, nil)
	t.Cleanup(c.Disconnect)
	return c
}

func userMessages(snap Snapshot) []events.Message {
	var out []events.Message
	for _, msg := range snap.Messages {
		if msg.Kind == events.KindUser {
			out = append(out, msg)
		}
	}
	return out
}

func TestSendMessageMarksSentAndSetsStartFlag(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, nil)

	require.NoError(t, controller.SendMessage(context.Background(), "process my filing"))
	require.NoError(t, controller.SendMessage(context.Background(), "and hurry"))

	msgs := userMessages(controller.Snapshot())
	require.Len(t, msgs, 2)
	assert.Equal(t, events.DeliverySent, msgs[0].Delivery)
	assert.Equal(t, events.DeliverySent, msgs[1].Delivery)

	requests := backend.recorded()
	require.Len(t, requests, 2)
	assert.True(t, requests[0].Start, "first message must carry start=true")
	assert.False(t, requests[1].Start)
	assert.Equal(t, "wf-1", requests[0].ProjectID)
	assert.Equal(t, "sess-1", requests[0].SessionID)
}

func TestSendMessageFailureMarksOnlyThatMessage(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, nil)

	require.NoError(t, controller.SendMessage(context.Background(), "first"))

	backend.setAPIStatus(http.StatusInternalServerError)
	err := controller.SendMessage(context.Background(), "second")
	require.Error(t, err)

	msgs := userMessages(controller.Snapshot())
	require.Len(t, msgs, 2)
	assert.Equal(t, events.DeliverySent, msgs[0].Delivery)
	assert.Equal(t, events.DeliveryFailed, msgs[1].Delivery)
}

func TestFailedFirstSendKeepsStartFlagForRetry(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, nil)

	backend.setAPIStatus(http.StatusBadGateway)
	require.Error(t, controller.SendMessage(context.Background(), "kick off"))

	backend.setAPIStatus(http.StatusAccepted)
	require.NoError(t, controller.SendMessage(context.Background(), "kick off"))

	requests := backend.recorded()
	require.Len(t, requests, 2)
	assert.True(t, requests[0].Start)
	assert.True(t, requests[1].Start, "retry after a failed first send must still open the session")
}

func TestStreamEventsDriveProjection(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, nil)
	require.NoError(t, controller.Connect(context.Background()))

	backend.push(t, `{"type":"stage.started","data":{"stage":"parse"}}`)
	backend.push(t, `{"type":"stage.completed","data":{"stage":"parse","summary":"Parsed 12 pages"}}`)
	backend.push(t, `{"type":"stage.started","data":{"stage":"analyze"}}`)

	require.Eventually(t, func() bool {
		snap := controller.Snapshot()
		return snap.CurrentStep == workflow.StageAnalyze && len(snap.Messages) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	snap := controller.Snapshot()
	assert.True(t, snap.IsConnected)
	assert.InDelta(t, 100.0/7, snap.ProgressPercentage, 1e-9)
	assert.False(t, snap.HasErrors)
	require.Len(t, snap.WorkflowSteps, workflow.StageCount)
	assert.Equal(t, workflow.StatusCompleted, snap.WorkflowSteps[0].Status)
	assert.Equal(t, workflow.StatusInProgress, snap.WorkflowSteps[1].Status)

	var sawSummary bool
	for _, msg := range snap.Messages {
		if msg.Content == "Parsed 12 pages" {
			sawSummary = true
		}
	}
	assert.True(t, sawSummary)
}

func TestStageFailureSilentRetryThenActionableMessage(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, map[workflow.StageID]recovery.StagePolicy{
		workflow.StageQualityAssure: {
			MaxRetries:     1,
			RetryDelay:     time.Millisecond,
			FallbackAction: recovery.ActionSkip,
		},
	})
	require.NoError(t, controller.Connect(context.Background()))

	failure := `{"type":"stage.failed","data":{"stage":"quality_assure","error":"rubric missing","error_code":"QA1","can_retry":true}}`
	backend.push(t, failure)

	require.Eventually(t, func() bool {
		state, ok := controller.StageError(workflow.StageQualityAssure)
		return ok && state.RetryCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	// First failure: generic failure line, no fallback message yet.
	snap := controller.Snapshot()
	for _, msg := range snap.Messages {
		assert.NotContains(t, msg.Content, "skipping")
	}
	assert.True(t, snap.HasErrors)

	backend.push(t, failure)

	require.Eventually(t, func() bool {
		for _, msg := range controller.Snapshot().Messages {
			if strings.Contains(msg.Content, "skipping") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "fallback action never surfaced")
}

func TestStageCompletionClearsFailureBudget(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, nil)
	require.NoError(t, controller.Connect(context.Background()))

	backend.push(t, `{"type":"stage.failed","data":{"stage":"communicate","error":"smtp refused","can_retry":true}}`)
	require.Eventually(t, func() bool {
		_, ok := controller.StageError(workflow.StageCommunicate)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	backend.push(t, `{"type":"stage.completed","data":{"stage":"communicate"}}`)
	require.Eventually(t, func() bool {
		_, ok := controller.StageError(workflow.StageCommunicate)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProgressResetEvent(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, nil)
	require.NoError(t, controller.Connect(context.Background()))

	for _, stage := range []string{"parse", "analyze", "generate_content"} {
		backend.push(t, `{"type":"stage.completed","data":{"stage":"`+stage+`"}}`)
	}
	require.Eventually(t, func() bool {
		return controller.Snapshot().ProgressPercentage > 42
	}, 2*time.Second, 10*time.Millisecond)

	backend.push(t, `{"type":"progress.reset","data":{"stage":"generate_content","reason":"Revising the draft"}}`)

	require.Eventually(t, func() bool {
		snap := controller.Snapshot()
		return snap.WorkflowSteps[2].Status == workflow.StatusPending
	}, 2*time.Second, 10*time.Millisecond)

	snap := controller.Snapshot()
	assert.Equal(t, workflow.StatusCompleted, snap.WorkflowSteps[0].Status)
	assert.Equal(t, workflow.StatusCompleted, snap.WorkflowSteps[1].Status)
	assert.InDelta(t, 100.0*2/7, snap.ProgressPercentage, 1e-9)
}

func TestWorkflowCreatedResetsProjectionAndBudgets(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, nil)
	require.NoError(t, controller.Connect(context.Background()))

	backend.push(t, `{"type":"stage.completed","data":{"stage":"parse"}}`)
	backend.push(t, `{"type":"stage.failed","data":{"stage":"analyze","error":"boom","can_retry":true}}`)
	require.Eventually(t, func() bool {
		_, ok := controller.StageError(workflow.StageAnalyze)
		return ok && controller.Snapshot().ProgressPercentage > 0
	}, 2*time.Second, 10*time.Millisecond)

	backend.push(t, `{"type":"workflow.created","data":{"workflow_id":"wf-1","message":"Restarting from scratch"}}`)

	require.Eventually(t, func() bool {
		snap := controller.Snapshot()
		_, ok := controller.StageError(workflow.StageAnalyze)
		return !ok && snap.ProgressPercentage == 0 && !snap.HasErrors
	}, 2*time.Second, 10*time.Millisecond)

	snap := controller.Snapshot()
	for _, step := range snap.WorkflowSteps {
		assert.Equal(t, workflow.StatusPending, step.Status)
	}
}

func TestClearMessages(t *testing.T) {
	backend := newTestBackend(t)
	controller := newTestController(t, backend, nil)

	controller.AddMessage(events.NewMessage(events.KindSystem, "hello"))
	require.NotEmpty(t, controller.Snapshot().Messages)

	controller.ClearMessages()
	assert.Empty(t, controller.Snapshot().Messages)
}
