// Package session composes the stream manager, event processor, workflow
// projection, and recovery policy into one monitored workflow session.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pipewatch/internal/api"
	"pipewatch/internal/events"
	"pipewatch/internal/logging"
	"pipewatch/internal/observability"
	"pipewatch/internal/recovery"
	"pipewatch/internal/stream"
	"pipewatch/internal/workflow"
)

// Config wires one controller instance. One controller manages exactly one
// (workflow, session) pair; a new pair needs a new controller or an explicit
// Disconnect/Connect cycle.
type Config struct {
	WorkflowID string
	SessionID  string
	UserID     string
	// ProjectID defaults to WorkflowID when empty.
	ProjectID string

	// StreamURL is the websocket endpoint; APIBaseURL the HTTP backend root.
	StreamURL  string
	APIBaseURL string
	// APITimeout bounds each message submission; zero uses the client default.
	APITimeout time.Duration
	// StreamReadTimeout closes a silent stream connection; zero uses the
	// manager default.
	StreamReadTimeout time.Duration

	Reconnect stream.ReconnectConfig
	// Policies overrides per-stage recovery; nil uses defaults.
	Policies map[workflow.StageID]recovery.StagePolicy

	// Invalidator receives cache invalidation signals; nil disables them.
	Invalidator stream.Invalidator
	// Metrics may be nil.
	Metrics *observability.StreamMetrics
	// OnStateChange pushes connection transitions to the consumer.
	OnStateChange func(stream.ConnectionState)
}

// Snapshot is the entire surface presentation code may observe.
type Snapshot struct {
	Messages           []events.Message
	WorkflowSteps      []workflow.Step
	IsConnected        bool
	IsReconnecting     bool
	ProgressPercentage float64
	CurrentStep        workflow.StageID
	HasErrors          bool
}

// Controller is the composition root for one monitored session.
type Controller struct {
	cfg     Config
	logger  logging.Logger
	metrics *observability.StreamMetrics

	manager   *stream.Manager
	client    *api.Client
	tracker   *workflow.Tracker
	recovery  *recovery.Handler
	processor *events.Processor

	mu             sync.RWMutex
	messages       []events.Message
	firstSent      bool
	connectionLost bool
}

// NewController wires a controller and its collaborators.
func NewController(cfg Config, logger logging.Logger) *Controller {
	logger = logging.OrNop(logger)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NopStreamMetrics()
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = cfg.WorkflowID
	}

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		client:   api.NewClient(api.Config{BaseURL: cfg.APIBaseURL, Timeout: cfg.APITimeout}, logger),
		tracker:  workflow.NewTracker(logger),
		recovery: recovery.NewHandler(cfg.Policies, logger),
	}

	c.processor = events.NewProcessor(events.Callbacks{
		AddMessage:     c.AddMessage,
		UpdateProgress: c.tracker.UpdateStepStatus,
		ResetProgress:  c.tracker.ResetFrom,
	}, logger)

	c.manager = stream.NewManager(stream.ManagerConfig{
		URL:              cfg.StreamURL,
		Reconnect:        cfg.Reconnect,
		ReadTimeout:      cfg.StreamReadTimeout,
		OnStateChange:    cfg.OnStateChange,
		OnConnectionLost: c.handleConnectionLost,
		Invalidator:      cfg.Invalidator,
	}, metrics, logger)

	c.manager.OnAny(c.processor.Process)
	c.manager.On(events.TypeWorkflowCreated, c.handleWorkflowCreated)
	c.manager.On(events.TypeStageFailed, c.handleStageFailure)
	c.manager.On(events.TypeStageCompleted, c.handleStageCompleted)

	return c
}

// Connect opens the event stream for the configured pair.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connectionLost = false
	c.mu.Unlock()
	return c.manager.Connect(ctx, c.cfg.WorkflowID, c.cfg.SessionID)
}

// Disconnect tears the stream down, cancelling any pending reconnect.
func (c *Controller) Disconnect() {
	c.manager.Disconnect()
}

// SendMessage appends a user message in the sending state, submits it, and
// flips that single message to sent or failed. The agent's reply arrives
// later on the stream; this call never waits for it.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	msg := events.NewUserMessage(text)
	c.AddMessage(msg)

	c.mu.RLock()
	start := !c.firstSent
	c.mu.RUnlock()

	err := c.client.SubmitMessage(ctx, api.MessageRequest{
		ProjectID: c.cfg.ProjectID,
		UserID:    c.cfg.UserID,
		SessionID: c.cfg.SessionID,
		Start:     start,
		UserInput: text,
	})
	if err != nil {
		c.setDelivery(msg.ID, events.DeliveryFailed)
		c.metrics.MessagesFailed.Inc()
		return err
	}

	c.setDelivery(msg.ID, events.DeliverySent)
	c.mu.Lock()
	c.firstSent = true
	c.mu.Unlock()
	c.metrics.MessagesSent.Inc()
	return nil
}

// AddMessage appends one transcript entry.
func (c *Controller) AddMessage(msg events.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// ClearMessages empties the transcript.
func (c *Controller) ClearMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// Snapshot copies the observable state.
func (c *Controller) Snapshot() Snapshot {
	connState := c.manager.GetConnectionState()

	c.mu.RLock()
	messages := make([]events.Message, len(c.messages))
	copy(messages, c.messages)
	lost := c.connectionLost
	c.mu.RUnlock()

	return Snapshot{
		Messages:           messages,
		WorkflowSteps:      c.tracker.AllSteps(),
		IsConnected:        connState.IsConnected,
		IsReconnecting:     connState.Reconnection.IsReconnecting,
		ProgressPercentage: c.tracker.Progress(),
		CurrentStep:        c.tracker.CurrentStep(),
		HasErrors:          lost || c.tracker.HasFailures(),
	}
}

// StageError exposes the accumulated failure state for one stage.
func (c *Controller) StageError(stage workflow.StageID) (recovery.StageErrorState, bool) {
	return c.recovery.ErrorState(stage)
}

func (c *Controller) setDelivery(id string, status events.DeliveryStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages[i].Delivery = status
			return
		}
	}
}

// handleWorkflowCreated starts the projection over. A fresh run (including
// one triggered by a restart fallback) owes nothing to the previous attempt's
// stage statuses or failure budgets.
func (c *Controller) handleWorkflowCreated(events.Event) {
	c.tracker.ResetAll()
	c.recovery.Reset()
}

// handleStageFailure consults the recovery policy. Retries stay silent in
// the transcript; exhausted budgets surface the stage-specific action.
func (c *Controller) handleStageFailure(event events.Event) {
	var payload events.StageFailurePayload
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
	}

	decision := c.recovery.HandleError(payload.Stage, payload.Error, payload.ErrorCode, payload.CanRetry)
	if decision.ShouldRetry {
		c.logger.Info("stage %s will be retried in %v", payload.Stage, decision.RetryDelay)
		return
	}
	c.AddMessage(events.NewStageMessage(events.KindSystem, payload.Stage, decision.Message))
}

// handleStageCompleted clears the failure budget of a stage that finally
// made it through.
func (c *Controller) handleStageCompleted(event events.Event) {
	var payload events.StagePayload
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
	}
	c.recovery.ClearStage(payload.Stage)
}

func (c *Controller) handleConnectionLost() {
	c.mu.Lock()
	c.connectionLost = true
	c.mu.Unlock()
	c.AddMessage(events.NewMessage(events.KindSystem,
		"Connection lost: automatic reconnection gave up. Reconnect to resume monitoring."))
}
