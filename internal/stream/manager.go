package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kaptinlin/jsonrepair"

	"pipewatch/internal/events"
	"pipewatch/internal/logging"
	"pipewatch/internal/observability"
)

// Invalidator receives fire-and-forget invalidation signals for externally
// owned cached views (project lists, project detail, artifact lists).
type Invalidator interface {
	Invalidate(keys ...string)
}

// Handler consumes one decoded stream event.
type Handler func(events.Event)

// ConnectionState is the externally observable connection snapshot.
type ConnectionState struct {
	IsConnected  bool
	Reconnection ReconnectState
}

// ManagerConfig configures a stream manager.
type ManagerConfig struct {
	// URL is the websocket endpoint, e.g. ws://host/api/v1/stream. The
	// workflow and session ids are appended as query parameters.
	URL string
	// Reconnect tunes the backoff policy.
	Reconnect ReconnectConfig
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// ReadTimeout closes a silent connection so dead TCP paths surface as
	// transport errors. The server's heartbeat must beat faster than this.
	ReadTimeout time.Duration
	// OnStateChange, when set, is invoked on every connect/disconnect
	// transition (push model; GetConnectionState remains for polling).
	OnStateChange func(ConnectionState)
	// OnConnectionLost fires once when the reconnect budget is exhausted.
	// The session is then dead until an explicit Connect.
	OnConnectionLost func()
	// Invalidator receives cache invalidation signals; nil disables them.
	Invalidator Invalidator
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	out := c
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 90 * time.Second
	}
	return out
}

// Manager owns the single live websocket connection for one
// (workflowID, sessionID) pair and fans decoded events out to listeners.
// Exactly one connection is live at a time: Connect replaces any prior
// connection, and Disconnect cancels pending reconnects before closing.
type Manager struct {
	cfg     ManagerConfig
	dialer  *websocket.Dialer
	logger  logging.Logger
	metrics *observability.StreamMetrics

	reconnector *Reconnector

	mu         sync.Mutex
	conn       *websocket.Conn
	connGen    int
	connected  bool
	closed     bool
	workflowID string
	sessionID  string

	subMu    sync.RWMutex
	nextSub  int64
	handlers map[events.Type]map[int64]Handler
	anySubs  map[int64]Handler
}

// NewManager builds a manager. Metrics may be nil.
func NewManager(cfg ManagerConfig, metrics *observability.StreamMetrics, logger logging.Logger) *Manager {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = observability.NopStreamMetrics()
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		handlers: make(map[events.Type]map[int64]Handler),
		anySubs:  make(map[int64]Handler),
	}
	m.reconnector = NewReconnector(cfg.Reconnect, m.reconnectAttempt, m.connectionLost, m.logger)
	return m
}

// Connect opens the stream for the given pair, tearing down any previous
// connection first. An explicit connect always resets the reconnect budget;
// if the dial fails, automatic reconnection takes over from attempt one.
func (m *Manager) Connect(ctx context.Context, workflowID, sessionID string) error {
	if workflowID == "" || sessionID == "" {
		return errors.New("workflow id and session id are required")
	}

	m.teardown()
	m.reconnector.Reset()

	m.mu.Lock()
	m.workflowID = workflowID
	m.sessionID = sessionID
	m.closed = false
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.logger.Warn("initial connect failed: %v", err)
		m.scheduleReconnect()
		return fmt.Errorf("connect workflow stream: %w", err)
	}
	return nil
}

// Disconnect cancels any scheduled reconnect, then closes the connection.
// Idempotent; safe to call on a never-connected manager.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.reconnector.CancelReconnect()
	m.teardown()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GetConnectionState snapshots connection and reconnection state.
func (m *Manager) GetConnectionState() ConnectionState {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	return ConnectionState{
		IsConnected:  connected,
		Reconnection: m.reconnector.State(),
	}
}

// On registers a handler for one event type and returns its subscription id.
func (m *Manager) On(eventType events.Type, handler Handler) int64 {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	if m.handlers[eventType] == nil {
		m.handlers[eventType] = make(map[int64]Handler)
	}
	m.handlers[eventType][m.nextSub] = handler
	return m.nextSub
}

// Off removes a per-type subscription.
func (m *Manager) Off(eventType events.Type, sub int64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.handlers[eventType], sub)
}

// OnAny registers a catch-all handler invoked for every decoded event.
func (m *Manager) OnAny(handler Handler) int64 {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	m.anySubs[m.nextSub] = handler
	return m.nextSub
}

// OffAny removes a catch-all subscription.
func (m *Manager) OffAny(sub int64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.anySubs, sub)
}

func (m *Manager) streamURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	m.mu.Lock()
	q.Set("workflow_id", m.workflowID)
	q.Set("session_id", m.sessionID)
	m.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens the websocket and starts its read loop.
func (m *Manager) dial(ctx context.Context) error {
	target, err := m.streamURL()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	conn, _, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}

	// A server heartbeat is proof of life, so each ping pushes the read
	// deadline forward before the pong goes back. Without this an idle but
	// healthy connection would hit the deadline and churn through redials.
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

	m.mu.Lock()
	if m.closed {
		// Disconnect landed while the handshake was in flight; the session is
		// over and this fresh connection must not be installed.
		m.mu.Unlock()
		_ = conn.Close()
		return errors.New("manager is disconnected")
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.connGen++
	gen := m.connGen
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	m.reconnector.Reset()
	m.metrics.ConnectionState.Set(1)
	m.logger.Info("stream connected")
	m.notifyState()

	go m.readLoop(conn, gen)
	return nil
}

// teardown closes the current connection, if any.
func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connGen++ // orphan any read loop still draining the old conn
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		m.metrics.ConnectionState.Set(0)
		m.notifyState()
	}
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleTransportError(gen, err)
			return
		}

		event, err := decodeFrame(data)
		if err != nil {
			// One malformed frame never interrupts the stream.
			m.metrics.FramesDropped.Inc()
			m.logger.Warn("dropping malformed frame: %v", err)
			continue
		}
		m.metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()
		m.dispatch(event)
		m.invalidateFor(event)
	}
}

// decodeFrame parses one frame, attempting a JSON repair pass before giving
// up on near-JSON payloads (truncated buffers, stray trailing commas).
func decodeFrame(data []byte) (events.Event, error) {
	var event events.Event
	if err := json.Unmarshal(data, &event); err == nil {
		return event, validateFrame(event)
	}

	repaired, err := jsonrepair.JSONRepair(string(data))
	if err != nil {
		return events.Event{}, fmt.Errorf("unparseable frame: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &event); err != nil {
		return events.Event{}, fmt.Errorf("frame still invalid after repair: %w", err)
	}
	return event, validateFrame(event)
}

func validateFrame(event events.Event) error {
	if event.Type == "" {
		return errors.New("frame has no type")
	}
	return nil
}

// dispatch fans one event out to catch-all then per-type listeners. A
// listener panic is contained and logged so it cannot break delivery to the
// remaining listeners or kill the read loop.
func (m *Manager) dispatch(event events.Event) {
	m.subMu.RLock()
	catchAll := make([]Handler, 0, len(m.anySubs))
	for _, h := range m.anySubs {
		catchAll = append(catchAll, h)
	}
	typed := make([]Handler, 0, len(m.handlers[event.Type]))
	for _, h := range m.handlers[event.Type] {
		typed = append(typed, h)
	}
	m.subMu.RUnlock()

	for _, h := range catchAll {
		m.safeInvoke(h, event)
	}
	for _, h := range typed {
		m.safeInvoke(h, event)
	}
}

func (m *Manager) safeInvoke(handler Handler, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panic on %s event: %v", event.Type, r)
		}
	}()
	handler(event)
}

// invalidateFor signals downstream caches for event types that change
// externally visible resources. Runs detached: invalidation must never
// block or fail the event path.
func (m *Manager) invalidateFor(event events.Event) {
	if m.cfg.Invalidator == nil {
		return
	}

	m.mu.Lock()
	workflowID := m.workflowID
	m.mu.Unlock()

	var keys []string
	switch event.Type {
	case events.TypeWorkflowCreated, events.TypeWorkflowCompleted, events.TypeWorkflowPartiallyDone:
		keys = []string{"projects", "project:" + workflowID}
	case events.TypeStageCompleted:
		keys = []string{"project:" + workflowID}
	case events.TypeArtifactReady:
		keys = []string{"artifacts", "project:" + workflowID}
	default:
		return
	}

	go m.cfg.Invalidator.Invalidate(keys...)
}

func (m *Manager) handleTransportError(gen int, err error) {
	m.mu.Lock()
	if gen != m.connGen {
		// A newer connection replaced this one; its loop owns recovery.
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.metrics.ConnectionState.Set(0)
	m.logger.Warn("stream transport error: %v", err)
	m.notifyState()
	m.scheduleReconnect()
}

// scheduleReconnect asks the policy for another attempt unless the manager
// was explicitly disconnected. The re-check after scheduling closes the race
// where Disconnect lands between the check and the timer being armed.
func (m *Manager) scheduleReconnect() {
	if m.isClosed() {
		return
	}
	if m.reconnector.ScheduleReconnect() {
		m.metrics.ReconnectAttempts.Inc()
	}
	if m.isClosed() {
		m.reconnector.CancelReconnect()
	}
}

// reconnectAttempt runs when a scheduled backoff delay elapses.
func (m *Manager) reconnectAttempt() {
	if m.isClosed() {
		return
	}
	err := m.dial(context.Background())
	if err == nil {
		return
	}
	m.logger.Warn("reconnect attempt failed: %v", err)
	m.scheduleReconnect()
}

// connectionLost runs once when the reconnect budget is exhausted.
func (m *Manager) connectionLost() {
	m.notifyState()
	if m.cfg.OnConnectionLost != nil {
		m.cfg.OnConnectionLost()
	}
}

func (m *Manager) notifyState() {
	if m.cfg.OnStateChange == nil {
		return
	}
	m.cfg.OnStateChange(m.GetConnectionState())
}
