package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pipewatch/internal/api"
	"pipewatch/internal/events"
	"pipewatch/internal/logging"
	"pipewatch/internal/workflow"
)

type simulator struct {
	stepDelay time.Duration
	failStage workflow.StageID
	logger    logging.Logger

	mu      sync.Mutex
	streams map[string][]*websocket.Conn
	// failed tracks which sessions already consumed their scripted failure.
	failed map[string]bool
}

func newSimulator(stepDelay time.Duration, failStage workflow.StageID) *simulator {
	return &simulator{
		stepDelay: stepDelay,
		failStage: failStage,
		logger:    logging.NewComponentLogger("flowsim"),
		streams:   make(map[string][]*websocket.Conn),
		failed:    make(map[string]bool),
	}
}

func (s *simulator) run(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/api/v1/messages", s.handleMessage)
	router.GET("/api/v1/stream", s.handleStream)

	s.logger.Info("flowsim listening on %s", addr)
	return router.Run(addr)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *simulator) handleStream(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.logger.Info("stream attached: session=%s workflow=%s", sessionID, c.Query("workflow_id"))

	s.mu.Lock()
	s.streams[sessionID] = append(s.streams[sessionID], conn)
	s.mu.Unlock()

	// Heartbeats keep the client's read deadline from firing; the read side
	// only exists to notice the peer going away.
	go s.heartbeat(sessionID, conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropConn(sessionID, conn)
				return
			}
		}
	}()
}

func (s *simulator) heartbeat(sessionID string, conn *websocket.Conn) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			s.dropConn(sessionID, conn)
			return
		}
	}
}

func (s *simulator) dropConn(sessionID string, conn *websocket.Conn) {
	s.mu.Lock()
	conns := s.streams[sessionID]
	for i, candidate := range conns {
		if candidate == conn {
			s.streams[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *simulator) handleMessage(c *gin.Context) {
	var req api.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("message received: session=%s start=%v", req.SessionID, req.Start)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})

	if req.Start {
		go s.runWorkflow(req.ProjectID, req.SessionID)
	}
}

func (s *simulator) emit(sessionID string, eventType events.Type, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode %s payload: %v", eventType, err)
		return
	}
	frame, err := json.Marshal(events.Event{Type: eventType, Data: data})
	if err != nil {
		s.logger.Error("encode %s frame: %v", eventType, err)
		return
	}

	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.streams[sessionID]...)
	s.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.dropConn(sessionID, conn)
		}
	}
}

// runWorkflow walks the scripted pipeline for one session.
func (s *simulator) runWorkflow(workflowID, sessionID string) {
	s.emit(sessionID, events.TypeWorkflowCreated, events.WorkflowPayload{
		WorkflowID: workflowID,
		Message:    "Workflow accepted, starting the pipeline",
	})

	for _, stage := range workflow.Stages {
		s.pause()
		s.emit(sessionID, events.TypeStageStarted, events.StagePayload{Stage: stage})
		s.pause()

		if stage == s.failStage && s.consumeFailure(sessionID) {
			s.emit(sessionID, events.TypeStageFailed, events.StageFailurePayload{
				Stage:     stage,
				Error:     "simulated transient failure",
				ErrorCode: "SIM_FAIL",
				CanRetry:  true,
			})
			s.pause()
			s.emit(sessionID, events.TypeStageStarted, events.StagePayload{Stage: stage})
			s.pause()
		}

		s.emitStageOutputs(workflowID, sessionID, stage)
	}

	s.pause()
	s.emit(sessionID, events.TypeWorkflowCompleted, events.WorkflowPayload{WorkflowID: workflowID})
}

// emitStageOutputs finishes one stage with its characteristic events.
func (s *simulator) emitStageOutputs(workflowID, sessionID string, stage workflow.StageID) {
	switch stage {
	case workflow.StageAnalyze:
		s.emit(sessionID, events.TypeAnalysisCompleted, events.AnalysisPayload{
			Stage:    stage,
			Markdown: true,
			Content: "## Analysis\n\n" +
				"- Document type: annual filing\n" +
				"- 3 sections require generated content\n" +
				"- No blocking issues found",
		})
	case workflow.StageGenerateContent:
		s.emit(sessionID, events.TypeStageCompleted, events.StagePayload{
			Stage:   stage,
			Summary: "Draft content generated for all sections",
		})
		s.emit(sessionID, events.TypeArtifactReady, events.ArtifactPayload{
			Stage:      stage,
			ArtifactID: "draft-" + workflowID,
			Name:       "draft.docx",
			Kind:       "document",
		})
	case workflow.StageCommunicate:
		s.emit(sessionID, events.TypeEmailDraft, events.EmailDraftPayload{
			Stage:   stage,
			Subject: "Your filing is ready for review",
			Body:    "The generated filing passed all checks and is ready to submit.",
		})
		s.emit(sessionID, events.TypeStageCompleted, events.StagePayload{Stage: stage})
	default:
		s.emit(sessionID, events.TypeStageCompleted, events.StagePayload{Stage: stage})
	}
}

func (s *simulator) consumeFailure(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed[sessionID] {
		return false
	}
	s.failed[sessionID] = true
	return true
}

func (s *simulator) pause() {
	time.Sleep(s.stepDelay)
}
