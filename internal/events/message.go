package events

import (
	"time"

	"github.com/google/uuid"

	"pipewatch/internal/workflow"
)

// MessageKind classifies a transcript entry by author and shape.
type MessageKind string

const (
	KindAgent      MessageKind = "agent"
	KindUser       MessageKind = "user"
	KindSystem     MessageKind = "system"
	KindArtifact   MessageKind = "artifact"
	KindEmailDraft MessageKind = "email_draft"
)

// DeliveryStatus tracks submission of a user-authored message. It moves
// sending -> sent or sending -> failed, never backward, and is empty on
// messages the user did not author.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is one transcript entry. The transcript is append-only; only a
// user message's DeliveryStatus mutates after insertion.
type Message struct {
	ID        string           `json:"id"`
	Kind      MessageKind      `json:"kind"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Stage     workflow.StageID `json:"stage,omitempty"`
	// Markdown marks Content as formatted text rather than a status line.
	Markdown bool           `json:"markdown,omitempty"`
	Delivery DeliveryStatus `json:"delivery_status,omitempty"`
}

// NewMessage builds a transcript entry with a fresh unique id.
func NewMessage(kind MessageKind, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewStageMessage builds a transcript entry attributed to a stage.
func NewStageMessage(kind MessageKind, stage workflow.StageID, content string) Message {
	msg := NewMessage(kind, content)
	msg.Stage = stage
	return msg
}

// NewUserMessage builds a locally-authored message in the sending state.
func NewUserMessage(content string) Message {
	msg := NewMessage(KindUser, content)
	msg.Delivery = DeliverySending
	return msg
}
