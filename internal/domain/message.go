// Package domain contains core domain types for the Data Room application.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageKind distinguishes the structural purpose of a message. Clarification
// detection relies on Kind, never on the message text.
type MessageKind string

const (
	KindQuestion      MessageKind = "question"
	KindClarification MessageKind = "clarification"
	KindAnswer        MessageKind = "answer"
)

// Message is one entry of a conversation history.
type Message struct {
	ID            string      `json:"id"`
	Role          Role        `json:"role"`
	Kind          MessageKind `json:"kind"`
	Content       string      `json:"content"`
	Images        []string    `json:"images"`
	Plan          string      `json:"plan,omitempty"`
	TriggerPrompt string      `json:"trigger_prompt,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// NewUserMessage creates a user question.
func NewUserMessage(content string) Message {
	return newMessage(RoleUser, KindQuestion, content)
}

// NewClarificationMessage creates an assistant message asking the user to narrow a request.
func NewClarificationMessage(content string) Message {
	return newMessage(RoleAssistant, KindClarification, content)
}

// NewAnswerMessage creates an assistant answer carrying chart references, the
// executed plan and the prompt that triggered it.
func NewAnswerMessage(content string, images []string, plan, triggerPrompt string) Message {
	m := newMessage(RoleAssistant, KindAnswer, content)
	if images != nil {
		m.Images = append(m.Images, images...)
	}
	m.Plan = plan
	m.TriggerPrompt = triggerPrompt
	return m
}

func newMessage(role Role, kind MessageKind, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Kind:      kind,
		Content:   content,
		Images:    []string{},
		CreatedAt: time.Now().UTC(),
	}
}

// IsAssistant reports whether the message was authored by the assistant.
func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// IsClarification reports whether the message is a clarification request.
func (m Message) IsClarification() bool {
	return m.Kind == KindClarification
}
