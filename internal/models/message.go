package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat bubble: either a user utterance or an opponent reply.
// Field names match the log format written by earlier browser clients.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(content string, isUser bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		IsUser:    isUser,
		Timestamp: time.Now(),
	}
}
