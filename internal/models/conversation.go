package models

import "time"

// ConversationPreview is the lightweight history entry shown in the sidebar.
type ConversationPreview struct {
	ID        string    `json:"id"`
	RoomID    int       `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
	Preview   string    `json:"preview"`
}

// HistoryIndex is ordered most-recent-first.
type HistoryIndex []ConversationPreview
