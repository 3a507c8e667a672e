package models

import "strings"

// GamePhase tracks where a conversation is in the riddle game.
type GamePhase string

const (
	PhaseNotStarted GamePhase = "not_started"
	PhaseActive     GamePhase = "active"
	PhaseEnded      GamePhase = "ended"
)

const (
	// StartCommand is sent to the opponent to open a game.
	StartCommand = "开始"
	// EndCommand is sent to the opponent to finish a game early.
	EndCommand = "结束"
	// GameOverMarker appears in any reply that concludes the game server-side.
	GameOverMarker = "游戏已结束"
)

// Valid reports whether p is one of the known phases.
func (p GamePhase) Valid() bool {
	switch p {
	case PhaseNotStarted, PhaseActive, PhaseEnded:
		return true
	default:
		return false
	}
}

// IsGameOver reports whether a reply signals the end of the game.
func IsGameOver(reply string) bool {
	return strings.Contains(reply, GameOverMarker)
}

// InferPhase reconstructs the phase from message content for logs that
// were stored without an explicit phase.
func InferPhase(messages []Message) GamePhase {
	started, ended := false, false
	for _, m := range messages {
		if m.IsUser {
			if m.Content == StartCommand {
				started = true
			}
			continue
		}
		if IsGameOver(m.Content) {
			ended = true
		}
	}
	switch {
	case ended:
		return PhaseEnded
	case started:
		return PhaseActive
	default:
		return PhaseNotStarted
	}
}
