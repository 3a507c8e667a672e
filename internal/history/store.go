package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Swindy123/aichat/internal/models"
	"github.com/Swindy123/aichat/internal/storage"
)

const (
	// IndexKey holds the serialized HistoryIndex.
	IndexKey = "chatHistory"
	// LogKeyPrefix + conversation id holds the full message log.
	LogKeyPrefix = "chat_"
	// PhaseKeyPrefix + conversation id holds the last known game phase.
	PhaseKeyPrefix = "chatPhase_"

	MaxEntries         = 10
	PreviewLength      = 50
	PreviewPlaceholder = "新对话"
)

// ErrMalformed marks persisted values that are present but not the expected shape.
var ErrMalformed = errors.New("malformed history data")

// Store keeps the preview index and per-conversation logs in a KV backend.
// Every failure is logged and degraded; no method returns an error.
type Store struct {
	kv  storage.KV
	now func() time.Time

	mu   sync.Mutex
	last models.HistoryIndex // last index successfully read or written
}

func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

func LogKey(conversationID string) string   { return LogKeyPrefix + conversationID }
func PhaseKey(conversationID string) string { return PhaseKeyPrefix + conversationID }

// LoadIndex returns the persisted index, or an empty one when absent or unreadable.
func (s *Store) LoadIndex(ctx context.Context) models.HistoryIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.loadIndexLocked(ctx))
}

func (s *Store) loadIndexLocked(ctx context.Context) models.HistoryIndex {
	raw, ok, err := s.kv.Get(ctx, IndexKey)
	if err != nil {
		log.Printf("history load index failed: %v", err)
		return s.last
	}
	if !ok {
		s.last = models.HistoryIndex{}
		return s.last
	}
	var index models.HistoryIndex
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		log.Printf("history load index: %v", fmt.Errorf("%w: %v", ErrMalformed, err))
		s.last = models.HistoryIndex{}
		return s.last
	}
	if index == nil {
		index = models.HistoryIndex{}
	}
	s.last = index
	return index
}

// UpsertPreview replaces the entry for conversationID with a fresh preview at the
// front of the index, then stores the full message log. The log write is best-effort
// and never rolls back the index.
func (s *Store) UpsertPreview(ctx context.Context, conversationID string, roomID int, messages []models.Message) models.HistoryIndex {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := models.ConversationPreview{
		ID:        conversationID,
		RoomID:    roomID,
		Timestamp: s.now(),
		Preview:   BuildPreview(messages),
	}
	current := s.loadIndexLocked(ctx)
	updated := make(models.HistoryIndex, 0, MaxEntries)
	updated = append(updated, entry)
	for _, h := range current {
		if h.ID == conversationID {
			continue
		}
		updated = append(updated, h)
	}
	if len(updated) > MaxEntries {
		updated = updated[:MaxEntries]
	}
	s.saveIndexLocked(ctx, updated)

	if data, err := json.Marshal(messages); err != nil {
		log.Printf("history marshal conversation %s failed: %v", conversationID, err)
	} else if err := s.kv.Set(ctx, LogKey(conversationID), string(data)); err != nil {
		log.Printf("history save conversation %s failed: %v", conversationID, err)
	}
	return clone(updated)
}

// DeleteConversation drops the entry from the index and tries to remove its log.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) models.HistoryIndex {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.loadIndexLocked(ctx)
	updated := make(models.HistoryIndex, 0, len(current))
	for _, h := range current {
		if h.ID != conversationID {
			updated = append(updated, h)
		}
	}
	s.saveIndexLocked(ctx, updated)

	if err := s.kv.Remove(ctx, LogKey(conversationID)); err != nil {
		log.Printf("history remove conversation %s failed: %v", conversationID, err)
	}
	if err := s.kv.Remove(ctx, PhaseKey(conversationID)); err != nil {
		log.Printf("history remove phase %s failed: %v", conversationID, err)
	}
	return clone(updated)
}

func (s *Store) saveIndexLocked(ctx context.Context, index models.HistoryIndex) {
	s.last = index
	data, err := json.Marshal(index)
	if err != nil {
		log.Printf("history marshal index failed: %v", err)
		return
	}
	if err := s.kv.Set(ctx, IndexKey, string(data)); err != nil {
		log.Printf("history save index failed: %v", err)
	}
}

// LoadConversation returns the stored log, or an empty slice when there is none
// or the stored value is not a message array.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) []models.Message {
	raw, ok, err := s.kv.Get(ctx, LogKey(conversationID))
	if err != nil {
		log.Printf("history load conversation %s failed: %v", conversationID, err)
		return []models.Message{}
	}
	if !ok {
		return []models.Message{}
	}
	var messages []models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		log.Printf("warning: history conversation %s: %v", conversationID, fmt.Errorf("%w: %v", ErrMalformed, err))
		return []models.Message{}
	}
	now := s.now()
	restored := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		restored = append(restored, m)
	}
	return restored
}

// SavePhase records the phase of a conversation next to its log.
func (s *Store) SavePhase(ctx context.Context, conversationID string, phase models.GamePhase) {
	if err := s.kv.Set(ctx, PhaseKey(conversationID), string(phase)); err != nil {
		log.Printf("history save phase %s failed: %v", conversationID, err)
	}
}

// LoadPhase returns the recorded phase; ok is false for logs written without one.
func (s *Store) LoadPhase(ctx context.Context, conversationID string) (models.GamePhase, bool) {
	raw, ok, err := s.kv.Get(ctx, PhaseKey(conversationID))
	if err != nil {
		log.Printf("history load phase %s failed: %v", conversationID, err)
		return "", false
	}
	if !ok {
		return "", false
	}
	phase := models.GamePhase(strings.TrimSpace(raw))
	if !phase.Valid() {
		log.Printf("history load phase %s: %v", conversationID, fmt.Errorf("%w: unknown phase %q", ErrMalformed, raw))
		return "", false
	}
	return phase, true
}

// Preview returns the index entry for conversationID, if present.
func (s *Store) Preview(ctx context.Context, conversationID string) (models.ConversationPreview, bool) {
	for _, h := range s.LoadIndex(ctx) {
		if h.ID == conversationID {
			return h, true
		}
	}
	return models.ConversationPreview{}, false
}

// BuildPreview takes the first PreviewLength characters of the first opponent
// reply, with newlines flattened to spaces.
func BuildPreview(messages []models.Message) string {
	for _, m := range messages {
		if m.IsUser {
			continue
		}
		runes := []rune(m.Content)
		if len(runes) > PreviewLength {
			runes = runes[:PreviewLength]
		}
		if preview := strings.ReplaceAll(string(runes), "\n", " "); preview != "" {
			return preview
		}
		break
	}
	return PreviewPlaceholder
}

func clone(index models.HistoryIndex) models.HistoryIndex {
	out := make(models.HistoryIndex, len(index))
	copy(out, index)
	return out
}
