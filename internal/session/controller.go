package session

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swindy123/aichat/internal/models"
)

const (
	StartFailedNotice = "连接失败，请稍后重试"
	EndFailedNotice   = "结束失败，请稍后重试"
	SendFailedNotice  = "发送失败，请重试"

	maxRoomID = 1_000_000
)

var (
	// ErrBusy rejects an operation while a request is in flight.
	ErrBusy = errors.New("a request is already in flight")
	// ErrPhase rejects an operation the current game phase does not allow.
	ErrPhase       = errors.New("operation not allowed in current game phase")
	ErrEmptyInput  = errors.New("message is empty")
	errNilListener = errors.New("nil listener")
)

// GameClient sends one utterance and returns the opponent's reply.
type GameClient interface {
	SendTurn(ctx context.Context, roomID int, utterance string) (string, error)
}

// History persists conversations; implementations log their own failures.
type History interface {
	UpsertPreview(ctx context.Context, conversationID string, roomID int, messages []models.Message) models.HistoryIndex
	LoadConversation(ctx context.Context, conversationID string) []models.Message
	SavePhase(ctx context.Context, conversationID string, phase models.GamePhase)
	LoadPhase(ctx context.Context, conversationID string) (models.GamePhase, bool)
}

// Controls mirrors which chat actions are currently available.
type Controls struct {
	CanStart bool `json:"canStart"`
	CanEnd   bool `json:"canEnd"`
	CanSend  bool `json:"canSend"`
}

// Snapshot is a copy of the controller state safe to hand to other goroutines.
type Snapshot struct {
	RoomID         int              `json:"roomId"`
	ConversationID string           `json:"conversationId"`
	Phase          models.GamePhase `json:"phase"`
	Pending        bool             `json:"pending"`
	Messages       []models.Message `json:"messages"`
	Controls       Controls         `json:"controls"`
}

// Controller drives one conversation against the game service.
// The pending flag admits a single outbound request at a time; the mutex only
// guards state and is never held across the network call.
type Controller struct {
	client  GameClient
	history History
	roomID  int

	mu             sync.Mutex
	conversationID string
	messages       []models.Message
	phase          models.GamePhase
	pending        bool

	listenerSeq int
	listeners   map[int]func(Snapshot)
}

func NewController(roomID int, client GameClient, history History) *Controller {
	return &Controller{
		client:         client,
		history:        history,
		roomID:         roomID,
		conversationID: NewConversationID(),
		messages:       make([]models.Message, 0),
		phase:          models.PhaseNotStarted,
		listeners:      make(map[int]func(Snapshot)),
	}
}

// NewRoomID picks a random room for a new game.
func NewRoomID() int {
	return rand.IntN(maxRoomID)
}

var lastConversationMillis atomic.Int64

// NewConversationID returns chat_<unix millis>, bumped when two ids would collide.
func NewConversationID() string {
	for {
		last := lastConversationMillis.Load()
		now := time.Now().UnixMilli()
		if now <= last {
			now = last + 1
		}
		if lastConversationMillis.CompareAndSwap(last, now) {
			return "chat_" + strconv.FormatInt(now, 10)
		}
	}
}

// Start opens the game by sending the start command.
func (c *Controller) Start(ctx context.Context) error {
	return c.exchange(ctx, models.StartCommand, StartFailedNotice,
		func(p models.GamePhase) bool { return p == models.PhaseNotStarted },
		func(reply string) models.GamePhase {
			if models.IsGameOver(reply) {
				return models.PhaseEnded
			}
			return models.PhaseActive
		})
}

// End asks the opponent to finish the game; the phase becomes Ended on any reply.
func (c *Controller) End(ctx context.Context) error {
	return c.exchange(ctx, models.EndCommand, EndFailedNotice,
		func(p models.GamePhase) bool { return p == models.PhaseActive },
		func(string) models.GamePhase { return models.PhaseEnded })
}

// SubmitTurn sends one guess while the game is active.
func (c *Controller) SubmitTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	return c.exchange(ctx, text, SendFailedNotice,
		func(p models.GamePhase) bool { return p == models.PhaseActive },
		func(reply string) models.GamePhase {
			if models.IsGameOver(reply) {
				return models.PhaseEnded
			}
			return models.PhaseActive
		})
}

func (c *Controller) exchange(ctx context.Context, utterance, failureNotice string, allowed func(models.GamePhase) bool, next func(reply string) models.GamePhase) error {
	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return ErrBusy
	}
	if !allowed(c.phase) {
		c.mu.Unlock()
		return ErrPhase
	}
	c.pending = true
	c.appendLocked(ctx, models.NewMessage(utterance, true))
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	defer func() {
		c.mu.Lock()
		c.pending = false
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
	}()

	debugLog("[session] room %d send %q", c.roomID, utterance)
	reply, err := c.client.SendTurn(ctx, c.roomID, utterance)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		log.Printf("session room %d send %q failed: %v", c.roomID, utterance, err)
		c.appendLocked(ctx, models.NewMessage(failureNotice, false))
		return nil
	}
	c.phase = next(reply)
	c.appendLocked(ctx, models.NewMessage(reply, false))
	debugLog("[session] room %d phase %s", c.roomID, c.phase)
	return nil
}

// appendLocked adds a message and persists the conversation.
// Writes outlive ctx so a cancelled request still leaves the log in step
// with the in-memory list.
func (c *Controller) appendLocked(ctx context.Context, msg models.Message) {
	c.messages = append(c.messages, msg)
	if c.history == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.history.UpsertPreview(ctx, c.conversationID, c.roomID, c.copyMessagesLocked())
	c.history.SavePhase(ctx, c.conversationID, c.phase)
}

// LoadInto replaces the active conversation with a stored one.
// The phase comes from the stored phase, or is inferred from message content
// for logs saved without one.
func (c *Controller) LoadInto(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return ErrBusy
	}
	messages := []models.Message{}
	phase := models.PhaseNotStarted
	if c.history != nil {
		messages = c.history.LoadConversation(ctx, conversationID)
		if stored, ok := c.history.LoadPhase(ctx, conversationID); ok {
			phase = stored
		} else {
			phase = models.InferPhase(messages)
		}
	}
	c.conversationID = conversationID
	c.messages = messages
	c.phase = phase
	snap := c.snapshotLocked()
	c.mu.Unlock()

	debugLog("[session] room %d loaded %s (%d messages, %s)", c.roomID, conversationID, len(messages), phase)
	c.notify(snap)
	return nil
}

func (c *Controller) RoomID() int { return c.roomID }

func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Controller) Phase() models.GamePhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Messages returns a copy of the active message list.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyMessagesLocked()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every state change.
// The returned func removes the listener.
func (c *Controller) Subscribe(fn func(Snapshot)) (func(), error) {
	if fn == nil {
		return nil, errNilListener
	}
	c.mu.Lock()
	c.listenerSeq++
	id := c.listenerSeq
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}, nil
}

func (c *Controller) notify(snap Snapshot) {
	c.mu.Lock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	idle := !c.pending
	return Snapshot{
		RoomID:         c.roomID,
		ConversationID: c.conversationID,
		Phase:          c.phase,
		Pending:        c.pending,
		Messages:       c.copyMessagesLocked(),
		Controls: Controls{
			CanStart: idle && c.phase == models.PhaseNotStarted,
			CanEnd:   idle && c.phase == models.PhaseActive,
			CanSend:  idle && c.phase == models.PhaseActive,
		},
	}
}

func (c *Controller) copyMessagesLocked() []models.Message {
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
