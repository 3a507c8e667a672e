package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Swindy123/aichat/internal/gameclient"
	"github.com/Swindy123/aichat/internal/history"
	"github.com/Swindy123/aichat/internal/models"
	"github.com/Swindy123/aichat/internal/session"
)

// GameService is the remote riddle service as seen by the API.
type GameService interface {
	session.GameClient
	ListRooms(ctx context.Context) (json.RawMessage, error)
}

// Handler wires HTTP routes to per-room session controllers and the history store.
type Handler struct {
	game    GameService
	history *history.Store

	mu        sync.Mutex
	rooms     map[int]*roomEntry
	newRoomID func() int
	now       func() time.Time
	roomTTL   time.Duration
}

// DefaultRoomTTL is how long an untouched room stays registered.
const DefaultRoomTTL = 30 * time.Minute

type roomEntry struct {
	ctrl     *session.Controller
	lastSeen time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(game GameService, store *history.Store) *Handler {
	return &Handler{
		game:      game,
		history:   store,
		rooms:     make(map[int]*roomEntry),
		newRoomID: session.NewRoomID,
		now:       time.Now,
		roomTTL:   DefaultRoomTTL,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/rooms", h.createRoom)
	api.GET("/remote/rooms", h.listRemoteRooms)

	room := api.Group("/rooms/:room_id")
	room.Use(h.requireRoom())
	room.GET("", h.getRoom)
	room.DELETE("", h.deleteRoom)
	room.POST("/start", h.startGame)
	room.POST("/end", h.endGame)
	room.POST("/msg", h.captureInput)
	room.POST("/load", h.loadConversation)
	room.GET("/ws", h.streamRoom)

	api.GET("/history", h.listHistory)
	api.GET("/history/:conversation_id", h.getConversation)
	api.DELETE("/history/:conversation_id", h.deleteConversation)
}

const roomKey = "room"

// requireRoom resolves :room_id to a live controller.
func (h *Handler) requireRoom() gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID, err := strconv.Atoi(c.Param("room_id"))
		if err != nil || roomID < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
			return
		}
		ctrl, ok := h.room(roomID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.Set(roomKey, ctrl)
		c.Next()
	}
}

// room looks up a live room and marks it as used.
func (h *Handler) room(roomID int) (*session.Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.rooms[roomID]
	if !ok {
		return nil, false
	}
	entry.lastSeen = h.now()
	return entry.ctrl, true
}

// evictIdleLocked drops rooms untouched for roomTTL. Rooms with a request in
// flight are kept.
func (h *Handler) evictIdleLocked() {
	if h.roomTTL <= 0 {
		return
	}
	cutoff := h.now().Add(-h.roomTTL)
	for id, entry := range h.rooms {
		if entry.lastSeen.Before(cutoff) && !entry.ctrl.Pending() {
			delete(h.rooms, id)
			debugRoom("evicted idle room %d", id)
		}
	}
}

func roomFromContext(c *gin.Context) *session.Controller {
	return c.MustGet(roomKey).(*session.Controller)
}

// createRoom is the home action: a fresh room with an empty conversation.
func (h *Handler) createRoom(c *gin.Context) {
	h.mu.Lock()
	h.evictIdleLocked()
	roomID := h.newRoomID()
	for attempts := 0; attempts < 16; attempts++ {
		if _, taken := h.rooms[roomID]; !taken {
			break
		}
		roomID = h.newRoomID()
	}
	if _, taken := h.rooms[roomID]; taken {
		h.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no free room, please retry"})
		return
	}
	ctrl := session.NewController(roomID, h.game, h.history)
	h.rooms[roomID] = &roomEntry{ctrl: ctrl, lastSeen: h.now()}
	h.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{
		"roomId":         roomID,
		"conversationId": ctrl.ConversationID(),
	})
}

func (h *Handler) getRoom(c *gin.Context) {
	c.JSON(http.StatusOK, roomFromContext(c).Snapshot())
}

// deleteRoom unregisters the room; its saved conversation stays in history.
func (h *Handler) deleteRoom(c *gin.Context) {
	ctrl := roomFromContext(c)
	if ctrl.Pending() {
		c.JSON(http.StatusConflict, gin.H{"error": session.ErrBusy.Error()})
		return
	}
	h.mu.Lock()
	delete(h.rooms, ctrl.RoomID())
	h.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (h *Handler) startGame(c *gin.Context) {
	ctrl := roomFromContext(c)
	respondSnapshot(c, ctrl, ctrl.Start(c.Request.Context()))
}

func (h *Handler) endGame(c *gin.Context) {
	ctrl := roomFromContext(c)
	respondSnapshot(c, ctrl, ctrl.End(c.Request.Context()))
}

type inputRequest struct {
	Content string `json:"content"`
}

func (h *Handler) captureInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctrl := roomFromContext(c)
	respondSnapshot(c, ctrl, ctrl.SubmitTurn(c.Request.Context(), req.Content))
}

func (h *Handler) loadConversation(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}
	ctrl := roomFromContext(c)
	respondSnapshot(c, ctrl, ctrl.LoadInto(c.Request.Context(), id))
}

// respondSnapshot maps controller rejections to status codes. Network failures
// are not errors here; they already show up as a notice in the snapshot.
func respondSnapshot(c *gin.Context, ctrl *session.Controller, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, ctrl.Snapshot())
	case errors.Is(err, session.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrPhase):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "snapshot": ctrl.Snapshot()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) listHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": h.history.LoadIndex(c.Request.Context())})
}

func (h *Handler) getConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("conversation_id")
	preview, ok := h.history.Preview(ctx, id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	messages := h.history.LoadConversation(ctx, id)
	phase, stored := h.history.LoadPhase(ctx, id)
	if !stored {
		phase = models.InferPhase(messages)
	}
	c.JSON(http.StatusOK, gin.H{
		"preview":  preview,
		"phase":    phase,
		"messages": messages,
	})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	index := h.history.DeleteConversation(c.Request.Context(), c.Param("conversation_id"))
	c.JSON(http.StatusOK, gin.H{"history": index})
}

func (h *Handler) listRemoteRooms(c *gin.Context) {
	rooms, err := h.game.ListRooms(c.Request.Context())
	if err != nil {
		var ne *gameclient.NetworkError
		if errors.As(err, &ne) {
			c.JSON(http.StatusBadGateway, gin.H{"error": ne.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", rooms)
}
