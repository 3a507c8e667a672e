package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Swindy123/aichat/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBacklog    = 16
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// streamRoom pushes a snapshot of the room on connect and after every change.
// Clients only listen; actions go through the REST routes.
func (h *Handler) streamRoom(c *gin.Context) {
	ctrl := roomFromContext(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade room %d failed: %v", ctrl.RoomID(), err)
		return
	}
	defer conn.Close()
	log.Printf("ws: connect room=%d from=%s", ctrl.RoomID(), c.Request.RemoteAddr)

	updates := make(chan session.Snapshot, wsBacklog)
	unsubscribe, err := ctrl.Subscribe(func(s session.Snapshot) {
		select {
		case updates <- s:
		default:
			// slow reader; it will catch up on the next change
		}
	})
	if err != nil {
		log.Printf("ws: subscribe room %d failed: %v", ctrl.RoomID(), err)
		return
	}
	defer unsubscribe()

	closed := make(chan struct{})
	go wsReader(conn, closed)

	if err := writeSnapshot(conn, ctrl.Snapshot()); err != nil {
		return
	}
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			log.Printf("ws: closed room=%d", ctrl.RoomID())
			return
		case snap := <-updates:
			if err := writeSnapshot(conn, snap); err != nil {
				log.Printf("ws: write room %d failed: %v", ctrl.RoomID(), err)
				return
			}
		case <-ticker.C:
			// an open feed keeps the room from being evicted
			h.room(ctrl.RoomID())
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReader drains client frames so pongs and close frames are processed.
func wsReader(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap session.Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(gin.H{"type": "snapshot", "data": snap})
}
