package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/amanullahtanweer/billboard-callassist/internal/assist"
	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the operator UI is served from another origin in development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stateFeed streams UI state snapshots: the current one on connect, then
// one per change. Slow clients skip intermediate snapshots.
func (h *handler) stateFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnw("state feed upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates := make(chan assist.State, 1)
	unsubscribe := h.op.OnState(func(st assist.State) {
		select {
		case updates <- st:
		default:
			// replace the pending snapshot with the newer one
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	// the read side only watches for the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeState(conn, h.op.State()); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case st := <-updates:
			if err := writeState(conn, st); err != nil {
				logging.Debugw("state feed write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeState(conn *websocket.Conn, st assist.State) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(st)
}
