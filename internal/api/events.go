package api

import (
	"net/http"
	"time"

	"github.com/Galenite-GLNT/galenite-site/internal/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	eventBacklog = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventsHandler streams the caller's chat events over a WebSocket. A client
// that cannot keep up loses events rather than stalling publishers. The
// subscription starts before the upgrade so nothing published after the
// handshake is missed.
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	uid := IdentityFrom(r.Context()).Key()

	queue := make(chan events.Event, eventBacklog)
	unsubscribe := h.bus.Subscribe(func(e events.Event) {
		if e.UID != uid {
			return
		}
		select {
		case queue <- e:
		default:
			h.logger.Warn().Str("uid", uid).Str("type", string(e.Type)).Msg("Event stream backlog full, dropping event")
		}
	})
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.logger.Debug().Str("uid", uid).Msg("Event stream connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn().Err(err).Str("uid", uid).Msg("Event stream error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e := <-queue:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Warn().Err(err).Str("uid", uid).Msg("Failed to send event")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			h.logger.Debug().Str("uid", uid).Msg("Event stream disconnected")
			return
		}
	}
}
