package server

import (
	"time"

	"github.com/danmuck/meshlink/internal/client"
	"github.com/danmuck/meshlink/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 256
)

// snapshotFrame is the first frame on every stream so late joiners start
// from current state.
type snapshotFrame struct {
	Kind     string          `json:"kind"`
	Status   client.Status   `json:"status"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("server.Server.serveWS upgrade")
		return
	}
	notes, cancel := s.client.Watch(wsBuffer)
	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, notes, done)
	cancel()
	_ = conn.Close()
}

// readPump discards client frames and closes done once the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("server.Server.readPump")
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, notes <-chan client.Notification, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	first := snapshotFrame{Kind: "snapshot", Status: s.client.Status(), Snapshot: s.client.Snapshot()}
	if err := writeJSON(conn, first); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case note, ok := <-notes:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeJSON(conn, note); err != nil {
				log.Debug().Err(err).Msg("server.Server.writePump")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
