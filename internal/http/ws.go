package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/models"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleCaptainWS keeps a captain console connected for pushed
// notifications.
func (s *Server) handleCaptainWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actor := actorFrom(r.Context())
	if !actor.Authenticated() {
		s.writeError(w, r, apperr.Unauthenticated("sign in to connect"))
		return
	}
	if !actor.Privileged() && !(actor.Role == models.RoleCaptain && actor.ID == id) {
		s.writeError(w, r, apperr.PermissionDenied("cannot connect as captain %s", id))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "captain_id", id, "error", err)
		return
	}
	s.Sessions.Add(id, conn)
	s.logger.Info("captain console connected", "captain_id", id)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	// Drain control frames until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.Sessions.Remove(id, conn)
	_ = conn.Close()
	s.logger.Info("captain console disconnected", "captain_id", id)
}

// handleOpsWS streams the operations board.
func (s *Server) handleOpsWS(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	boards, err := s.Operations.Watch(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "actor_id", actor.ID, "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case b, ok := <-boards:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(b); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
