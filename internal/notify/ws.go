package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// wsSession serialises writes to one connection; gorilla/websocket allows a
// single concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the open console connection of each captain.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*wsSession)} }

// Add registers conn for the captain, closing any previous connection.
func (r *WSRegistry) Add(captainID string, conn *websocket.Conn) {
	r.mu.Lock()
	prev := r.sessions[captainID]
	r.sessions[captainID] = &wsSession{conn: conn}
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the captain's session if it is still conn.
func (r *WSRegistry) Remove(captainID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[captainID]; ok && s.conn == conn {
		delete(r.sessions, captainID)
	}
}

func (r *WSRegistry) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Notify(_ context.Context, captainID string, m Message) error {
	r.mu.RLock()
	s, ok := r.sessions[captainID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(m); err != nil {
		r.Remove(captainID, s.conn)
		_ = s.conn.Close()
		return err
	}
	return nil
}
