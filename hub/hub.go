package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/Rocket-co-1992/daw/domain"
)

// connState is everything the server knows about one live connection. It is
// owned by the Hub and mutated only under the Hub's lock; sessions hold
// connection ids, never the state itself.
type connState struct {
	conn      domain.Connection
	identity  *domain.Identity
	sessionID string
}

// Hub is the single owner of all shared mutable state: the connection
// registry and the session store. Every entry point takes the one lock, so
// two goroutines can never mutate the same session's roster or transport
// concurrently.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connState
	sessions map[string]*session
}

func New() *Hub {
	return &Hub{
		conns:    make(map[string]*connState),
		sessions: make(map[string]*session),
	}
}

// Register adds a freshly accepted connection to the registry. It starts
// unauthenticated and outside any session.
func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	h.conns[conn.ID()] = &connState{conn: conn}
	count := len(h.conns)
	h.mu.Unlock()

	slog.Info("client connected", "clientId", conn.ID(), "clients", count)
}

// Unregister drops a connection, leaving its session first if it was in one.
// Safe to call for an id that was never registered or is already gone.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	cs, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if cs.sessionID != "" {
		h.leaveLocked(cs)
	}
	delete(h.conns, connID)
	count := len(h.conns)
	h.mu.Unlock()

	slog.Info("client disconnected", "clientId", connID, "clients", count)
}

// Authenticate binds a verified identity to the connection.
func (h *Hub) Authenticate(connID string, id domain.Identity) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.conns[connID]
	if !ok {
		return domain.ErrUnknownConn
	}
	cs.identity = &id
	return nil
}

// Identity returns the identity bound to the connection, if authenticated.
func (h *Hub) Identity(connID string) (domain.Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cs, ok := h.conns[connID]
	if !ok || cs.identity == nil {
		return domain.Identity{}, false
	}
	return *cs.identity, true
}

// SessionID returns the session the connection is currently bound to.
func (h *Hub) SessionID(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cs, ok := h.conns[connID]
	if !ok || cs.sessionID == "" {
		return "", false
	}
	return cs.sessionID, true
}

// Stats reports live session and client counts.
func (h *Hub) Stats() (sessions, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions), len(h.conns)
}

// broadcastLocked fans data out to every participant of s except excludeID.
// A connection that has vanished or fails to accept the write is skipped;
// its own pumps are responsible for tearing it down.
func (h *Hub) broadcastLocked(s *session, data []byte, excludeID string) {
	for connID := range s.participants {
		if connID == excludeID {
			continue
		}
		cs, ok := h.conns[connID]
		if !ok {
			continue
		}
		if err := cs.conn.Send(data); err != nil {
			slog.Warn("broadcast send failed", "clientId", connID, "session", s.id, "error", err)
		}
	}
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal error", "error", err)
		return nil
	}
	return data
}
