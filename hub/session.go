package hub

import (
	"log/slog"
	"sort"

	"github.com/Rocket-co-1992/daw/domain"
)

// participant pairs the wire-visible membership record with the join
// sequence used for deterministic master failover.
type participant struct {
	domain.Participant
	seq uint64
}

// session is a collaboration room scoped to one project. It exists only
// while it has at least one participant and is reachable only through the
// Hub, under the Hub's lock.
type session struct {
	id           string
	projectID    int64
	masterID     string
	participants map[string]*participant
	transport    domain.TransportState
	lastUpdate   float64
	nextSeq      uint64
}

// snapshotLocked renders the session for the wire, roster in join order.
func (s *session) snapshotLocked() domain.SessionSnapshot {
	return domain.SessionSnapshot{
		ID:           s.id,
		ProjectID:    s.projectID,
		MasterID:     s.masterID,
		Participants: s.rosterLocked(),
		Transport:    s.transport,
		LastUpdate:   s.lastUpdate,
	}
}

func (s *session) rosterLocked() []domain.Participant {
	members := make([]*participant, 0, len(s.participants))
	for _, p := range s.participants {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })

	roster := make([]domain.Participant, len(members))
	for i, p := range members {
		roster[i] = p.Participant
	}
	return roster
}

// Join binds the connection to sessionID, creating the session on first
// join with the caller as master. Everyone already in the room gets a
// user_joined notification; the caller gets the full session_joined snapshot.
func (h *Hub) Join(connID, sessionID string, projectID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.conns[connID]
	if !ok {
		return domain.ErrUnknownConn
	}
	if cs.identity == nil {
		return domain.ErrNotAuthenticated
	}
	if cs.sessionID != "" {
		return domain.ErrAlreadyInSession
	}

	s, exists := h.sessions[sessionID]
	if !exists {
		s = &session{
			id:           sessionID,
			projectID:    projectID,
			masterID:     cs.identity.UserID,
			participants: make(map[string]*participant),
			transport:    domain.NewTransportState(),
			lastUpdate:   domain.NowMillis(),
		}
		h.sessions[sessionID] = s
		slog.Info("session created", "session", sessionID, "projectId", projectID, "masterId", s.masterID)
	}

	s.participants[connID] = &participant{
		Participant: domain.Participant{
			ConnectionID:  connID,
			UserID:        cs.identity.UserID,
			Username:      cs.identity.Username,
			LastHeartbeat: domain.NowMillis(),
		},
		seq: s.nextSeq,
	}
	s.nextSeq++
	cs.sessionID = sessionID

	h.broadcastLocked(s, marshal(domain.UserJoined{
		Type:         domain.MsgUserJoined,
		User:         *cs.identity,
		Participants: s.rosterLocked(),
	}), connID)

	joined := marshal(domain.SessionJoined{
		Type:     domain.MsgSessionJoined,
		Session:  s.snapshotLocked(),
		IsMaster: s.masterID == cs.identity.UserID,
	})
	if err := cs.conn.Send(joined); err != nil {
		slog.Warn("session_joined send failed", "clientId", connID, "error", err)
	}

	slog.Info("participant joined", "session", sessionID, "clientId", connID,
		"userId", cs.identity.UserID, "participants", len(s.participants))
	return nil
}

// Leave handles an explicit leave_session request.
func (h *Hub) Leave(connID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.conns[connID]
	if !ok {
		return domain.ErrUnknownConn
	}
	if cs.identity == nil {
		return domain.ErrNotAuthenticated
	}
	if cs.sessionID == "" {
		return domain.ErrNotInSession
	}
	h.leaveLocked(cs)
	return nil
}

// leaveLocked removes cs from its session: the session is destroyed at zero
// participants, the master role fails over to the earliest-joined survivor,
// and remaining participants hear master_changed (if any) then user_left.
func (h *Hub) leaveLocked(cs *connState) {
	s, ok := h.sessions[cs.sessionID]
	if !ok {
		cs.sessionID = ""
		return
	}

	p, ok := s.participants[cs.conn.ID()]
	cs.sessionID = ""
	if !ok {
		return
	}
	delete(s.participants, cs.conn.ID())

	if len(s.participants) == 0 {
		delete(h.sessions, s.id)
		slog.Info("session removed", "session", s.id)
		return
	}

	if s.masterID == p.UserID {
		successor := s.earliestLocked()
		s.masterID = successor.UserID
		slog.Info("master changed", "session", s.id, "newMasterId", successor.UserID)
		h.broadcastLocked(s, marshal(domain.MasterChanged{
			Type:              domain.MsgMasterChanged,
			NewMasterID:       successor.UserID,
			NewMasterUsername: successor.Username,
		}), "")
	}

	h.broadcastLocked(s, marshal(domain.UserLeft{
		Type:         domain.MsgUserLeft,
		UserID:       p.UserID,
		Participants: s.rosterLocked(),
	}), "")

	slog.Info("participant left", "session", s.id, "clientId", p.ConnectionID,
		"userId", p.UserID, "participants", len(s.participants))
}

// earliestLocked picks the earliest-joined remaining participant. Join
// sequence numbers are unique per session, so the pick is deterministic.
func (s *session) earliestLocked() *participant {
	var successor *participant
	for _, p := range s.participants {
		if successor == nil || p.seq < successor.seq {
			successor = p
		}
	}
	return successor
}

// ApplyTransport merges a partial transport patch on behalf of the session
// master and broadcasts the complete resulting state to every participant,
// master included, so all clients converge on one authoritative value.
func (h *Hub) ApplyTransport(connID string, patch domain.TransportPatch) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.conns[connID]
	if !ok {
		return domain.ErrUnknownConn
	}
	if cs.identity == nil {
		return domain.ErrNotAuthenticated
	}
	if cs.sessionID == "" {
		return domain.ErrSessionNotFound
	}
	s, ok := h.sessions[cs.sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if s.masterID != cs.identity.UserID {
		return domain.ErrNotMaster
	}

	if err := s.transport.Apply(patch); err != nil {
		return err
	}
	s.lastUpdate = domain.NowMillis()

	h.broadcastLocked(s, marshal(domain.TransportUpdate{
		Type:      domain.MsgTransportUpdate,
		Transport: s.transport,
		Timestamp: s.lastUpdate,
	}), "")
	return nil
}

// Relay fans an already-encoded message out to the other participants of
// the sender's session. The payload is opaque to the server.
func (h *Hub) Relay(connID string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cs, ok := h.conns[connID]
	if !ok {
		return domain.ErrUnknownConn
	}
	if cs.identity == nil {
		return domain.ErrNotAuthenticated
	}
	if cs.sessionID == "" {
		return domain.ErrNotInSession
	}
	s, ok := h.sessions[cs.sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	h.broadcastLocked(s, data, connID)
	return nil
}

// Heartbeat records a latency sample for the connection (when it is in a
// session) and returns the reply carrying both timestamps. The latency is
// (server - client) in milliseconds against unsynchronized clocks, so it is
// an approximation, not a calibrated measurement.
func (h *Hub) Heartbeat(connID string, clientTime float64) domain.HeartbeatResponse {
	serverTime := domain.NowMillis()
	latency := serverTime - clientTime

	h.mu.Lock()
	if cs, ok := h.conns[connID]; ok && cs.sessionID != "" {
		if s, ok := h.sessions[cs.sessionID]; ok {
			if p, ok := s.participants[connID]; ok {
				p.Latency = latency
				p.LastHeartbeat = serverTime
			}
		}
	}
	h.mu.Unlock()

	return domain.HeartbeatResponse{
		Type:       domain.MsgHeartbeatResponse,
		ClientTime: clientTime,
		ServerTime: serverTime,
		Latency:    latency,
	}
}

// Snapshot returns the current state of a session, if it exists.
func (h *Hub) Snapshot(sessionID string) (domain.SessionSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return domain.SessionSnapshot{}, false
	}
	return s.snapshotLocked(), true
}
