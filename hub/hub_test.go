package hub

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rocket-co-1992/daw/domain"
)

type mockConn struct {
	id       string
	received [][]byte
	closed   bool
	mu       sync.Mutex
	sendErr  error
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) decoded(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.received))
	for _, raw := range m.received {
		var v map[string]any
		require.NoError(t, json.Unmarshal(raw, &v))
		out = append(out, v)
	}
	return out
}

func (m *mockConn) types(t *testing.T) []string {
	t.Helper()
	msgs := m.decoded(t)
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i], _ = msg["type"].(string)
	}
	return out
}

func (m *mockConn) last(t *testing.T) map[string]any {
	t.Helper()
	msgs := m.decoded(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func addAuthed(t *testing.T, h *Hub, connID, userID, username string) *mockConn {
	t.Helper()
	conn := &mockConn{id: connID}
	h.Register(conn)
	require.NoError(t, h.Authenticate(connID, domain.Identity{UserID: userID, Username: username}))
	return conn
}

func ptr[T any](v T) *T { return &v }

func TestJoin_CreatesSessionWithJoinerAsMaster(t *testing.T) {
	h := New()
	a := addAuthed(t, h, "c1", "u1", "alice")

	require.NoError(t, h.Join("c1", "p1", 1))

	sessionID, bound := h.SessionID("c1")
	require.True(t, bound)
	assert.Equal(t, "p1", sessionID)

	msg := a.last(t)
	assert.Equal(t, "session_joined", msg["type"])
	assert.Equal(t, true, msg["isMaster"])

	session := msg["session"].(map[string]any)
	assert.Equal(t, "u1", session["masterId"])
	assert.Equal(t, float64(1), session["projectId"])
	assert.Len(t, session["participants"], 1)

	transport := session["transport"].(map[string]any)
	assert.Equal(t, "stopped", transport["state"])
	assert.Equal(t, float64(0), transport["position"])
	assert.Equal(t, float64(120), transport["bpm"])
	assert.Equal(t, false, transport["metronome"])
}

func TestJoin_SecondParticipant(t *testing.T) {
	h := New()
	a := addAuthed(t, h, "c1", "u1", "alice")
	b := addAuthed(t, h, "c2", "u2", "bob")

	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.Join("c2", "p1", 1))

	joined := a.last(t)
	require.Equal(t, "user_joined", joined["type"])
	assert.Equal(t, "u2", joined["user"].(map[string]any)["userId"])
	assert.Len(t, joined["participants"], 2)

	snapshot := b.last(t)
	require.Equal(t, "session_joined", snapshot["type"])
	assert.Equal(t, false, snapshot["isMaster"])
	assert.Equal(t, "u1", snapshot["session"].(map[string]any)["masterId"])
}

func TestJoin_Preconditions(t *testing.T) {
	h := New()

	unauthed := &mockConn{id: "c0"}
	h.Register(unauthed)

	addAuthed(t, h, "c1", "u1", "alice")
	require.NoError(t, h.Join("c1", "p1", 1))

	tests := []struct {
		name    string
		connID  string
		session string
		wantErr error
	}{
		{"unknown connection", "ghost", "p1", domain.ErrUnknownConn},
		{"unauthenticated", "c0", "p1", domain.ErrNotAuthenticated},
		{"already in a session", "c1", "p2", domain.ErrAlreadyInSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, h.Join(tt.connID, tt.session, 2), tt.wantErr)
		})
	}

	// Rejected joins must not create sessions.
	_, ok := h.Snapshot("p2")
	assert.False(t, ok)
}

func TestApplyTransport_MergesAndBroadcastsFullState(t *testing.T) {
	h := New()
	a := addAuthed(t, h, "c1", "u1", "alice")
	b := addAuthed(t, h, "c2", "u2", "bob")
	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.Join("c2", "p1", 1))

	require.NoError(t, h.ApplyTransport("c1", domain.TransportPatch{Position: ptr(42.0)}))
	require.NoError(t, h.ApplyTransport("c1", domain.TransportPatch{Tempo: ptr(100.0)}))

	// Patches merge: both fields survive, unspecified fields untouched.
	snap, ok := h.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, 42.0, snap.Transport.Position)
	assert.Equal(t, 100.0, snap.Transport.Tempo)
	assert.Equal(t, "stopped", snap.Transport.State)

	// Both participants, master included, saw the complete resulting state.
	for _, conn := range []*mockConn{a, b} {
		msg := conn.last(t)
		require.Equal(t, "transport_update", msg["type"])
		transport := msg["transport"].(map[string]any)
		assert.Equal(t, float64(42), transport["position"])
		assert.Equal(t, float64(100), transport["bpm"])
	}
}

func TestApplyTransport_Clamping(t *testing.T) {
	tests := []struct {
		name  string
		patch domain.TransportPatch
		check func(t *testing.T, ts domain.TransportState)
	}{
		{
			name:  "negative position clamps to zero",
			patch: domain.TransportPatch{Position: ptr(-5.0)},
			check: func(t *testing.T, ts domain.TransportState) { assert.Equal(t, 0.0, ts.Position) },
		},
		{
			name:  "zero tempo clamps to minimum",
			patch: domain.TransportPatch{Tempo: ptr(0.0)},
			check: func(t *testing.T, ts domain.TransportState) { assert.Equal(t, domain.TempoMin, ts.Tempo) },
		},
		{
			name:  "excessive tempo clamps to maximum",
			patch: domain.TransportPatch{Tempo: ptr(10000.0)},
			check: func(t *testing.T, ts domain.TransportState) { assert.Equal(t, domain.TempoMax, ts.Tempo) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			addAuthed(t, h, "c1", "u1", "alice")
			require.NoError(t, h.Join("c1", "p1", 1))

			require.NoError(t, h.ApplyTransport("c1", tt.patch))

			snap, ok := h.Snapshot("p1")
			require.True(t, ok)
			tt.check(t, snap.Transport)
		})
	}
}

func TestApplyTransport_NonMasterRejected(t *testing.T) {
	h := New()
	a := addAuthed(t, h, "c1", "u1", "alice")
	b := addAuthed(t, h, "c2", "u2", "bob")
	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.Join("c2", "p1", 1))

	before, _ := h.Snapshot("p1")
	aBefore := len(a.decoded(t))
	bBefore := len(b.decoded(t))

	err := h.ApplyTransport("c2", domain.TransportPatch{State: ptr(domain.StatePlaying)})
	assert.ErrorIs(t, err, domain.ErrNotMaster)

	// No mutation, no broadcast.
	after, _ := h.Snapshot("p1")
	assert.Equal(t, before.Transport, after.Transport)
	assert.Len(t, a.decoded(t), aBefore)
	assert.Len(t, b.decoded(t), bBefore)
}

func TestApplyTransport_BadStateRejected(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")
	require.NoError(t, h.Join("c1", "p1", 1))

	err := h.ApplyTransport("c1", domain.TransportPatch{State: ptr("rewinding"), Position: ptr(9.0)})
	assert.ErrorIs(t, err, domain.ErrBadTransportState)

	snap, _ := h.Snapshot("p1")
	assert.Equal(t, 0.0, snap.Transport.Position)
}

func TestUnregister_MasterFailoverIsEarliestJoined(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")
	b := addAuthed(t, h, "c2", "u2", "bob")
	c := addAuthed(t, h, "c3", "u3", "carol")
	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.Join("c2", "p1", 1))
	require.NoError(t, h.Join("c3", "p1", 1))

	h.Unregister("c1")

	snap, ok := h.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, "u2", snap.MasterID)
	assert.Len(t, snap.Participants, 2)

	// Survivors hear master_changed before user_left.
	for _, conn := range []*mockConn{b, c} {
		types := conn.types(t)
		require.GreaterOrEqual(t, len(types), 2)
		assert.Equal(t, "master_changed", types[len(types)-2])
		assert.Equal(t, "user_left", types[len(types)-1])

		msgs := conn.decoded(t)
		changed := msgs[len(msgs)-2]
		assert.Equal(t, "u2", changed["newMasterId"])
		assert.Equal(t, "bob", changed["newMasterUsername"])

		left := msgs[len(msgs)-1]
		assert.Equal(t, "u1", left["userId"])
		assert.Len(t, left["participants"], 2)
	}
}

func TestLeave_NonMasterKeepsMaster(t *testing.T) {
	h := New()
	a := addAuthed(t, h, "c1", "u1", "alice")
	addAuthed(t, h, "c2", "u2", "bob")
	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.Join("c2", "p1", 1))

	require.NoError(t, h.Leave("c2"))

	snap, ok := h.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, "u1", snap.MasterID)

	types := a.types(t)
	assert.Equal(t, "user_left", types[len(types)-1])
	assert.NotContains(t, types, "master_changed")
}

func TestLeave_LastParticipantDestroysSession(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")
	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.ApplyTransport("c1", domain.TransportPatch{State: ptr(domain.StatePlaying)}))

	require.NoError(t, h.Leave("c1"))
	_, ok := h.Snapshot("p1")
	assert.False(t, ok)

	_, bound := h.SessionID("c1")
	assert.False(t, bound)

	// A fresh join recreates the session with default state and a new master.
	addAuthed(t, h, "c2", "u2", "bob")
	require.NoError(t, h.Join("c2", "p1", 1))

	snap, ok := h.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, "u2", snap.MasterID)
	assert.Equal(t, domain.NewTransportState(), snap.Transport)
}

func TestLeave_Preconditions(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")

	assert.ErrorIs(t, h.Leave("c1"), domain.ErrNotInSession)
	assert.ErrorIs(t, h.Leave("ghost"), domain.ErrUnknownConn)
}

func TestUnregister_Idempotent(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")
	b := addAuthed(t, h, "c2", "u2", "bob")
	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.Join("c2", "p1", 1))

	h.Unregister("c1")
	h.Unregister("c1")
	h.Unregister("never-registered")

	snap, ok := h.Snapshot("p1")
	require.True(t, ok)
	assert.Len(t, snap.Participants, 1)
	assert.Equal(t, "u2", snap.MasterID)

	// The surviving session is unaffected by the repeated closes.
	require.NoError(t, h.ApplyTransport("c2", domain.TransportPatch{Tempo: ptr(90.0)}))
	assert.Equal(t, "transport_update", b.last(t)["type"])
}

func TestRelay_ExcludesSender(t *testing.T) {
	h := New()
	a := addAuthed(t, h, "c1", "u1", "alice")
	b := addAuthed(t, h, "c2", "u2", "bob")
	c := addAuthed(t, h, "c3", "u3", "carol")
	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.Join("c2", "p1", 1))
	require.NoError(t, h.Join("c3", "p1", 1))

	aBefore := len(a.decoded(t))
	payload := []byte(`{"type":"track_update","trackData":{"id":7}}`)
	require.NoError(t, h.Relay("c1", payload))

	assert.Len(t, a.decoded(t), aBefore)
	assert.Equal(t, "track_update", b.last(t)["type"])
	assert.Equal(t, "track_update", c.last(t)["type"])
}

func TestRelay_RequiresSession(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")

	assert.ErrorIs(t, h.Relay("c1", []byte(`{}`)), domain.ErrNotInSession)
}

func TestBroadcast_PartialFailureIsolation(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")
	require.NoError(t, h.Join("c1", "p1", 1))

	dead := &mockConn{id: "c2", sendErr: assert.AnError}
	h.Register(dead)
	require.NoError(t, h.Authenticate("c2", domain.Identity{UserID: "u2", Username: "bob"}))
	require.NoError(t, h.Join("c2", "p1", 1))

	c := addAuthed(t, h, "c3", "u3", "carol")
	require.NoError(t, h.Join("c3", "p1", 1))

	// The dead connection must not stop delivery to the rest.
	require.NoError(t, h.ApplyTransport("c1", domain.TransportPatch{State: ptr(domain.StatePlaying)}))
	assert.Equal(t, "transport_update", c.last(t)["type"])
}

func TestHeartbeat_UpdatesParticipantLatency(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")
	require.NoError(t, h.Join("c1", "p1", 1))

	clientTime := domain.NowMillis() - 25
	resp := h.Heartbeat("c1", clientTime)

	assert.Equal(t, "heartbeat_response", resp.Type)
	assert.Equal(t, clientTime, resp.ClientTime)
	assert.GreaterOrEqual(t, resp.Latency, 25.0)
	assert.Equal(t, resp.ServerTime-resp.ClientTime, resp.Latency)

	snap, ok := h.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, resp.Latency, snap.Participants[0].Latency)
	assert.Equal(t, resp.ServerTime, snap.Participants[0].LastHeartbeat)
}

func TestHeartbeat_WithoutSessionStillResponds(t *testing.T) {
	h := New()
	addAuthed(t, h, "c1", "u1", "alice")

	resp := h.Heartbeat("c1", domain.NowMillis())
	assert.Equal(t, "heartbeat_response", resp.Type)
}

func TestStats(t *testing.T) {
	h := New()
	sessions, clients := h.Stats()
	assert.Equal(t, 0, sessions)
	assert.Equal(t, 0, clients)

	addAuthed(t, h, "c1", "u1", "alice")
	addAuthed(t, h, "c2", "u2", "bob")
	require.NoError(t, h.Join("c1", "p1", 1))
	require.NoError(t, h.Join("c2", "p2", 2))

	sessions, clients = h.Stats()
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 2, clients)

	h.Unregister("c1")
	sessions, clients = h.Stats()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, clients)
}
