package domain

import (
	"errors"
	"time"
)

// Connection is one transport-level link to a client. Implementations must
// make Send safe for concurrent use; a failed Send means the peer is gone.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Registry tracks live connections. A connection registers on transport
// accept and unregisters on close; unregistering implies leaving any session.
type Registry interface {
	Register(conn Connection)
	Unregister(connID string)
}

// MessageHandler processes one inbound frame from one connection.
type MessageHandler interface {
	Handle(conn Connection, data []byte)
}

// NowMillis is the wire clock: fractional milliseconds since the epoch,
// matching what clients send for time sync and heartbeats.
func NowMillis() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}

// Identity is the resolved user behind an authenticated connection.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAlreadyInSession = errors.New("already in a session")
	ErrNotInSession     = errors.New("not in a session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotMaster        = errors.New("only the session master can control the transport")
	ErrUnknownConn      = errors.New("unknown connection")
)

// Transport playback states.
const (
	StateStopped   = "stopped"
	StatePlaying   = "playing"
	StatePaused    = "paused"
	StateRecording = "recording"
)

// Tempo is clamped into this range before storage.
const (
	TempoMin = 20.0
	TempoMax = 300.0
)

// TransportState is the shared playback control state of a session.
type TransportState struct {
	State     string  `json:"state"`
	Position  float64 `json:"position"`
	Tempo     float64 `json:"bpm"`
	Metronome bool    `json:"metronome"`
}

// NewTransportState returns the state a freshly created session starts with.
func NewTransportState() TransportState {
	return TransportState{State: StateStopped, Position: 0, Tempo: 120, Metronome: false}
}

// TransportPatch is a partial transport update; nil fields are left untouched.
type TransportPatch struct {
	State     *string  `json:"state,omitempty"`
	Position  *float64 `json:"position,omitempty"`
	Tempo     *float64 `json:"bpm,omitempty"`
	Metronome *bool    `json:"metronome,omitempty"`
}

var ErrBadTransportState = errors.New("unknown transport state")

// Apply merges the patch into t. Numeric fields are clamped to their valid
// domains; an unrecognized playback state rejects the whole patch untouched.
func (t *TransportState) Apply(p TransportPatch) error {
	if p.State != nil {
		switch *p.State {
		case StateStopped, StatePlaying, StatePaused, StateRecording:
		default:
			return ErrBadTransportState
		}
		t.State = *p.State
	}
	if p.Position != nil {
		t.Position = max(*p.Position, 0)
	}
	if p.Tempo != nil {
		t.Tempo = min(max(*p.Tempo, TempoMin), TempoMax)
	}
	if p.Metronome != nil {
		t.Metronome = *p.Metronome
	}
	return nil
}

// Participant is a connection's membership record inside one session.
// Latency is (server receive time - client send time) in milliseconds: a
// proxy figure, not a calibrated metric, since the clocks are unsynchronized.
type Participant struct {
	ConnectionID  string  `json:"connectionId"`
	UserID        string  `json:"userId"`
	Username      string  `json:"username"`
	Latency       float64 `json:"latency"`
	LastHeartbeat float64 `json:"lastHeartbeat"`
}

// SessionSnapshot is the full state of a session as sent to a joining client.
type SessionSnapshot struct {
	ID           string         `json:"id"`
	ProjectID    int64          `json:"projectId"`
	MasterID     string         `json:"masterId"`
	Participants []Participant  `json:"participants"`
	Transport    TransportState `json:"transport"`
	LastUpdate   float64        `json:"lastUpdate"`
}
