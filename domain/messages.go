package domain

import "encoding/json"

// Client -> server message types.
const (
	MsgAuth          = "auth"
	MsgJoinSession   = "join_session"
	MsgLeaveSession  = "leave_session"
	MsgSyncTransport = "sync_transport"
	MsgSyncTime      = "sync_time"
	MsgTrackUpdate   = "track_update"
	MsgPluginUpdate  = "plugin_update"
	MsgAudioData     = "audio_data"
	MsgHeartbeat     = "heartbeat"
)

// Server -> client message types.
const (
	MsgWelcome           = "welcome"
	MsgAuthSuccess       = "auth_success"
	MsgAuthFailure       = "auth_failure"
	MsgSessionJoined     = "session_joined"
	MsgUserJoined        = "user_joined"
	MsgUserLeft          = "user_left"
	MsgMasterChanged     = "master_changed"
	MsgTransportUpdate   = "transport_update"
	MsgTimeSyncResponse  = "time_sync_response"
	MsgHeartbeatResponse = "heartbeat_response"
	MsgError             = "error"
)

type AuthRequest struct {
	Token string `json:"token"`
}

type JoinSessionRequest struct {
	SessionID string `json:"sessionId"`
	ProjectID int64  `json:"projectId"`
}

type SyncTransportRequest struct {
	Transport TransportPatch `json:"transport"`
}

type SyncTimeRequest struct {
	ClientTime float64 `json:"clientTime"`
}

type TrackUpdateRequest struct {
	TrackData json.RawMessage `json:"trackData"`
}

type PluginUpdateRequest struct {
	PluginData json.RawMessage `json:"pluginData"`
}

type AudioDataRequest struct {
	AudioBuffer json.RawMessage `json:"audioBuffer"`
	TrackID     int64           `json:"trackId"`
}

type HeartbeatRequest struct {
	Timestamp float64 `json:"timestamp"`
}

type Welcome struct {
	Type      string  `json:"type"`
	ClientID  string  `json:"clientId"`
	Timestamp float64 `json:"timestamp"`
}

type AuthSuccess struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type AuthFailure struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type SessionJoined struct {
	Type     string          `json:"type"`
	Session  SessionSnapshot `json:"session"`
	IsMaster bool            `json:"isMaster"`
}

type UserJoined struct {
	Type         string        `json:"type"`
	User         Identity      `json:"user"`
	Participants []Participant `json:"participants"`
}

type UserLeft struct {
	Type         string        `json:"type"`
	UserID       string        `json:"userId"`
	Participants []Participant `json:"participants"`
}

type MasterChanged struct {
	Type              string `json:"type"`
	NewMasterID       string `json:"newMasterId"`
	NewMasterUsername string `json:"newMasterUsername"`
}

type TransportUpdate struct {
	Type      string         `json:"type"`
	Transport TransportState `json:"transport"`
	Timestamp float64        `json:"timestamp"`
}

// TrackUpdate, PluginUpdate and AudioData relays are rebuilt server-side so
// the sender's identity and a server timestamp always ride along; the payload
// itself is opaque to the server.
type TrackUpdate struct {
	Type      string          `json:"type"`
	TrackData json.RawMessage `json:"trackData"`
	UserID    string          `json:"userId"`
	Timestamp float64         `json:"timestamp"`
}

type PluginUpdate struct {
	Type       string          `json:"type"`
	PluginData json.RawMessage `json:"pluginData"`
	UserID     string          `json:"userId"`
	Timestamp  float64         `json:"timestamp"`
}

type AudioData struct {
	Type        string          `json:"type"`
	AudioBuffer json.RawMessage `json:"audioBuffer"`
	TrackID     int64           `json:"trackId"`
	UserID      string          `json:"userId"`
	Timestamp   float64         `json:"timestamp"`
}

type TimeSyncResponse struct {
	Type       string  `json:"type"`
	ClientTime float64 `json:"clientTime"`
	ServerTime float64 `json:"serverTime"`
	Timestamp  float64 `json:"timestamp"`
}

type HeartbeatResponse struct {
	Type       string  `json:"type"`
	ClientTime float64 `json:"clientTime"`
	ServerTime float64 `json:"serverTime"`
	Latency    float64 `json:"latency"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
