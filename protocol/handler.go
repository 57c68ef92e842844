package protocol

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/Rocket-co-1992/daw/auth"
	"github.com/Rocket-co-1992/daw/domain"
	"github.com/Rocket-co-1992/daw/hub"
)

// Handler dispatches inbound frames to the session hub. Each frame is a
// JSON object with a mandatory "type" field; everything a handler arm can
// get wrong is converted to an error reply, never a dropped connection.
type Handler struct {
	hub      *hub.Hub
	verifier auth.Verifier
}

func NewHandler(h *hub.Hub, v auth.Verifier) *Handler {
	return &Handler{hub: h, verifier: v}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "clientId", conn.ID(), "panic", r)
			h.sendError(conn, "internal server error")
		}
	}()

	// Peek the type without decoding the payload; audio_data frames can be
	// large and only one arm needs their body.
	if !gjson.ValidBytes(data) {
		h.sendError(conn, "invalid message format")
		return
	}
	msgType := gjson.GetBytes(data, "type")
	if msgType.Type != gjson.String || msgType.Str == "" {
		h.sendError(conn, "invalid message format")
		return
	}

	if msgType.Str == domain.MsgAuth {
		h.handleAuth(conn, data)
		return
	}

	// Everything except auth sits behind the authentication gate.
	identity, ok := h.hub.Identity(conn.ID())
	if !ok {
		h.sendError(conn, domain.ErrNotAuthenticated.Error())
		return
	}

	switch msgType.Str {
	case domain.MsgJoinSession:
		h.handleJoinSession(conn, data)
	case domain.MsgLeaveSession:
		h.handleLeaveSession(conn)
	case domain.MsgSyncTransport:
		h.handleSyncTransport(conn, data)
	case domain.MsgSyncTime:
		h.handleSyncTime(conn, data)
	case domain.MsgTrackUpdate:
		h.handleTrackUpdate(conn, data, identity)
	case domain.MsgPluginUpdate:
		h.handlePluginUpdate(conn, data, identity)
	case domain.MsgAudioData:
		h.handleAudioData(conn, data, identity)
	case domain.MsgHeartbeat:
		h.handleHeartbeat(conn, data)
	default:
		slog.Warn("unknown message type", "clientId", conn.ID(), "type", msgType.Str)
		h.sendError(conn, "unknown message type: "+msgType.Str)
	}
}

func (h *Handler) handleAuth(conn domain.Connection, data []byte) {
	if _, ok := h.hub.Identity(conn.ID()); ok {
		h.sendError(conn, "already authenticated")
		return
	}

	var req domain.AuthRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
		h.sendError(conn, "token is required")
		return
	}

	identity, err := h.verifier.Verify(req.Token)
	if err != nil {
		slog.Warn("auth failed", "clientId", conn.ID(), "error", err)
		h.send(conn, domain.AuthFailure{Type: domain.MsgAuthFailure, Message: "invalid token"})
		return
	}

	if err := h.hub.Authenticate(conn.ID(), identity); err != nil {
		h.sendError(conn, err.Error())
		return
	}

	slog.Info("client authenticated", "clientId", conn.ID(), "userId", identity.UserID, "username", identity.Username)
	h.send(conn, domain.AuthSuccess{
		Type:     domain.MsgAuthSuccess,
		UserID:   identity.UserID,
		Username: identity.Username,
	})
}

func (h *Handler) handleJoinSession(conn domain.Connection, data []byte) {
	var req domain.JoinSessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" || req.ProjectID == 0 {
		h.sendError(conn, "sessionId and projectId are required")
		return
	}

	if err := h.hub.Join(conn.ID(), req.SessionID, req.ProjectID); err != nil {
		h.sendError(conn, err.Error())
	}
}

func (h *Handler) handleLeaveSession(conn domain.Connection) {
	if err := h.hub.Leave(conn.ID()); err != nil {
		h.sendError(conn, err.Error())
	}
}

func (h *Handler) handleSyncTransport(conn domain.Connection, data []byte) {
	var req domain.SyncTransportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid transport patch")
		return
	}

	if err := h.hub.ApplyTransport(conn.ID(), req.Transport); err != nil {
		if errors.Is(err, domain.ErrBadTransportState) {
			h.sendError(conn, "invalid transport patch")
			return
		}
		h.sendError(conn, err.Error())
	}
}

func (h *Handler) handleSyncTime(conn domain.Connection, data []byte) {
	var req domain.SyncTimeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid sync_time message")
		return
	}

	serverTime := domain.NowMillis()
	h.send(conn, domain.TimeSyncResponse{
		Type:       domain.MsgTimeSyncResponse,
		ClientTime: req.ClientTime,
		ServerTime: serverTime,
		Timestamp:  serverTime,
	})
}

func (h *Handler) handleTrackUpdate(conn domain.Connection, data []byte, identity domain.Identity) {
	var req domain.TrackUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid track_update message")
		return
	}

	h.relay(conn, domain.TrackUpdate{
		Type:      domain.MsgTrackUpdate,
		TrackData: req.TrackData,
		UserID:    identity.UserID,
		Timestamp: domain.NowMillis(),
	})
}

func (h *Handler) handlePluginUpdate(conn domain.Connection, data []byte, identity domain.Identity) {
	var req domain.PluginUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid plugin_update message")
		return
	}

	h.relay(conn, domain.PluginUpdate{
		Type:       domain.MsgPluginUpdate,
		PluginData: req.PluginData,
		UserID:     identity.UserID,
		Timestamp:  domain.NowMillis(),
	})
}

func (h *Handler) handleAudioData(conn domain.Connection, data []byte, identity domain.Identity) {
	var req domain.AudioDataRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid audio_data message")
		return
	}

	h.relay(conn, domain.AudioData{
		Type:        domain.MsgAudioData,
		AudioBuffer: req.AudioBuffer,
		TrackID:     req.TrackID,
		UserID:      identity.UserID,
		Timestamp:   domain.NowMillis(),
	})
}

func (h *Handler) handleHeartbeat(conn domain.Connection, data []byte) {
	var req domain.HeartbeatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid heartbeat message")
		return
	}

	h.send(conn, h.hub.Heartbeat(conn.ID(), req.Timestamp))
}

// relay encodes a server-rebuilt notification and fans it out to the other
// participants of the sender's session.
func (h *Handler) relay(conn domain.Connection, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	if err := h.hub.Relay(conn.ID(), data); err != nil {
		h.sendError(conn, err.Error())
	}
}

func (h *Handler) send(conn domain.Connection, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Warn("reply send failed", "clientId", conn.ID(), "error", err)
	}
}

func (h *Handler) sendError(conn domain.Connection, message string) {
	h.send(conn, domain.ErrorMessage{Type: domain.MsgError, Message: message})
}

