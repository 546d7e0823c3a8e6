package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"courier/pkg/auth"
	"courier/pkg/logger"
	"courier/pkg/models"
	"courier/pkg/session"
	"courier/pkg/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement belongs to the fronting gateway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection, registers the device session, replays
// queued messages and then serves the read loop until disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromRequest(r)
	if user == "" {
		http.Error(w, "missing or invalid user identity", http.StatusUnauthorized)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "user", user, "error", err)
		return
	}

	wsConn := session.NewWSConn(conn)
	sess := s.registry.Register(user, deviceID, wsConn)
	telemetry.LiveSessions.Inc()

	ctx := r.Context()
	if _, err := s.coord.HandleConnect(ctx, user); err != nil {
		logger.Warn("connect_sync_failed", "user", user, "error", err)
	}

	wsConn.ReadLoop(
		func(data []byte) { s.handleClientFrame(user, data) },
		func() { s.coord.Heartbeat(ctx, user) },
	)

	last := s.registry.Unregister(sess)
	telemetry.LiveSessions.Dec()
	s.coord.HandleDisconnect(context.Background(), user, last)
}

// handleClientFrame processes receipt acknowledgements sent over the
// socket instead of the REST endpoints. Anything else is ignored.
func (s *Server) handleClientFrame(user string, data []byte) {
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Debug("ws_frame_invalid", "user", user, "error", err)
		return
	}
	if f.Type != models.FrameReceipt || f.MessageID == "" {
		return
	}
	ctx := context.Background()
	var err error
	switch f.Status {
	case models.StatusDelivered:
		_, err = s.coord.MarkDelivered(ctx, user, f.MessageID)
	case models.StatusRead:
		_, err = s.coord.MarkRead(ctx, user, f.MessageID)
	default:
		return
	}
	if err != nil {
		logger.Debug("ws_receipt_rejected", "user", user, "msg_id", f.MessageID, "status", string(f.Status), "error", err)
	}
}
