package session

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/interpreter-gateway/internal/apperr"
	"github.com/lexiqai/interpreter-gateway/internal/observability"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browser peers connect from the web app's origin
		return true
	},
}

// HandleRoomWS upgrades the request and serves one peer until it
// disconnects
func (m *Manager) HandleRoomWS(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := observability.WithCorrelationID(correlationID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		observability.RecordError("upgrade_failed", "websocket")
		return
	}

	peer := NewPeer(conn, logger)
	logger.Info().Str("peer_id", peer.ID()).Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection established")

	defer func() {
		if s, _ := peer.Session(); s != nil {
			s.disconnect(peer)
		}
		peer.Close()
		logger.Info().Str("peer_id", peer.ID()).Msg("WebSocket connection closed")
	}()

	conn.SetReadLimit(m.cfg.WSMaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			peer.Send(protocol.Error{Message: apperr.Message(err)})
			continue
		}

		s, _ := peer.Session()
		if s != nil {
			s.deliver(peer, msg)
			continue
		}

		join, ok := msg.(protocol.Join)
		if !ok {
			peer.Send(protocol.Error{Message: "join a room first"})
			continue
		}
		if _, err := m.Join(r.Context(), peer, join); err != nil {
			entry := logger.Warn()
			if apperr.CodeOf(err) == apperr.CodeFatal {
				entry = logger.Error()
			}
			entry.Err(err).Str("room_id", join.RoomID).Str("role", string(join.Role)).Msg("Join rejected")
			peer.Send(protocol.Error{Message: apperr.Message(err)})
		}
	}
}
