package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nulpointcorp/chat-sync/internal/delivery"
	"github.com/nulpointcorp/chat-sync/internal/metrics"
	chatsync "github.com/nulpointcorp/chat-sync/internal/sync"
	"github.com/nulpointcorp/chat-sync/pkg/wire"
)

// Server owns the websocket endpoint. Each accepted connection triggers the
// initial sync and the redelivery of any pending content, then enters a read
// loop dispatching client acknowledgment frames.
type Server struct {
	hub     *Hub
	orch    *chatsync.Orchestrator
	tracker *delivery.Tracker
	log     *slog.Logger
	metrics *metrics.Registry

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, orch *chatsync.Orchestrator, tracker *delivery.Tracker, m *metrics.Registry, log *slog.Logger) *Server {
	return &Server{
		hub:     hub,
		orch:    orch,
		tracker: tracker,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the fronting connection manager.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	key := connKey{userID: userID, deviceID: deviceID}
	s.hub.add(key, conn)
	defer s.hub.remove(key, conn)

	hashedID := chatsync.HashUserID(userID)
	s.log.Info("ws_connected",
		slog.String("hashed_user_id", hashedID),
		slog.String("device_id", deviceID),
	)

	ctx := r.Context()

	// Connection establishment drives the two push protocols: the full chat
	// list, then anything still awaiting a delivery ACK.
	s.orch.Sync(ctx, userID, deviceID)
	s.redeliver(ctx, userID, deviceID)

	s.readLoop(ctx, conn, userID, hashedID)
}

// redeliver pushes every item still in the pending set and transitions the
// pushed ones to delivered. Entries stay tracked until the client ACK —
// marking them delivered here must not clear them.
func (s *Server) redeliver(ctx context.Context, userID, deviceID string) {
	items := s.tracker.Pending(ctx, userID)
	if len(items) == 0 {
		return
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}

	frame, err := wire.NewFrame(wire.TypePendingInspirations, wire.PendingInspirationsPayload{
		InspirationIDs: ids,
	})
	if err != nil {
		s.log.Error("ws_frame_build_failed", slog.String("error", err.Error()))
		return
	}

	if err := s.hub.Send(ctx, userID, deviceID, frame); err != nil {
		// Push failed; the items stay pending and the next connection
		// retries.
		s.log.Warn("ws_redeliver_failed", slog.String("error", err.Error()))
		return
	}

	s.tracker.MarkDelivered(ctx, userID, ids)
	s.metrics.DeliveryEvent("delivered")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, userID, hashedID string) {
	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("ws_read_error",
					slog.String("hashed_user_id", hashedID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		s.dispatch(ctx, userID, hashedID, frame)
	}
}

// dispatch routes one client frame. Unknown frame types are logged and
// skipped so protocol additions never break older servers.
func (s *Server) dispatch(ctx context.Context, userID, hashedID string, frame wire.Frame) {
	switch frame.Type {
	case wire.TypeInspirationReceived:
		// The client durably stored what it received; the tracked entries
		// have served their purpose.
		s.tracker.ClearPending(ctx, userID)
		s.metrics.DeliveryEvent("cleared")

	case wire.TypeInspirationViewed:
		var p wire.InspirationViewedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.InspirationID == "" {
			s.log.Warn("ws_bad_viewed_payload", slog.String("hashed_user_id", hashedID))
			return
		}
		s.tracker.TrackViewed(ctx, userID, p.InspirationID)
		s.metrics.DeliveryEvent("viewed")

	default:
		s.log.Debug("ws_unknown_frame",
			slog.String("type", frame.Type),
			slog.String("hashed_user_id", hashedID),
		)
	}
}
