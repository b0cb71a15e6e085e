package ws

import (
	"context"
	"log/slog"
	"net/http"

	"roomcast/internal/metrics"

	"github.com/gorilla/websocket"
)

type Server struct {
	ctx       context.Context
	hub       messageHub
	upgrader  *websocket.Upgrader
	queueSize int
	heartbeat Heartbeat
}

// NewServer handles websocket upgrades. Connections end when ctx is
// cancelled, since hijacked connections outlive http.Server.Shutdown.
func NewServer(ctx context.Context, hub *Hub, queueSize int, heartbeat Heartbeat) *Server {
	return &Server{
		ctx:       ctx,
		hub:       hub,
		queueSize: queueSize,
		heartbeat: heartbeat,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnections upgrades the request. The client must send identify
// before anything else is accepted.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	metrics.IncWSActive()
	defer metrics.DecWSActive()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	conn := NewConnection(s.hub, ws, s.queueSize, s.heartbeat)
	slog.Debug("websocket connected", "conn_id", conn.ID(), "remote", r.RemoteAddr)
	if err := conn.Handle(ctx); err != nil {
		slog.Debug("websocket closed", "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
	}
}
