package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"roomcast/internal/api"
	"roomcast/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/logoff", handlers.LogoffHandler)
	mux.HandleFunc("GET /api/users/{id}", handlers.RequireAuth(handlers.UserHandler))

	mux.HandleFunc("GET /api/conversations", handlers.RequireAuth(handlers.ConversationsHandler))
	mux.HandleFunc("POST /api/conversations/private", handlers.RequireAuth(handlers.StartPrivateHandler))
	mux.HandleFunc("POST /api/conversations/group", handlers.RequireAuth(handlers.CreateGroupHandler))
	mux.HandleFunc("GET /api/conversations/{id}", handlers.RequireAuth(handlers.ConversationHandler))
	mux.HandleFunc("POST /api/conversations/{id}/name", handlers.RequireAuth(handlers.RenameGroupHandler))
	mux.HandleFunc("POST /api/conversations/{id}/members", handlers.RequireAuth(handlers.AddMemberHandler))
	mux.HandleFunc("DELETE /api/conversations/{id}/members/{userId}", handlers.RequireAuth(handlers.RemoveMemberHandler))
	mux.HandleFunc("POST /api/conversations/{id}/leave", handlers.RequireAuth(handlers.LeaveGroupHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", handlers.RequireAuth(handlers.MessagesHandler))
	mux.HandleFunc("GET /api/conversations/{id}/unread", handlers.RequireAuth(handlers.UnreadHandler))

	mux.HandleFunc("POST /api/push/subscriptions", handlers.RequireAuth(handlers.SubscribePushHandler))
	mux.HandleFunc("DELETE /api/push/subscriptions", handlers.RequireAuth(handlers.UnsubscribePushHandler))

	// WebSocket endpoint. Identity is established by the first event.
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
