package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"chatroom/internal/api"
	"chatroom/internal/logging"
	"chatroom/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/messages", apiHandlers.HistoryHandler)
	mux.HandleFunc("POST /api/messages", apiHandlers.SendHandler)
	mux.HandleFunc("POST /api/messages/cleanup", apiHandlers.CleanupHandler)
	mux.HandleFunc("GET /api/messages/{id}", apiHandlers.GetMessageHandler)
	mux.HandleFunc("DELETE /api/messages/{id}", apiHandlers.DeleteMessageHandler)
	mux.HandleFunc("GET /health", apiHandlers.HealthHandler)

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: logging.Requests(mux),
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
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
