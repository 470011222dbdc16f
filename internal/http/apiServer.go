package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"chatbloom/internal/api"
	"chatbloom/internal/auth"
	"chatbloom/internal/filestore"
	"chatbloom/internal/storage"
	"chatbloom/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer wires the public HTTP API and the websocket endpoint.
// Websocket connections are closed when ctx is canceled.
func NewAPIServer(
	ctx context.Context,
	authService *auth.AuthService,
	hub *ws.Hub,
	files filestore.FileStore,
	store *storage.BboltStorage,
	addr string,
	clientURL string,
) *APIServer {
	server := ws.NewServer(ctx, authService, hub, clientURL)
	apiHandlers := api.New(authService, hub, files, store)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", apiHandlers.RegisterHandler)
	mux.HandleFunc("POST /api/auth/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /api/auth/logoff", apiHandlers.RequireAuth(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/auth/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/rooms", apiHandlers.RoomsHandler)
	mux.HandleFunc("POST /api/rooms", apiHandlers.RequireAuth(apiHandlers.CreateRoomHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/upload", apiHandlers.RequireAuth(apiHandlers.UploadHandler))
	mux.HandleFunc("GET /api/files/{id}", apiHandlers.FileHandler)
	mux.HandleFunc("GET /healthz", apiHandlers.HealthHandler)

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", server.HandleConnections)

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

func (s *APIServer) Start() error {
	slog.Info("Server started", "addr", s.server.Addr)
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
