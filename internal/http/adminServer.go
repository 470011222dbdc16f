package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"chatbloom/internal/api"
	"chatbloom/internal/auth"
	"chatbloom/internal/storage"
	"chatbloom/internal/ws"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(authService *auth.AuthService, hub *ws.Hub, store *storage.BboltStorage, addr, baseURL string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, hub, store, baseURL)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("POST /admin/rooms", adminHandler.CreateRoomHandler)
	mux.HandleFunc("GET /admin/stats", adminHandler.StatsHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	slog.Info("Admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
