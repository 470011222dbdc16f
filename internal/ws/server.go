package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"chatbloom/internal/models"

	"github.com/gorilla/websocket"
)

type verifier interface {
	Verify(token string) (models.Identity, error)
}

type Server struct {
	auth     verifier
	hub      *Hub
	upgrader *websocket.Upgrader
	// canceled on shutdown, ends every open connection
	ctx context.Context
}

// NewServer creates the websocket endpoint. An empty allowedOrigin accepts
// connections from any origin.
func NewServer(ctx context.Context, auth verifier, hub *Hub, allowedOrigin string) *Server {
	allowedOrigin = strings.TrimRight(allowedOrigin, "/")
	return &Server{
		auth: auth,
		hub:  hub,
		ctx:  ctx,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// Token extracts the identity token presented with r: the token query
// parameter, a bearer Authorization header, a token header or cookie.
func Token(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

// HandleConnections upgrades the request and serves the connection until it
// closes. A missing or invalid token does not reject the connection; the
// session simply stays unauthenticated.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	var identity *models.Identity
	if token := Token(r); token != "" {
		id, err := s.auth.Verify(token)
		if err != nil {
			slog.Info("token verification failed, continuing unauthenticated", "remote", r.RemoteAddr, "error", err)
		} else {
			identity = &id
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("error upgrading to websocket", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := NewConnection(s.hub, conn, identity)
	if err := c.Handle(s.ctx); err != nil && !websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		slog.Debug("connection closed", "session", c.Session().ID(), "error", err)
	}
}
