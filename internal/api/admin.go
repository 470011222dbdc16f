package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chatbloom/internal/auth"
	"chatbloom/internal/models"
	"chatbloom/internal/storage"
	"chatbloom/internal/ws"

	"github.com/google/uuid"
)

type AdminHandler struct {
	authService *auth.AuthService
	hub         *ws.Hub
	store       *storage.BboltStorage
	baseURL     string
}

func NewAdminHandler(authService *auth.AuthService, hub *ws.Hub, store *storage.BboltStorage, baseURL string) *AdminHandler {
	return &AdminHandler{authService: authService, hub: hub, store: store, baseURL: baseURL}
}

type AddUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	// Only set when the password was generated by the server.
	Password string `json:"password,omitempty"`
	LoginURL string `json:"loginUrl,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "Username is required")
		return
	}

	password, generated := req.Password, false
	if password == "" {
		password, generated = strings.ReplaceAll(uuid.NewString(), "-", "")[:16], true
	}

	user, err := h.authService.AddUser(req.Username, password)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, auth.ErrUserExists) && !errors.Is(err, models.ErrValidation) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}
	slog.Info("user created via admin API", "userID", user.ID, "username", user.Username)

	resp := AddUserResponse{
		Success:  true,
		UserID:   user.ID,
		Username: user.Username,
		LoginURL: strings.TrimRight(h.baseURL, "/") + "/api/auth/login",
	}
	if generated {
		resp.Password = password
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	room, err := createRoom(h.store, req, "")
	if err != nil {
		writeError(w, createRoomStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}
