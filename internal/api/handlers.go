package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chatbloom/internal/auth"
	"chatbloom/internal/chat"
	"chatbloom/internal/content"
	"chatbloom/internal/filestore"
	"chatbloom/internal/models"
	"chatbloom/internal/storage"
	"chatbloom/internal/ws"
)

// RoomListLimit caps the public room directory.
const RoomListLimit = 50

type API struct {
	auth  *auth.AuthService
	hub   *ws.Hub
	files filestore.FileStore
	store *storage.BboltStorage
}

func New(auth *auth.AuthService, hub *ws.Hub, files filestore.FileStore, store *storage.BboltStorage) *API {
	return &API{
		auth:  auth,
		hub:   hub,
		files: files,
		store: store,
	}
}

func setTokenCookie(w http.ResponseWriter, resp auth.LoginResponse) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to parse form")
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		slog.Info("login failed", "username", req.Username, "error", err)
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	setTokenCookie(w, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := a.auth.Register(req)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		writeJSON(w, http.StatusConflict, resp)
		return
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, resp)
		return
	case err != nil:
		slog.Error("registration failed", "username", req.Username, "error", err)
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	slog.Info("user registered", "userID", resp.User.ID, "username", resp.User.Username)
	setTokenCookie(w, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logoff(ws.Token(r)); err != nil {
		slog.Debug("logoff with unusable token", "error", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	user, err := a.store.GetUser(identity.ID)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	user.Online = a.hub.IsOnline(user.ID)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	for i := range users {
		users[i].Online = a.hub.IsOnline(users[i].ID)
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.store.ListRooms(RoomListLimit)
	if err != nil {
		slog.Error("failed to list rooms", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

type CreateRoomRequest struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"isPrivate"`
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	room, err := createRoom(a.store, req, identityFrom(r.Context()).ID)
	if err != nil {
		writeError(w, createRoomStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func createRoom(store *storage.BboltStorage, req CreateRoomRequest, createdBy string) (models.Room, error) {
	if err := content.ValidateRoomName(req.Name); err != nil {
		return models.Room{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if chat.IsPrivateRoom(req.Name) {
		return models.Room{}, fmt.Errorf("%w: reserved room name", models.ErrValidation)
	}

	room, err := store.CreateRoom(models.Room{
		Name:      req.Name,
		IsPrivate: req.IsPrivate,
		CreatedBy: createdBy,
	})
	if err != nil && !errors.Is(err, storage.ErrRoomExists) {
		return models.Room{}, fmt.Errorf("failed to create room: %w", err)
	}
	return room, err
}

func createRoomStatus(err error) int {
	if errors.Is(err, storage.ErrRoomExists) {
		return http.StatusConflict
	}
	return statusOf(err)
}

// MessagesHandler pages through room history with the same rules as the
// load-more event.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid cursor")
			return
		}
		before = parsed
	}

	messages, err := a.hub.Messages(identityFrom(r.Context()), room, before)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	stats := a.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": stats.Connections,
		"online":      stats.Online,
	})
}
