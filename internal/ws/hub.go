package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatbloom/internal/chat"
	"chatbloom/internal/content"
	"chatbloom/internal/models"
	"chatbloom/internal/presence"

	"github.com/c-pro/geche"
)

// PageSize is the number of messages in room history and in each load-more page.
const PageSize = 20

type messageStore interface {
	InsertMessage(message models.Message) (models.Message, error)
	GetMessage(id string) (models.Message, error)
	ListMessages(room string, before int64, limit int) ([]models.Message, error)
	AddReader(messageID, userID string) (models.Message, bool, error)
	GetUser(id string) (models.User, error)
}

type HubConfig struct {
	SendQueueSize int
	// How long resolved usernames are cached.
	UsernameTTL time.Duration
}

type Hub struct {
	store     messageStore
	rooms     *chat.Registry
	presence  *presence.Registry
	usernames geche.Geche[string, string]
	queueSize int
}

type Stats struct {
	Connections int      `json:"connections"`
	Online      int      `json:"online"`
	Rooms       []string `json:"rooms"`
}

func NewHub(ctx context.Context, store messageStore, cfg HubConfig) *Hub {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.UsernameTTL <= 0 {
		cfg.UsernameTTL = 10 * time.Minute
	}
	return &Hub{
		store:     store,
		rooms:     chat.NewRegistry(),
		presence:  presence.NewRegistry(),
		usernames: geche.NewMapTTLCache[string, string](ctx, cfg.UsernameTTL, time.Minute),
		queueSize: cfg.SendQueueSize,
	}
}

// Connect creates a session. A nil identity yields an unauthenticated
// session that only receives presence updates.
func (h *Hub) Connect(identity *models.Identity) *Session {
	s := newSession(identity, h.queueSize)
	if identity == nil {
		h.presence.Attach(s)
		slog.Debug("anonymous session connected", "session", s.ID())
		return s
	}

	h.usernames.Set(identity.ID, identity.Username)
	if prev, superseded := h.presence.Register(*identity, s); superseded {
		slog.Debug("previous session superseded", "session", prev.ID(), "userID", identity.ID)
	}
	slog.Info("user connected", "session", s.ID(), "userID", identity.ID, "username", identity.Username)
	return s
}

// Disconnect releases every resource held by s. It is safe to call more than once.
func (h *Hub) Disconnect(s *Session) {
	s.close()
	left := h.rooms.LeaveAll(s)

	identity, ok := s.Identity()
	if !ok {
		h.presence.Detach(s)
		return
	}
	h.presence.Unregister(identity, s)
	slog.Info("user disconnected", "session", s.ID(), "userID", identity.ID, "rooms", left)
}

// Dispatch handles one client request and returns the ack to send back.
// The second result is false when the request gets no ack.
func (h *Hub) Dispatch(ctx context.Context, s *Session, msg models.ClientMessage) (models.Ack, bool) {
	var (
		ack      models.Ack
		optional bool
	)
	switch msg.Event {
	case models.ClientEventJoinRoom:
		var req models.JoinRoomRequest
		if ack, ok := decode(msg.Data, &req); !ok {
			return rejected(s, msg, ack)
		}
		ack, optional = h.JoinRoom(ctx, s, req), true
	case models.ClientEventLeaveRoom:
		var req models.LeaveRoomRequest
		if ack, ok := decode(msg.Data, &req); !ok {
			return rejected(s, msg, ack)
		}
		ack, optional = h.LeaveRoom(s, req), true
	case models.ClientEventSendMessage:
		var req models.SendMessageRequest
		if ack, ok := decode(msg.Data, &req); !ok {
			return rejected(s, msg, ack)
		}
		ack = h.SendMessage(s, req)
	case models.ClientEventPrivateMessage:
		var req models.PrivateMessageRequest
		if ack, ok := decode(msg.Data, &req); !ok {
			return rejected(s, msg, ack)
		}
		ack = h.PrivateMessage(s, req)
	case models.ClientEventLoadMore:
		var req models.LoadMoreRequest
		if ack, ok := decode(msg.Data, &req); !ok {
			return rejected(s, msg, ack)
		}
		ack = h.LoadMore(s, req)
	case models.ClientEventTyping:
		var req models.TypingRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Debug("dropping malformed typing event", "session", s.ID(), "error", err)
			return models.Ack{}, false
		}
		h.Typing(s, req)
		return models.Ack{}, false
	case models.ClientEventMarkRead:
		var req models.MarkReadRequest
		if ack, ok := decode(msg.Data, &req); !ok {
			return rejected(s, msg, ack)
		}
		ack, optional = h.MarkRead(s, req), true
	default:
		return rejected(s, msg, models.AckError(fmt.Errorf("%w: unknown event %q", models.ErrValidation, msg.Event)))
	}

	if optional && msg.AckID == 0 {
		return ack, false
	}
	return ack, true
}

// rejected logs a request that could not be decoded. It is acked only when
// the client asked for one.
func rejected(s *Session, msg models.ClientMessage, ack models.Ack) (models.Ack, bool) {
	slog.Debug("rejecting request", "session", s.ID(), "event", msg.Event, "error", ack.Message)
	return ack, msg.AckID != 0
}

func decode(data json.RawMessage, v any) (models.Ack, bool) {
	if len(data) == 0 {
		return models.AckError(fmt.Errorf("%w: missing data", models.ErrValidation)), false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.AckError(fmt.Errorf("%w: malformed data: %v", models.ErrValidation, err)), false
	}
	return models.Ack{}, true
}

func authenticate(s *Session) (models.Identity, error) {
	identity, ok := s.Identity()
	if !ok {
		return models.Identity{}, models.ErrUnauthenticated
	}
	return identity, nil
}

func validateRoom(room string, userID string) error {
	if err := content.ValidateRoomName(room); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if !chat.CanAccess(room, userID) {
		return fmt.Errorf("%w: room %q is not accessible", models.ErrValidation, room)
	}
	return nil
}

// JoinRoom subscribes the session and sends it the latest history before any
// later message of the room can reach it.
func (h *Hub) JoinRoom(ctx context.Context, s *Session, req models.JoinRoomRequest) models.Ack {
	identity, err := authenticate(s)
	if err != nil {
		return models.AckError(err)
	}
	if err := validateRoom(req.Room, identity.ID); err != nil {
		return models.AckError(err)
	}

	added, err := h.rooms.Join(req.Room, s, func(_ *chat.Room, added bool) error {
		select {
		case <-s.Done():
			// Disconnect already ran LeaveAll.
			h.rooms.Leave(req.Room, s)
			return errSessionClosed
		case <-ctx.Done():
			if added {
				h.rooms.Leave(req.Room, s)
			}
			return ctx.Err()
		default:
		}

		history, err := h.History(req.Room)
		if err == nil {
			// The room's publish lock is held here, so the history must
			// not wait for the client to make room in its queue.
			ok := s.Deliver(models.ServerMessage{
				Event: models.ServerEventRoomHistory,
				Data: models.RoomHistory{
					Room:     req.Room,
					Messages: history,
				},
			})
			if !ok {
				err = errQueueFull
			}
		}
		if err != nil && added {
			h.rooms.Leave(req.Room, s)
		}
		return err
	})
	if err != nil {
		slog.Warn("join failed", "session", s.ID(), "room", req.Room, "error", err)
		return models.AckError(err)
	}

	if added {
		h.rooms.Broadcast(req.Room, models.ServerMessage{
			Event: models.ServerEventUserJoined,
			Data: models.UserJoinedEvent{
				Room:     req.Room,
				UserID:   identity.ID,
				Username: identity.Username,
			},
		}, s)
	}

	ack := models.AckOK()
	ack.Room = req.Room
	return ack
}

func (h *Hub) LeaveRoom(s *Session, req models.LeaveRoomRequest) models.Ack {
	if _, err := authenticate(s); err != nil {
		return models.AckError(err)
	}
	if err := content.ValidateRoomName(req.Room); err != nil {
		return models.AckError(fmt.Errorf("%w: %v", models.ErrValidation, err))
	}
	h.rooms.Leave(req.Room, s)

	ack := models.AckOK()
	ack.Room = req.Room
	return ack
}

func (h *Hub) SendMessage(s *Session, req models.SendMessageRequest) models.Ack {
	identity, err := authenticate(s)
	if err != nil {
		return models.AckError(err)
	}
	if err := validateRoom(req.Room, identity.ID); err != nil {
		return models.AckError(err)
	}
	if err := content.ValidateMessage(req.Content); err != nil {
		return models.AckError(fmt.Errorf("%w: %v", models.ErrValidation, err))
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	if !req.Type.Valid() {
		return models.AckError(fmt.Errorf("%w: unknown message type %q", models.ErrValidation, req.Type))
	}

	msg := models.Message{
		Sender:  identity,
		Room:    req.Room,
		Content: req.Content,
		HTML:    render(req.Type, req.Content),
		Type:    req.Type,
		Meta:    req.Meta,
	}

	var stored models.Message
	err = h.rooms.Do(req.Room, func(room *chat.Room) error {
		var err error
		stored, err = h.store.InsertMessage(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
		}
		stored.Sender = identity
		room.Broadcast(models.ServerMessage{
			Event: models.ServerEventNewMessage,
			Data:  stored,
		}, nil)
		return nil
	})
	if err != nil {
		slog.Error("failed to store message", "session", s.ID(), "room", req.Room, "error", err)
		return models.AckError(err)
	}

	return delivered(stored)
}

// PrivateMessage stores a message in the pair room of sender and recipient and
// delivers it to the recipient's live session and to the sending session.
func (h *Hub) PrivateMessage(s *Session, req models.PrivateMessageRequest) models.Ack {
	identity, err := authenticate(s)
	if err != nil {
		return models.AckError(err)
	}
	if req.ToUserID == "" {
		return models.AckError(fmt.Errorf("%w: recipient is required", models.ErrValidation))
	}
	if err := content.ValidateMessage(req.Content); err != nil {
		return models.AckError(fmt.Errorf("%w: %v", models.ErrValidation, err))
	}

	recipient, err := h.store.GetUser(req.ToUserID)
	if errors.Is(err, models.ErrNotFound) {
		return models.AckError(fmt.Errorf("recipient %s: %w", req.ToUserID, models.ErrNotFound))
	}
	if err != nil {
		return models.AckError(fmt.Errorf("%w: %v", models.ErrStoreFailure, err))
	}
	h.usernames.Set(recipient.ID, recipient.Username)

	key := chat.PrivateRoomKey(identity.ID, recipient.ID)
	msg := models.Message{
		Sender:  identity,
		Room:    key,
		Content: req.Content,
		HTML:    render(models.MessageTypeText, req.Content),
		Type:    models.MessageTypeText,
	}

	var stored models.Message
	err = h.rooms.Do(key, func(*chat.Room) error {
		var err error
		stored, err = h.store.InsertMessage(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
		}
		stored.Sender = identity

		out := models.ServerMessage{
			Event: models.ServerEventPrivateMessage,
			Data:  stored,
		}
		if conn, ok := h.presence.Lookup(recipient.ID); ok && conn != chat.Subscriber(s) {
			conn.Deliver(out)
		}
		s.Deliver(out)
		return nil
	})
	if err != nil {
		slog.Error("failed to store private message", "session", s.ID(), "room", key, "error", err)
		return models.AckError(err)
	}

	return delivered(stored)
}

func (h *Hub) LoadMore(s *Session, req models.LoadMoreRequest) models.Ack {
	identity, err := authenticate(s)
	if err != nil {
		return models.AckError(err)
	}
	messages, err := h.Messages(identity, req.Room, req.Before)
	if err != nil {
		return models.AckError(err)
	}

	ack := models.AckOK()
	ack.Room = req.Room
	ack.Messages = messages
	return ack
}

// Messages returns a page of room messages older than before, as seen by identity.
func (h *Hub) Messages(identity models.Identity, room string, before int64) ([]models.Message, error) {
	if err := validateRoom(room, identity.ID); err != nil {
		return nil, err
	}
	if before < 0 {
		return nil, fmt.Errorf("%w: negative cursor", models.ErrValidation)
	}
	return h.page(room, before)
}

// History returns the latest messages of a room, oldest first.
func (h *Hub) History(room string) ([]models.Message, error) {
	return h.page(room, 0)
}

func (h *Hub) page(room string, before int64) ([]models.Message, error) {
	messages, err := h.store.ListMessages(room, before, PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
	}
	for i := range messages {
		messages[i].Sender.Username = h.username(messages[i].Sender.ID)
	}
	return messages, nil
}

// Typing relays a typing indicator to the rest of the room. Nothing is kept.
func (h *Hub) Typing(s *Session, req models.TypingRequest) {
	identity, err := authenticate(s)
	if err != nil {
		slog.Debug("dropping typing event", "session", s.ID(), "error", err)
		return
	}
	if err := validateRoom(req.Room, identity.ID); err != nil {
		slog.Debug("dropping typing event", "session", s.ID(), "error", err)
		return
	}

	h.rooms.Broadcast(req.Room, models.ServerMessage{
		Event: models.ServerEventTyping,
		Data: models.TypingEvent{
			Room:     req.Room,
			UserID:   identity.ID,
			Username: identity.Username,
			IsTyping: req.IsTyping,
		},
	}, s)
}

// MarkRead records the reader and tells the original sender, once per reader.
func (h *Hub) MarkRead(s *Session, req models.MarkReadRequest) models.Ack {
	identity, err := authenticate(s)
	if err != nil {
		return models.AckError(err)
	}
	if req.MessageID == "" {
		return models.AckError(fmt.Errorf("%w: message id is required", models.ErrValidation))
	}

	msg, err := h.store.GetMessage(req.MessageID)
	if err == nil && !chat.CanAccess(msg.Room, identity.ID) {
		err = fmt.Errorf("message %s: %w", req.MessageID, models.ErrNotFound)
	}
	if err != nil {
		slog.Debug("mark-read failed", "session", s.ID(), "messageID", req.MessageID, "error", err)
		return models.AckError(storeError(err))
	}

	msg, added, err := h.store.AddReader(req.MessageID, identity.ID)
	if err != nil {
		slog.Warn("failed to record reader", "messageID", req.MessageID, "userID", identity.ID, "error", err)
		return models.AckError(storeError(err))
	}

	if added && msg.Sender.ID != identity.ID {
		if conn, ok := h.presence.Lookup(msg.Sender.ID); ok {
			conn.Deliver(models.ServerMessage{
				Event: models.ServerEventMessageRead,
				Data: models.MessageReadEvent{
					MessageID: msg.ID,
					Room:      msg.Room,
					UserID:    identity.ID,
				},
			})
		}
	}

	return models.AckOK()
}

func (h *Hub) OnlineUsers() []models.Identity {
	return h.presence.Online()
}

func (h *Hub) IsOnline(userID string) bool {
	return h.presence.IsOnline(userID)
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections: h.presence.Connections(),
		Online:      len(h.presence.Online()),
		Rooms:       h.rooms.Rooms(),
	}
}

func (h *Hub) username(userID string) string {
	if name, err := h.usernames.Get(userID); err == nil {
		return name
	}
	user, err := h.store.GetUser(userID)
	if err != nil {
		slog.Debug("failed to resolve username", "userID", userID, "error", err)
		return ""
	}
	h.usernames.Set(user.ID, user.Username)
	return user.Username
}

func storeError(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
}

func render(typ models.MessageType, text string) string {
	if typ != models.MessageTypeText {
		return ""
	}
	html, err := content.RenderMarkdown(text)
	if err != nil {
		slog.Warn("markdown rendering failed, storing sanitized text", "error", err)
		return content.Sanitize(text)
	}
	return html
}

func delivered(msg models.Message) models.Ack {
	ack := models.AckOK()
	ack.ID = msg.ID
	ack.Room = msg.Room
	ack.DeliveredAt = msg.CreatedAt
	return ack
}
