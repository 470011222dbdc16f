package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("not authenticated")
	ErrValidation      = errors.New("validation failed")
	ErrStoreFailure    = errors.New("store failure")
)

// ErrorCode maps an error to the code reported in error acks.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrStoreFailure):
		return "store_failure"
	default:
		return "internal"
	}
}

// Identity is the authenticated holder of a connection.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// User represents a registered user.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	CreatedAt int64  `json:"createdAt"` // Unix milliseconds
	Online    bool   `json:"online,omitempty"`
}

func (u User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username}
}

// Room is an entry of the room directory.
type Room struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"isPrivate"`
	CreatedBy string `json:"createdBy,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Message represents a persisted chat message.
type Message struct {
	ID        string         `json:"id"`
	Sender    Identity       `json:"sender"`
	Room      string         `json:"room"`
	Content   string         `json:"content"`
	HTML      string         `json:"html,omitempty"`
	Type      MessageType    `json:"type"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt int64          `json:"createdAt"` // Unix milliseconds, assigned by the store
	ReadBy    []string       `json:"readBy"`
}

// HasReader reports whether userID is in the message read set.
func (m Message) HasReader(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

type ClientEvent string

const (
	ClientEventJoinRoom       ClientEvent = "join-room"
	ClientEventLeaveRoom      ClientEvent = "leave-room"
	ClientEventSendMessage    ClientEvent = "send-message"
	ClientEventPrivateMessage ClientEvent = "private-message"
	ClientEventTyping         ClientEvent = "typing"
	ClientEventMarkRead       ClientEvent = "mark-read"
	ClientEventLoadMore       ClientEvent = "load-more"
)

// ClientMessage represents a request sent from the client to the server.
// AckID is optional; when set the server answers with an ack carrying the same id.
type ClientMessage struct {
	Event ClientEvent     `json:"event"`
	AckID int64           `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerEvent string

const (
	ServerEventAck            ServerEvent = "ack"
	ServerEventRoomHistory    ServerEvent = "room-history"
	ServerEventNewMessage     ServerEvent = "new-message"
	ServerEventPrivateMessage ServerEvent = "private-message"
	ServerEventTyping         ServerEvent = "typing"
	ServerEventMessageRead    ServerEvent = "message-read"
	ServerEventOnlineUsers    ServerEvent = "online-users"
	ServerEventUserJoined     ServerEvent = "user-joined"
	ServerEventUserLeft       ServerEvent = "user-left"
)

// ServerMessage represents an event sent to the client.
type ServerMessage struct {
	Event ServerEvent `json:"event"`
	AckID int64       `json:"ackId,omitempty"`
	Data  any         `json:"data,omitempty"`
}

type JoinRoomRequest struct {
	Room string `json:"room"`
}

type LeaveRoomRequest struct {
	Room string `json:"room"`
}

type SendMessageRequest struct {
	Room    string         `json:"room"`
	Content string         `json:"content"`
	Type    MessageType    `json:"type,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type PrivateMessageRequest struct {
	ToUserID string `json:"toUserId"`
	Content  string `json:"content"`
}

type TypingRequest struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

type MarkReadRequest struct {
	MessageID string `json:"messageId"`
}

type LoadMoreRequest struct {
	Room   string `json:"room"`
	Before int64  `json:"before,omitempty"` // createdAt cursor, exclusive
}

type AckStatus string

const (
	AckStatusOK    AckStatus = "ok"
	AckStatusError AckStatus = "error"
)

// Ack is the response bound to a single client request.
type Ack struct {
	Status      AckStatus `json:"status"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	ID          string    `json:"id,omitempty"`
	Room        string    `json:"room,omitempty"`
	DeliveredAt int64     `json:"deliveredAt,omitempty"`
	Messages    []Message `json:"messages,omitzero"`
}

func AckOK() Ack {
	return Ack{Status: AckStatusOK}
}

func AckError(err error) Ack {
	return Ack{
		Status:  AckStatusError,
		Code:    ErrorCode(err),
		Message: err.Error(),
	}
}

type RoomHistory struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

type TypingEvent struct {
	Room     string `json:"room"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type MessageReadEvent struct {
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
	UserID    string `json:"userId"`
}

type UserJoinedEvent struct {
	Room     string `json:"room"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserLeftEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// APIResponse is a generic HTTP API result.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
