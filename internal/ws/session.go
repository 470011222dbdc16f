package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"chatbloom/internal/models"

	"github.com/google/uuid"
)

var (
	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("outbound queue full")
)

// Session is the server side of one client connection. Everything written to
// the client goes through its outbound queue, so acks and broadcasts reach the
// client in the order they were enqueued.
type Session struct {
	id       string
	identity *models.Identity

	out       chan models.ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(identity *models.Identity, queueSize int) *Session {
	return &Session{
		id:       uuid.NewString(),
		identity: identity,
		out:      make(chan models.ServerMessage, queueSize),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Identity returns the verified identity, if the session authenticated.
func (s *Session) Identity() (models.Identity, bool) {
	if s.identity == nil {
		return models.Identity{}, false
	}
	return *s.identity, true
}

// Deliver enqueues msg without blocking. A full queue drops the event.
func (s *Session) Deliver(msg models.ServerMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- msg:
		return true
	default:
		slog.Warn("outbound queue full, dropping event", "session", s.id, "event", msg.Event)
		return false
	}
}

// send enqueues msg and waits for room in the queue.
func (s *Session) send(ctx context.Context, msg models.ServerMessage) error {
	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Outbound() <-chan models.ServerMessage {
	return s.out
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
