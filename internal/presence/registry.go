// Package presence tracks which users are online and on which connection.
package presence

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"chatbloom/internal/chat"
	"chatbloom/internal/models"
)

type entry struct {
	identity models.Identity
	conn     chat.Subscriber
}

// Registry holds at most one live connection per user id. Every connection,
// authenticated or not, is attached so it can receive online-users updates.
type Registry struct {
	mu       sync.Mutex
	attached map[chat.Subscriber]struct{}
	online   map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{
		attached: make(map[chat.Subscriber]struct{}),
		online:   make(map[string]entry),
	}
}

// Attach adds conn to the set of connections notified about presence changes
// and sends it the current online list.
func (p *Registry) Attach(conn chat.Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attached[conn] = struct{}{}
	conn.Deliver(models.ServerMessage{
		Event: models.ServerEventOnlineUsers,
		Data:  p.onlineLocked(),
	})
}

func (p *Registry) Detach(conn chat.Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attached, conn)
}

// Register records conn as the live connection of identity and pushes the
// new online list to every attached connection. When the user already had a
// different live connection it is returned with superseded set.
func (p *Registry) Register(identity models.Identity, conn chat.Subscriber) (chat.Subscriber, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attached[conn] = struct{}{}

	prev, had := p.online[identity.ID]
	p.online[identity.ID] = entry{identity: identity, conn: conn}

	superseded := had && prev.conn != conn
	if superseded {
		slog.Info("connection superseded", "userID", identity.ID, "username", identity.Username)
	}

	p.broadcastLocked(models.ServerMessage{
		Event: models.ServerEventOnlineUsers,
		Data:  p.onlineLocked(),
	})

	if superseded {
		return prev.conn, true
	}
	return nil, false
}

// Unregister removes the user's entry only if it still belongs to conn, so a
// stale connection closing late does not evict its replacement. The online
// list is pushed either way; user-left is sent only when an entry was removed.
func (p *Registry) Unregister(identity models.Identity, conn chat.Subscriber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.attached, conn)

	removed := false
	if e, ok := p.online[identity.ID]; ok && e.conn == conn {
		delete(p.online, identity.ID)
		removed = true
	}

	p.broadcastLocked(models.ServerMessage{
		Event: models.ServerEventOnlineUsers,
		Data:  p.onlineLocked(),
	})
	if removed {
		p.broadcastLocked(models.ServerMessage{
			Event: models.ServerEventUserLeft,
			Data: models.UserLeftEvent{
				UserID:   identity.ID,
				Username: identity.Username,
			},
		})
	}
	return removed
}

// Lookup returns the live connection of a user.
func (p *Registry) Lookup(userID string) (chat.Subscriber, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.online[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (p *Registry) IsOnline(userID string) bool {
	_, ok := p.Lookup(userID)
	return ok
}

// Online returns identities of online users ordered by username.
func (p *Registry) Online() []models.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onlineLocked()
}

func (p *Registry) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.attached)
}

func (p *Registry) onlineLocked() []models.Identity {
	users := make([]models.Identity, 0, len(p.online))
	for _, e := range p.online {
		users = append(users, e.identity)
	}
	slices.SortFunc(users, func(a, b models.Identity) int {
		return cmp.Or(
			cmp.Compare(a.Username, b.Username),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return users
}

func (p *Registry) broadcastLocked(msg models.ServerMessage) {
	for conn := range p.attached {
		if !conn.Deliver(msg) {
			slog.Warn("presence update dropped", "event", msg.Event, "connection", conn.ID())
		}
	}
}
