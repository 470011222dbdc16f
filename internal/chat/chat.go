package chat

import (
	"sync"

	"chatbloom/internal/models"
)

// Subscriber is a live connection that can receive room events.
type Subscriber interface {
	ID() string
	// Deliver enqueues msg without blocking and reports whether it was accepted.
	Deliver(msg models.ServerMessage) bool
}

// Room is the set of connections subscribed to one room name.
//
// publish serializes persist-then-broadcast sequences so every subscriber
// observes messages in store commit order.
type Room struct {
	Name string

	publish sync.Mutex

	mux     sync.RWMutex
	members map[Subscriber]struct{}

	// in-flight Do calls, guarded by Registry.mu
	pending int
}

func newRoom(name string) *Room {
	return &Room{
		Name:    name,
		members: make(map[Subscriber]struct{}),
	}
}

func (r *Room) add(sub Subscriber) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.members[sub]; ok {
		return false
	}
	r.members[sub] = struct{}{}
	return true
}

func (r *Room) remove(sub Subscriber) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.members[sub]; !ok {
		return false
	}
	delete(r.members, sub)
	return true
}

func (r *Room) Has(sub Subscriber) bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	_, ok := r.members[sub]
	return ok
}

func (r *Room) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.members)
}

// Broadcast delivers msg to every member except exclude (which may be nil)
// and returns the number of members that accepted it.
func (r *Room) Broadcast(msg models.ServerMessage, exclude Subscriber) int {
	r.mux.RLock()
	defer r.mux.RUnlock()

	delivered := 0
	for sub := range r.members {
		if exclude != nil && sub == exclude {
			continue
		}
		if sub.Deliver(msg) {
			delivered++
		}
	}
	return delivered
}
