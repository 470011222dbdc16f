package chat

import (
	"sort"
	"sync"

	"chatbloom/internal/models"
)

// Registry maps room names to their subscriber sets.
// A room without subscribers and without in-flight work is not kept.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

func (g *Registry) acquire(name string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[name]
	if !ok {
		r = newRoom(name)
		g.rooms[name] = r
	}
	r.pending++
	return r
}

func (g *Registry) release(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r.pending--
	g.dropIfUnused(r)
}

// dropIfUnused must be called with g.mu held.
func (g *Registry) dropIfUnused(r *Room) {
	if r.pending == 0 && r.Len() == 0 && g.rooms[r.Name] == r {
		delete(g.rooms, r.Name)
	}
}

// Do runs fn while holding the room's publish lock.
func (g *Registry) Do(name string, fn func(room *Room) error) error {
	r := g.acquire(name)
	defer g.release(r)

	r.publish.Lock()
	defer r.publish.Unlock()

	return fn(r)
}

// Join subscribes sub to the room. Joining twice has no additional effect.
// fn, if not nil, runs under the room's publish lock right after the
// subscription, so no broadcast can interleave with it.
func (g *Registry) Join(name string, sub Subscriber, fn func(room *Room, added bool) error) (bool, error) {
	var added bool
	err := g.Do(name, func(room *Room) error {
		added = room.add(sub)
		if fn == nil {
			return nil
		}
		return fn(room, added)
	})
	return added, err
}

func (g *Registry) Leave(name string, sub Subscriber) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[name]
	if !ok {
		return false
	}
	removed := r.remove(sub)
	g.dropIfUnused(r)
	return removed
}

// LeaveAll removes sub from every room and returns the names it left.
func (g *Registry) LeaveAll(sub Subscriber) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var left []string
	for name, r := range g.rooms {
		if r.remove(sub) {
			left = append(left, name)
			g.dropIfUnused(r)
		}
	}
	sort.Strings(left)
	return left
}

func (g *Registry) get(name string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[name]
}

// Broadcast delivers msg to the room's subscribers except exclude.
func (g *Registry) Broadcast(name string, msg models.ServerMessage, exclude Subscriber) int {
	r := g.get(name)
	if r == nil {
		return 0
	}
	return r.Broadcast(msg, exclude)
}

func (g *Registry) IsMember(name string, sub Subscriber) bool {
	r := g.get(name)
	return r != nil && r.Has(sub)
}

func (g *Registry) Subscribers(name string) int {
	r := g.get(name)
	if r == nil {
		return 0
	}
	return r.Len()
}

// Rooms returns the names of rooms that currently have subscribers.
func (g *Registry) Rooms() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.rooms))
	for name, r := range g.rooms {
		if r.Len() > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
