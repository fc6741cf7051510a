package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Registry tracks which local connections are members of which rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[*Client]struct{}),
	}
}

func (r *Registry) Add(roomId string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomId]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[roomId] = members
	}
	members[c] = struct{}{}
}

func (r *Registry) Remove(roomId string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomId]
	if !ok {
		return
	}

	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, roomId)
	}
}

// Members returns the number of local connections in a room.
func (r *Registry) Members(roomId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomId])
}

// Deliver queues msg on every local connection in the room.
func (r *Registry) Deliver(roomId string, msg *ServerMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.rooms[roomId] {
		c.queueMessage(msg)
	}
}

const directRoomPrefix = "DM-"

// DirectRoomId names the private room shared by two users. The name is the
// same whichever of the two asks for it.
func DirectRoomId(a, b int) string {
	return fmt.Sprintf("%s%d-%d", directRoomPrefix, min(a, b), max(a, b))
}

// ParseDirectRoomId returns the two participants of a direct room.
func ParseDirectRoomId(roomId string) (int, int, bool) {
	rest, ok := strings.CutPrefix(roomId, directRoomPrefix)
	if !ok {
		return 0, 0, false
	}

	left, right, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, 0, false
	}

	a, err := strconv.Atoi(left)
	if err != nil {
		return 0, 0, false
	}
	b, err := strconv.Atoi(right)
	if err != nil {
		return 0, 0, false
	}

	return a, b, true
}
