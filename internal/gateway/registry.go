package gateway

import (
	"sync"

	"watchsync-server/internal/bus"
)

// registry tracks which local clients are in which room, with a handle
// index for targeted sends. One bus subscription per room lives here too:
// opened when the first local client enters the room, torn down when the
// last one leaves.
type registry struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

type roomEntry struct {
	clients  map[*Client]struct{}
	byHandle map[string]*Client
	sub      bus.Subscription
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]*roomEntry)}
}

// add registers a client under a room. Returns true when this is the first
// local client for the room, i.e. the caller must open a bus subscription
// and complete it with setSubscription.
func (r *registry) add(roomID, handle string, c *Client) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rooms[roomID]
	if !ok {
		entry = &roomEntry{
			clients:  make(map[*Client]struct{}),
			byHandle: make(map[string]*Client),
		}
		r.rooms[roomID] = entry
		first = true
	}
	entry.clients[c] = struct{}{}
	entry.byHandle[handle] = c
	return first
}

// setSubscription attaches the bus subscription opened for a room.
func (r *registry) setSubscription(roomID string, sub bus.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.rooms[roomID]; ok {
		entry.sub = sub
	} else if sub != nil {
		// Room emptied while we were subscribing.
		_ = sub.Unsubscribe()
	}
}

// remove drops a client from a room. When the room empties, its entry is
// deleted and the bus subscription (if any) is returned for teardown.
func (r *registry) remove(roomID, handle string, c *Client) (sub bus.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	delete(entry.clients, c)
	if entry.byHandle[handle] == c {
		delete(entry.byHandle, handle)
	}
	if len(entry.clients) == 0 {
		delete(r.rooms, roomID)
		return entry.sub
	}
	return nil
}

// snapshot returns the local clients in a room. Safe to iterate after the
// lock is released; membership changes made later are not reflected.
func (r *registry) snapshot(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(entry.clients))
	for c := range entry.clients {
		out = append(out, c)
	}
	return out
}

// byHandle resolves a handle to a local client, or nil when the handle is
// connected to another instance.
func (r *registry) byHandle(roomID, handle string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return entry.byHandle[handle]
}
