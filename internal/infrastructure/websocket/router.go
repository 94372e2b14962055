package websocket

import (
	"sync"
)

type room struct {
	mu          sync.Mutex
	subscribers map[string]*Connection
}

// RoomRouter tracks which local connections receive the events of each room. The rooms map lock is always
// taken before a room lock. Frames for one room are queued to subscribers under that room's lock, which
// keeps per-room delivery order equal to broadcast order.
type RoomRouter struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	onDead func(*Connection)
}

// NewRoomRouter builds a router. onDead is called, outside any router lock, for every subscriber whose
// outbox rejected a frame.
func NewRoomRouter(onDead func(*Connection)) *RoomRouter {
	if onDead == nil {
		onDead = func(*Connection) {}
	}
	return &RoomRouter{
		rooms:  make(map[string]*room),
		onDead: onDead,
	}
}

// Join subscribes c to roomID. It reports false when c was already subscribed or is closed; a connection
// pruned while its join was in flight must not come back.
func (r *RoomRouter) Join(c *Connection, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{subscribers: make(map[string]*Connection)}
		r.rooms[roomID] = rm
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.subscribers[c.ID]; ok {
		return false
	}
	if !c.addRoom(roomID) {
		if len(rm.subscribers) == 0 {
			delete(r.rooms, roomID)
		}
		return false
	}
	rm.subscribers[c.ID] = c
	return true
}

func (r *RoomRouter) Leave(c *Connection, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, roomID)
}

// LeaveAll removes c from every room it joined.
func (r *RoomRouter) LeaveAll(c *Connection) {
	rooms := c.Rooms()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, roomID := range rooms {
		r.leaveLocked(c, roomID)
	}
}

func (r *RoomRouter) leaveLocked(c *Connection, roomID string) {
	c.removeRoom(roomID)

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.subscribers, c.ID)
	empty := len(rm.subscribers) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, roomID)
	}
}

// Broadcast queues frame to every subscriber of roomID except excludeConnID and returns how many
// connections accepted it. A subscriber that rejects a frame is removed from the room at once and then
// handed to onDead; it is never retried.
func (r *RoomRouter) Broadcast(roomID string, frame []byte, excludeConnID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	rm.mu.Lock()
	r.mu.RUnlock()

	delivered := 0
	var dead []*Connection
	for id, c := range rm.subscribers {
		if id == excludeConnID {
			continue
		}
		if c.enqueue(frame) {
			delivered++
			continue
		}
		dead = append(dead, c)
	}
	for _, c := range dead {
		delete(rm.subscribers, c.ID)
		c.removeRoom(roomID)
	}
	empty := len(dead) > 0 && len(rm.subscribers) == 0
	rm.mu.Unlock()

	if empty {
		r.dropIfEmpty(roomID, rm)
	}
	for _, c := range dead {
		r.onDead(c)
	}
	return delivered
}

// dropIfEmpty removes rm from the registry if it is still registered under roomID and has no subscribers.
func (r *RoomRouter) dropIfEmpty(roomID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[roomID] != rm {
		return
	}
	rm.mu.Lock()
	empty := len(rm.subscribers) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, roomID)
	}
}

// Subscribers returns the connection ids subscribed to roomID.
func (r *RoomRouter) Subscribers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	ids := make([]string, 0, len(rm.subscribers))
	for id := range rm.subscribers {
		ids = append(ids, id)
	}
	return ids
}

func (r *RoomRouter) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
