// Package registry tracks which connections are joined to which rooms.
//
// The Registry is the single source of truth for room membership. Every
// operation is safe for concurrent use; absent rooms or connections are
// treated as "nothing to do" rather than as errors.
package registry

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrRoomFull is returned by Join when the room already holds
	// Limits.MaxMembersPerRoom members.
	ErrRoomFull = errors.New("room is full")

	// ErrTooManyRooms is returned by Join when creating the room would
	// exceed Limits.MaxRooms.
	ErrTooManyRooms = errors.New("too many rooms")
)

// Limits caps registry growth. A zero value means unlimited.
type Limits struct {
	MaxRooms          int
	MaxMembersPerRoom int
}

// Registry maps room IDs to their ordered member lists.
type Registry struct {
	mu     sync.Mutex
	limits Limits

	// rooms maps room IDs to Room instances. Empty rooms are never stored.
	rooms map[string]*Room

	// joined maps a connection ID to the rooms it is in, in join order.
	// It is only a lookup aid for LeaveAll; rooms stays authoritative.
	joined map[string][]string
}

// New creates an empty Registry with the given limits.
func New(limits Limits) *Registry {
	return &Registry{
		limits: limits,
		rooms:  make(map[string]*Room),
		joined: make(map[string][]string),
	}
}

// SetLimits replaces the capacity limits. Existing members are never evicted.
func (r *Registry) SetLimits(limits Limits) {
	r.mu.Lock()
	r.limits = limits
	r.mu.Unlock()
}

// Limits returns the current capacity limits.
func (r *Registry) Limits() Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// Join adds connID to roomID and returns the other members in join order.
// added is false when connID was already a member.
//
// Joining a room twice is a no-op that still returns the current peers. The
// only failures are capacity refusals; a duplicate join never hits them.
func (r *Registry) Join(roomID, connID string) (others []string, added bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if ok && room.contains(connID) {
		return room.others(connID), false, nil
	}

	if !ok {
		if r.limits.MaxRooms > 0 && len(r.rooms) >= r.limits.MaxRooms {
			return nil, false, ErrTooManyRooms
		}
	} else if r.limits.MaxMembersPerRoom > 0 && len(room.Members) >= r.limits.MaxMembersPerRoom {
		return nil, false, ErrRoomFull
	}

	if !ok {
		room = &Room{ID: roomID}
		r.rooms[roomID] = room
	}

	others = room.others(connID)
	room.Members = append(room.Members, connID)
	r.joined[connID] = append(r.joined[connID], roomID)

	return others, true, nil
}

// Leave removes connID from roomID and reports whether it was a member.
// The room is deleted once its last member leaves.
func (r *Registry) Leave(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.removeLocked(roomID, connID) {
		return false
	}

	rooms := r.joined[connID]
	for i, id := range rooms {
		if id == roomID {
			rooms = append(rooms[:i], rooms[i+1:]...)
			break
		}
	}
	if len(rooms) == 0 {
		delete(r.joined, connID)
	} else {
		r.joined[connID] = rooms
	}

	return true
}

// LeaveAll removes connID from every room it belongs to and returns the IDs
// of those rooms, in the order they were joined. A second call returns nil.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.joined[connID]
	if !ok {
		return nil
	}
	delete(r.joined, connID)

	left := make([]string, 0, len(rooms))
	for _, roomID := range rooms {
		if r.removeLocked(roomID, connID) {
			left = append(left, roomID)
		}
	}

	return left
}

// Members returns a snapshot of roomID's members in join order, or nil when
// the room does not exist.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return room.snapshot().Members
}

// Rooms returns a snapshot of every live room sorted by ID.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomInfo, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// removeLocked drops connID from roomID and deletes the room if it empties.
// The caller must hold r.mu.
func (r *Registry) removeLocked(roomID, connID string) bool {
	room, ok := r.rooms[roomID]
	if !ok || !room.remove(connID) {
		return false
	}
	if len(room.Members) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}
