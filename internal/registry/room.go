package registry

// Room represents a named rendezvous point where peers discover each other.
type Room struct {
	// ID is the caller-supplied identifier for the room.
	ID string

	// Members holds the connection IDs currently in the room, in join order.
	Members []string
}

// RoomInfo is a read-only snapshot of a room.
type RoomInfo struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

func (r *Room) contains(connID string) bool {
	return r.indexOf(connID) >= 0
}

func (r *Room) indexOf(connID string) int {
	for i, id := range r.Members {
		if id == connID {
			return i
		}
	}
	return -1
}

// remove deletes connID while keeping the remaining join order intact.
func (r *Room) remove(connID string) bool {
	i := r.indexOf(connID)
	if i < 0 {
		return false
	}
	r.Members = append(r.Members[:i], r.Members[i+1:]...)
	return true
}

// others returns a copy of the members excluding connID.
func (r *Room) others(connID string) []string {
	out := make([]string, 0, len(r.Members))
	for _, id := range r.Members {
		if id != connID {
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) snapshot() RoomInfo {
	members := make([]string, len(r.Members))
	copy(members, r.Members)
	return RoomInfo{ID: r.ID, Members: members}
}
