package rooms

import (
	"sort"
	"time"
)

// Binding pairs a participant with its live connection. The participant set
// of a room is exactly the set of bound users, so a participant entry exists
// iff a connection mapping exists.
type Binding struct {
	User string
	Conn string
}

// Snapshot is a copied, lock free view of one room.
type Snapshot struct {
	ID        string
	Host      string
	CreatedAt time.Time
	Bindings  []Binding
}

// Users returns the participant ids of the snapshot, already sorted.
func (s Snapshot) Users() []string {
	users := make([]string, 0, len(s.Bindings))
	for _, b := range s.Bindings {
		users = append(users, b.User)
	}
	return users
}

// HostConn returns the host's connection id, or false when the room has no
// host or the host has no live binding.
func (s Snapshot) HostConn() (string, bool) {
	if s.Host == "" {
		return "", false
	}
	for _, b := range s.Bindings {
		if b.User == s.Host {
			return b.Conn, true
		}
	}
	return "", false
}

// room state is guarded entirely by the registry lock.
type room struct {
	host      string
	createdAt time.Time
	bindings  map[string]string // participant id -> connection id
}

func (rm *room) snapshot(roomID string) Snapshot {
	snap := Snapshot{
		ID:        roomID,
		Host:      rm.host,
		CreatedAt: rm.createdAt,
	}
	for user, conn := range rm.bindings {
		snap.Bindings = append(snap.Bindings, Binding{User: user, Conn: conn})
	}
	sortBindings(snap.Bindings)
	return snap
}

func (rm *room) others(exceptUser string) []Binding {
	var bindings []Binding
	for user, conn := range rm.bindings {
		if user == exceptUser {
			continue
		}
		bindings = append(bindings, Binding{User: user, Conn: conn})
	}
	sortBindings(bindings)
	return bindings
}

func sortBindings(bindings []Binding) {
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].User < bindings[j].User
	})
}
