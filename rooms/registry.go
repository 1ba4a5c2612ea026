package rooms

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an event references a room id with no
// registry entry.
var ErrNotFound = errors.New("room not found")

// JoinResult describes the room right after a join: the bindings of the other
// participants and the current host id.
type JoinResult struct {
	Others []Binding
	Host   string
}

// LeaveResult describes the room right after a participant left it.
type LeaveResult struct {
	Remaining   []Binding
	HostCleared bool
	Empty       bool
}

// Departure is one room a disconnecting connection was removed from.
type Departure struct {
	Room      string
	User      string
	Remaining []Binding
}

// Registry is the concurrent safe mapping from room ids to live rooms. Every
// mutation runs atomically under one lock so that racing joins, leaves and
// disconnects on the same room cannot interleave. Rooms never escape the
// lock, the API hands out copied snapshots only.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

// Join binds user to conn in the given room, creating the room when unseen.
// A repeated join for the same user rebinds it to the latest connection
// without duplicating the participant. With host set the user takes over as
// room host, replacing any previous one.
func (r *Registry) Join(roomID, userID, connID string, host bool) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.getOrCreate(roomID)
	rm.bindings[userID] = connID
	if host {
		rm.host = userID
	}

	return JoinResult{
		Others: rm.others(userID),
		Host:   rm.host,
	}
}

// Leave removes the user's binding from the room. It reports false when the
// room or the binding does not exist. If the user was host the room loses its
// host, an emptied room is removed before returning.
func (r *Registry) Leave(roomID, userID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return LeaveResult{}, false
	}
	if _, bound := rm.bindings[userID]; !bound {
		return LeaveResult{}, false
	}

	res := LeaveResult{}
	delete(rm.bindings, userID)
	if rm.host == userID {
		rm.host = ""
		res.HostCleared = true
	}
	res.Remaining = rm.others(userID)
	res.Empty = len(rm.bindings) == 0
	r.removeIfEmpty(roomID)
	return res, true
}

// Disconnect removes the connection's participant from every room it is
// bound in, clearing the host and removing the room where needed. The scan is
// linear over rooms and bindings, disconnects are rare relative to relayed
// frames so this stays cheap at the expected room counts.
func (r *Registry) Disconnect(connID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var departures []Departure
	for roomID, rm := range r.rooms {
		for user, conn := range rm.bindings {
			if conn != connID {
				continue
			}
			delete(rm.bindings, user)
			if rm.host == user {
				rm.host = ""
			}
			departures = append(departures, Departure{
				Room:      roomID,
				User:      user,
				Remaining: rm.others(user),
			})
			r.removeIfEmpty(roomID)
			break
		}
	}

	sort.Slice(departures, func(i, j int) bool {
		return departures[i].Room < departures[j].Room
	})
	return departures
}

// Room returns a copied snapshot of the given room. The second return is
// false for unknown ids.
func (r *Registry) Room(roomID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Snapshot{}, false
	}
	return rm.snapshot(roomID), true
}

// Rooms lists a snapshot of every live room, ordered by id.
func (r *Registry) Rooms() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.rooms))
	for roomID, rm := range r.rooms {
		snaps = append(snaps, rm.snapshot(roomID))
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].ID < snaps[j].ID
	})
	return snaps
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) getOrCreate(roomID string) *room {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			createdAt: time.Now(),
			bindings:  make(map[string]string),
		}
		r.rooms[roomID] = rm
	}
	return rm
}

func (r *Registry) removeIfEmpty(roomID string) {
	if rm, ok := r.rooms[roomID]; ok && len(rm.bindings) == 0 {
		delete(r.rooms, roomID)
	}
}
