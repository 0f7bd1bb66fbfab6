// Package registry owns room membership and the per-room
// last-writer-wins document, enforcing the invariants that a client
// belongs to at most one room, a room disappears the instant its last
// member leaves, and a room's version counter only ever increases.
package registry

import (
	"sync"

	"github.com/signalhub/signalhub/internal/frame"
	"github.com/signalhub/signalhub/internal/metrics"
)

// Room holds the membership and document state for one room (§3).
type Room struct {
	ID      string
	Version int64
	Text    string
	Members map[string]struct{} // clientId set
}

// UpdateOutcome reports whether an update was accepted or rejected by
// the optimistic-concurrency check (§4.8).
type UpdateOutcome int

const (
	UpdateAccepted UpdateOutcome = iota
	UpdateRejected
)

// Registry tracks every room and the room each client currently
// belongs to. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	rooms      map[string]*Room
	clientRoom map[string]string // clientId -> roomId
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		rooms:      make(map[string]*Room),
		clientRoom: make(map[string]string),
	}
}

// Join adds clientId to roomId, creating the room if it does not yet
// exist. If clientId already belongs to a different room, it is
// removed from that room first (at-most-one-room membership, §3).
// Returns the room the client ended up in and whether it was freshly
// created.
func (r *Registry) Join(clientID, roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clientRoom[clientID]; ok && existing != roomID {
		r.leaveLocked(clientID, existing)
	}

	room, created := r.rooms[roomID]
	if !created {
		room = &Room{ID: roomID, Members: make(map[string]struct{})}
		r.rooms[roomID] = room
		metrics.ActiveRooms.Inc()
	}
	room.Members[clientID] = struct{}{}
	r.clientRoom[clientID] = roomID
	metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(room.Members)))

	return room, !created
}

// Leave removes clientId from whatever room it currently belongs to.
// Returns the roomId it left and whether the room was removed as a
// result (empty-room removal, §3). ok is false if the client was not
// in any room.
func (r *Registry) Leave(clientID string) (roomID string, removed bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok = r.clientRoom[clientID]
	if !ok {
		return "", false, false
	}
	removed = r.leaveLocked(clientID, roomID)
	return roomID, removed, true
}

func (r *Registry) leaveLocked(clientID, roomID string) (removed bool) {
	delete(r.clientRoom, clientID)
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	delete(room.Members, clientID)
	if len(room.Members) == 0 {
		delete(r.rooms, roomID)
		metrics.RoomMembers.DeleteLabelValues(roomID)
		metrics.ActiveRooms.Dec()
		return true
	}
	metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(room.Members)))
	return false
}

// RoomOf returns the room a client currently belongs to, if any.
func (r *Registry) RoomOf(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.clientRoom[clientID]
	return roomID, ok
}

// Members returns a snapshot of the clientIds in roomID.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(room.Members))
	for id := range room.Members {
		members = append(members, id)
	}
	return members
}

// Doc returns a snapshot of a room's document state.
func (r *Registry) Doc(roomID string) (version int64, text string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return 0, "", false
	}
	return room.Version, room.Text, true
}

// Update applies an optimistic-concurrency write to a room's document
// (§4.8). If baseVersion is non-nil and does not match the room's
// current version, the update is rejected and the caller's proposed
// text is discarded; the caller should reply with the room's current
// state. On acceptance the version is incremented and the new state
// returned.
func (r *Registry) Update(roomID string, baseVersion *int64, text string) (outcome UpdateOutcome, version int64, current string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return UpdateRejected, 0, ""
	}

	if baseVersion != nil && *baseVersion != room.Version {
		metrics.DocumentUpdates.WithLabelValues("rejected").Inc()
		return UpdateRejected, room.Version, room.Text
	}

	room.Version++
	room.Text = text
	metrics.DocumentUpdates.WithLabelValues("accepted").Inc()
	return UpdateAccepted, room.Version, room.Text
}

// PeersSnapshot builds the derived peer view for a room (§3, §4.7):
// Peers always lists every member (including the recipient); Count is
// Peers without the recipient, i.e. Total-1 when forClientID is itself
// a member, or Total unchanged if it is not.
func PeersSnapshot(describe func(clientID string) frame.PeerDescriptor, memberIDs []string, forClientID string) frame.PeersSnapshot {
	peers := make([]frame.PeerDescriptor, 0, len(memberIDs))
	self := false
	for _, id := range memberIDs {
		if id == forClientID {
			self = true
		}
		peers = append(peers, describe(id))
	}
	count := len(peers)
	if self {
		count--
	}
	return frame.PeersSnapshot{
		Peers: peers,
		Total: len(peers),
		Count: count,
	}
}
