// Package directory implements the session directory: the pairing state
// shared between the control plane and the UDP protocol engines.
package directory

import (
	"errors"
	"sync"

	"github.com/peerlink/synapse/internal/identity"
)

var (
	// ErrRoomNotFound is returned when the referenced room does not exist
	ErrRoomNotFound = errors.New("room not found")

	// ErrClientNotFound is returned when the client has no recorded room
	ErrClientNotFound = errors.New("client not in a room")

	// ErrRoomFull is returned when the room already has a guest
	ErrRoomFull = errors.New("room is full")

	// ErrClientBusy is returned when the client already occupies a room slot
	// that conflicts with the requested join
	ErrClientBusy = errors.New("client is already in another room")

	// ErrInconsistent indicates a directory-invariant violation: a client's
	// recorded room does not actually contain it. Never caller-triggerable.
	ErrInconsistent = errors.New("client's cached room was incorrect")
)

// RoomID identifies a room. IDs are allocated from a monotonic counter and
// never reused within a process lifetime.
type RoomID uint64

// Room is a pairing slot holding one host and up to one guest.
type Room struct {
	ID       RoomID
	Host     identity.ClientID
	Guest    identity.ClientID
	HasGuest bool
}

// Stats summarizes directory occupancy.
type Stats struct {
	Rooms   int `json:"rooms"`
	Clients int `json:"clients"`
}

// Directory holds the rooms and the reverse client-to-room index. It is the
// only state shared across components: mutations come from the control
// plane, pairing lookups from both UDP engines. All access goes through the
// internal read/write mutex; critical sections copy out small values and
// never perform I/O.
type Directory struct {
	mu      sync.RWMutex
	rooms   map[RoomID]*Room
	clients map[identity.ClientID]RoomID
	nextID  RoomID
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		rooms:   make(map[RoomID]*Room),
		clients: make(map[identity.ClientID]RoomID),
	}
}

// CreateRoom allocates a new room hosted by client and returns its id.
// If the client already had a room recorded, its pointer is repointed to
// the new room; the previous room is left as-is.
func (d *Directory) CreateRoom(client identity.ClientID) RoomID {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++

	d.rooms[id] = &Room{ID: id, Host: client}
	d.clients[client] = id

	return id
}

// JoinRoom records client as the guest of roomID. The guest slot is strictly
// first-come: a present guest is never evicted.
func (d *Directory) JoinRoom(client identity.ClientID, roomID RoomID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, ok := d.clients[client]; ok && cur != roomID {
		return ErrClientBusy
	}

	room, ok := d.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Host == client {
		// A room never holds the same client in both slots.
		return ErrClientBusy
	}
	if room.HasGuest {
		return ErrRoomFull
	}

	room.Guest = client
	room.HasGuest = true
	d.clients[client] = roomID

	return nil
}

// LeaveRoom removes client from its recorded room. A departing host with a
// guest present promotes the guest to host; a departing host of an empty
// room deletes the room. The client's own record is always removed on
// success.
func (d *Directory) LeaveRoom(client identity.ClientID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	roomID, ok := d.clients[client]
	if !ok {
		return ErrClientNotFound
	}
	room, ok := d.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}

	switch {
	case room.HasGuest && room.Guest == client:
		room.Guest = identity.ZeroID
		room.HasGuest = false
	case room.Host == client:
		if room.HasGuest {
			room.Host = room.Guest
			room.Guest = identity.ZeroID
			room.HasGuest = false
		} else {
			delete(d.rooms, roomID)
		}
	default:
		return ErrInconsistent
	}

	delete(d.clients, client)
	return nil
}

// Peer returns the other occupant of client's room. The second return is
// false if the client is unknown, its room is unknown, or the room has no
// second occupant yet.
func (d *Directory) Peer(client identity.ClientID) (identity.ClientID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.roomOf(client)
	if !ok || !room.HasGuest {
		return identity.ZeroID, false
	}
	if room.Host == client {
		return room.Guest, true
	}
	return room.Host, true
}

// Pairing returns both occupants of client's room: the host first, then the
// guest. It is false until the room has a guest. The punch coordinator uses
// this to address FoundPeer packets to both sides at once.
func (d *Directory) Pairing(client identity.ClientID) (host, guest identity.ClientID, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, found := d.roomOf(client)
	if !found || !room.HasGuest {
		return identity.ZeroID, identity.ZeroID, false
	}
	return room.Host, room.Guest, true
}

// roomOf resolves a client's recorded room. Caller must hold the lock.
func (d *Directory) roomOf(client identity.ClientID) (*Room, bool) {
	roomID, ok := d.clients[client]
	if !ok {
		return nil, false
	}
	room, ok := d.rooms[roomID]
	return room, ok
}

// Lookup returns a copy of the room with the given id.
func (d *Directory) Lookup(roomID RoomID) (Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return *room, true
}

// Stats returns current occupancy counts.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Stats{
		Rooms:   len(d.rooms),
		Clients: len(d.clients),
	}
}
