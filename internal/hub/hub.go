package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPeerNotFound is returned when no peer is bound to a user id.
var ErrPeerNotFound = errors.New("peer not found")

// ErrUserConnected is returned when a user id is already bound to another peer.
var ErrUserConnected = errors.New("user already connected")

// Hub tracks bound peers and room membership. All methods are safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*Peer           // userID → peer
	rooms map[string]map[string]bool // roomID → set of userIDs
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		peers: make(map[string]*Peer),
		rooms: make(map[string]map[string]bool),
	}
}

// Join binds p to userID and places it in roomID.
//
// Precondition: p must be unbound; userID and roomID must be non-empty.
// Postcondition: Returns ErrUserConnected if another peer holds userID.
func (h *Hub) Join(p *Peer, userID, roomID string) error {
	if userID == "" || roomID == "" {
		return fmt.Errorf("join: user id and room id must be non-empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.peers[userID]; exists {
		return fmt.Errorf("join %q: %w", userID, ErrUserConnected)
	}
	p.bind(userID, roomID)
	h.peers[userID] = p
	h.addToRoom(roomID, userID)
	return nil
}

// Leave unbinds userID and removes it from its room.
//
// Postcondition: Returns the room the user left, or ErrPeerNotFound.
func (h *Hub) Leave(userID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, exists := h.peers[userID]
	if !exists {
		return "", fmt.Errorf("leave %q: %w", userID, ErrPeerNotFound)
	}
	roomID := p.RoomID()
	h.removeFromRoom(roomID, userID)
	delete(h.peers, userID)
	return roomID, nil
}

// Move places userID in newRoomID.
//
// Postcondition: Returns the previous room, or ErrPeerNotFound.
func (h *Hub) Move(userID, newRoomID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, exists := h.peers[userID]
	if !exists {
		return "", fmt.Errorf("move %q: %w", userID, ErrPeerNotFound)
	}
	oldRoomID := p.RoomID()
	h.removeFromRoom(oldRoomID, userID)
	p.bind(userID, newRoomID)
	h.addToRoom(newRoomID, userID)
	return oldRoomID, nil
}

func (h *Hub) addToRoom(roomID, userID string) {
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]bool)
	}
	h.rooms[roomID][userID] = true
}

func (h *Hub) removeFromRoom(roomID, userID string) {
	if rs, ok := h.rooms[roomID]; ok {
		delete(rs, userID)
		if len(rs) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Peer returns the peer bound to userID.
func (h *Hub) Peer(userID string) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[userID]
	return p, ok
}

// UsersInRoom returns the user ids in roomID, sorted.
//
// Postcondition: Returns a slice of user ids (may be empty).
func (h *Hub) UsersInRoom(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.rooms[roomID]))
	for uid := range h.rooms[roomID] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of bound peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// SendTo queues data for userID.
func (h *Hub) SendTo(userID string, data []byte) error {
	p, ok := h.Peer(userID)
	if !ok {
		return fmt.Errorf("send to %q: %w", userID, ErrPeerNotFound)
	}
	return p.Push(data)
}

// Broadcast queues data for every peer in roomID except exceptUserID. Peers whose
// queue rejects the message do not stop delivery to the others.
//
// Postcondition: Returns the number of peers that accepted data and the joined
// push errors.
func (h *Hub) Broadcast(roomID, exceptUserID string, data []byte) (int, error) {
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.rooms[roomID]))
	for uid := range h.rooms[roomID] {
		if uid != exceptUserID {
			targets = append(targets, h.peers[uid])
		}
	}
	h.mu.RUnlock()

	delivered := 0
	var errs []error
	for _, p := range targets {
		if err := p.Push(data); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}
