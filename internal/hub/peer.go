// Package hub tracks connected signaling peers and their room membership, and
// queues outbound messages to them.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrOutboxFull is returned by Push when a peer's outbound queue has no room.
var ErrOutboxFull = errors.New("outbound queue full")

// ErrPeerClosed is returned by Push after Close.
var ErrPeerClosed = errors.New("peer closed")

// DefaultOutboxSize is used when NewPeer is given a non-positive size.
const DefaultOutboxSize = 64

// Peer is one signaling connection. Outbound messages are queued on a bounded
// channel drained by the connection's writer.
type Peer struct {
	connID string
	outbox chan []byte

	mu     sync.Mutex
	closed bool
	userID string
	roomID string
}

// NewPeer creates an unbound peer with a fresh connection id.
//
// Postcondition: Returns a Peer with an open outbox of the given capacity.
func NewPeer(outboxSize int) *Peer {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Peer{
		connID: uuid.NewString(),
		outbox: make(chan []byte, outboxSize),
	}
}

// ConnID returns the connection identifier.
func (p *Peer) ConnID() string {
	return p.connID
}

// UserID returns the bound user id, or "" before the peer has joined.
func (p *Peer) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// RoomID returns the current room, or "" before the peer has joined.
func (p *Peer) RoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

func (p *Peer) bind(userID, roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userID = userID
	p.roomID = roomID
}

// Push enqueues data without blocking.
//
// Precondition: data must be non-nil.
// Postcondition: Returns nil once enqueued, ErrPeerClosed, or ErrOutboxFull.
func (p *Peer) Push(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("peer %s: %w", p.connID, ErrPeerClosed)
	}
	select {
	case p.outbox <- data:
		return nil
	default:
		return fmt.Errorf("peer %s: %w", p.connID, ErrOutboxFull)
	}
}

// Outbox returns the queue the connection writer drains. It is closed by Close.
func (p *Peer) Outbox() <-chan []byte {
	return p.outbox
}

// Close closes the outbox. It is safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.outbox)
	}
}
