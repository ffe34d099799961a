package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/hub"
)

// Conn is one framed message stream carrying encoded envelopes.
type Conn interface {
	// ReadMessage blocks until one message arrives. It returns io.EOF once the peer
	// has gone away cleanly.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one message. It is called from a single goroutine.
	WriteMessage(data []byte) error
	// RemoteAddr names the peer for logging.
	RemoteAddr() string
	// Close releases the stream and unblocks ReadMessage. It may be called more
	// than once.
	Close() error
}

// ServeConn runs one connection until the peer disconnects or ctx is cancelled.
// Inbound envelopes are decoded and dispatched on the calling goroutine; outbound
// messages are written by a second goroutine draining the peer's queue.
//
// Postcondition: The peer has left the hub and conn is closed. Returns nil on a
// clean disconnect or cancellation.
func (s *Server) ServeConn(ctx context.Context, conn Conn) error {
	p := hub.NewPeer(s.outboxSize)
	log := s.logger.With(
		zap.String("conn_id", p.ConnID()),
		zap.String("remote", conn.RemoteAddr()),
	)
	log.Info("signaling: connection opened")

	writeDone := make(chan error, 1)
	go func() { writeDone <- writeLoop(conn, p) }()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		close(stop)
		s.unbind(p, log)
		p.Close()
		if err := <-writeDone; err != nil {
			log.Debug("signaling: writer stopped", zap.Error(err))
		}
		_ = conn.Close()
		log.Info("signaling: connection closed")
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", conn.RemoteAddr(), err)
		}
		s.handleMessage(ctx, p, data, log)
	}
}

// writeLoop drains p's outbox into conn. A write failure closes conn so the reader
// stops too.
func writeLoop(conn Conn, p *hub.Peer) error {
	for data := range p.Outbox() {
		if err := conn.WriteMessage(data); err != nil {
			_ = conn.Close()
			for range p.Outbox() {
			}
			return err
		}
	}
	return nil
}

func (s *Server) handleMessage(ctx context.Context, p *hub.Peer, data []byte, log *zap.Logger) {
	env, err := s.codec.Decode(data)
	if err != nil {
		log.Debug("signaling: rejecting message", zap.Error(err))
		s.reply(p, err)
		return
	}
	if err := s.bind(p, env, log); err != nil {
		s.reply(p, err)
		return
	}
	out := s.dispatcher.Dispatch(WithPeer(ctx, p), env)
	if out.Err != nil {
		s.reply(p, out.Err)
	}
}

// reply queues an error notice for p alone.
func (s *Server) reply(p *hub.Peer, cause error) {
	data, err := s.notice(p.RoomID(), p.UserID(), NoticeError, cause.Error())
	if err == nil {
		err = p.Push(data)
	}
	if err != nil {
		s.logger.Debug("signaling: error notice dropped", zap.String("conn_id", p.ConnID()), zap.Error(err))
	}
}

// bind joins p to the hub on its first envelope carrying both user_id and room_id,
// and moves it when a later envelope names another room.
func (s *Server) bind(p *hub.Peer, env command.Envelope, log *zap.Logger) error {
	uid := command.Deref(env.UserID)
	room := command.Deref(env.RoomID)

	current := p.UserID()
	if current == "" {
		if uid == "" || room == "" {
			return nil
		}
		if err := s.hub.Join(p, uid, room); err != nil {
			return err
		}
		log.Info("signaling: peer joined", zap.String("user_id", uid), zap.String("room_id", room))
		s.Notify(room, uid, uid, NoticeUserEnter, uid)
		return nil
	}

	if uid != "" && uid != current {
		return fmt.Errorf("connection is bound to user %q, envelope names %q", current, uid)
	}
	if room == "" || room == p.RoomID() {
		return nil
	}
	old, err := s.hub.Move(current, room)
	if err != nil {
		return err
	}
	log.Info("signaling: peer moved", zap.String("user_id", current), zap.String("from", old), zap.String("to", room))
	s.Notify(old, current, current, NoticeUserLeave, current)
	s.Notify(room, current, current, NoticeUserEnter, current)
	return nil
}

func (s *Server) unbind(p *hub.Peer, log *zap.Logger) {
	uid := p.UserID()
	if uid == "" {
		return
	}
	room, err := s.hub.Leave(uid)
	if err != nil {
		log.Warn("signaling: leaving hub", zap.Error(err))
		return
	}
	s.Notify(room, uid, uid, NoticeUserLeave, uid)
}
