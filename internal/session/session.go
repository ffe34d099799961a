// Package session is the facade the room client glue talks to: it encodes and sends
// outbound commands over an injected transport and decodes and dispatches inbound ones.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/codec"
	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/dispatch"
)

// ErrNotAttached is returned by SendCommand when the session has no transport.
var ErrNotAttached = errors.New("session: no transport attached")

// Transport is the command channel supplied by the room SDK.
type Transport interface {
	// Send transmits one encoded envelope.
	Send(ctx context.Context, data []byte) error
	// OnReceive registers the callback invoked for every inbound message.
	OnReceive(fn func(data []byte))
}

// DecodeErrorFunc receives inbound messages that failed to decode.
type DecodeErrorFunc func(data []byte, err error)

// Option configures a Session.
type Option func(*Session)

// WithIdentity sets header fields stamped onto outbound envelopes that leave them
// absent. Fields already present on an envelope are never overwritten.
func WithIdentity(hdr command.Header) Option {
	return func(s *Session) { s.identity = hdr }
}

// WithDecodeErrorHandler installs a callback for inbound messages that fail to decode.
func WithDecodeErrorHandler(fn DecodeErrorFunc) Option {
	return func(s *Session) { s.onDecodeError = fn }
}

// Session binds a codec and dispatcher to one transport.
type Session struct {
	codec      *codec.Codec
	dispatcher *dispatch.Dispatcher
	identity   command.Header

	mu        sync.RWMutex
	transport Transport

	onDecodeError DecodeErrorFunc
	logger        *zap.Logger
}

// New creates a Session. The transport may be nil and attached later with Attach.
//
// Precondition: c, d, and logger must be non-nil.
func New(c *codec.Codec, d *dispatch.Dispatcher, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{codec: c, dispatcher: d, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach binds t to the session and registers OnCommandReceived as its receive
// callback. Inbound dispatch runs under ctx. It may be called while other
// goroutines send; each send uses whichever transport is attached at that moment.
//
// Precondition: t must be non-nil.
func (s *Session) Attach(ctx context.Context, t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	t.OnReceive(func(data []byte) {
		_, _ = s.OnCommandReceived(ctx, data)
	})
}

// Identity returns the header stamped onto outbound envelopes.
func (s *Session) Identity() command.Header {
	return s.identity
}

// SendCommand validates env, encodes it, and transmits it.
//
// Postcondition: Returns nil once the transport accepted the bytes; a validation
// error wrapping a command sentinel; or the transport's error.
func (s *Session) SendCommand(ctx context.Context, env command.Envelope) error {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return ErrNotAttached
	}
	env.Header = stamp(env.Header, s.identity)
	if err := s.codec.Check(env); err != nil {
		return fmt.Errorf("sending %q: %w", env.Signal, err)
	}
	data, err := s.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", env.Signal, err)
	}
	if err := t.Send(ctx, data); err != nil {
		return fmt.Errorf("transmitting %q: %w", env.Signal, err)
	}
	s.logger.Debug("session: sent",
		zap.String("signal", string(env.Signal)),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// SendRoomMessage sends a room_msg envelope with the session identity.
func (s *Session) SendRoomMessage(ctx context.Context, cmd, message string) error {
	return s.SendCommand(ctx, command.New(command.SignalRoomMsg, command.Header{},
		command.RoomMessage{Cmd: cmd, Message: command.Ptr(message)}))
}

// SendCallCommand sends a call_cmd envelope addressed to userID in roomID.
func (s *Session) SendCallCommand(ctx context.Context, cmd, userID, roomID string) error {
	return s.SendCommand(ctx, command.New(command.SignalCallCmd, command.Header{},
		command.CallCommand{Cmd: command.Ptr(cmd), UserID: command.Ptr(userID), RoomID: command.Ptr(roomID)}))
}

// OnCommandReceived decodes data and dispatches the envelope. Decode failures are
// returned and reported to the decode error handler; they never reach the dispatcher.
//
// Postcondition: On success the returned Outcome is the dispatcher's.
func (s *Session) OnCommandReceived(ctx context.Context, data []byte) (dispatch.Outcome, error) {
	env, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("session: dropping undecodable message",
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		if s.onDecodeError != nil {
			s.onDecodeError(data, err)
		}
		return dispatch.Outcome{}, err
	}
	return s.dispatcher.Dispatch(ctx, env), nil
}

func stamp(hdr, identity command.Header) command.Header {
	if hdr.AppID == nil {
		hdr.AppID = identity.AppID
	}
	if hdr.RoomID == nil {
		hdr.RoomID = identity.RoomID
	}
	if hdr.UserID == nil {
		hdr.UserID = identity.UserID
	}
	return hdr
}
