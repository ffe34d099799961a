// Package signaling serves room-signaling connections: it binds peers to rooms,
// routes decoded envelopes through the dispatcher, and implements the built-in
// handlers for room messages, call control, recording, and process commands.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/codec"
	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/dispatch"
	"github.com/cory-johannsen/roomsignal/internal/hub"
	"github.com/cory-johannsen/roomsignal/internal/recording"
)

// Notification commands carried in room_msg envelopes generated by the server.
const (
	NoticeUserEnter   = "user_enter"
	NoticeUserLeave   = "user_leave"
	NoticeRecordStart = "record_start"
	NoticeRecordEnd   = "record_end"
	// NoticeProcessResult is sent to the sender once a process job is accepted.
	NoticeProcessResult = "process_result"
	NoticeError         = "error"
)

// ErrNotJoined is returned by handlers that need the sender's room before the
// sender has joined one.
var ErrNotJoined = errors.New("peer has not joined a room")

// ErrReservedCommand is returned when a client room_msg uses a notice command.
var ErrReservedCommand = errors.New("command is reserved for server notices")

type peerKey struct{}

// WithPeer returns a context carrying the peer that sent the envelope.
func WithPeer(ctx context.Context, p *hub.Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// PeerFrom returns the sending peer stored by WithPeer.
func PeerFrom(ctx context.Context) (*hub.Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(*hub.Peer)
	return p, ok
}

// Server holds the collaborators shared by every connection.
type Server struct {
	codec      *codec.Codec
	dispatcher *dispatch.Dispatcher
	hub        *hub.Hub
	recordings *recording.Service
	outboxSize int
	logger     *zap.Logger
}

// Config collects the Server's collaborators.
type Config struct {
	Codec      *codec.Codec
	Dispatcher *dispatch.Dispatcher
	Hub        *hub.Hub
	Recordings *recording.Service
	// OutboxSize bounds each peer's outbound queue.
	OutboxSize int
	Logger     *zap.Logger
}

// NewServer creates a Server and registers the built-in handlers on cfg.Dispatcher.
//
// Precondition: every field of cfg except OutboxSize must be non-nil.
func NewServer(cfg Config) *Server {
	s := &Server{
		codec:      cfg.Codec,
		dispatcher: cfg.Dispatcher,
		hub:        cfg.Hub,
		recordings: cfg.Recordings,
		outboxSize: cfg.OutboxSize,
		logger:     cfg.Logger,
	}
	s.RegisterHandlers(cfg.Dispatcher)
	return s
}

// RegisterHandlers installs the built-in handlers on d. Handlers registered on d
// afterwards for the same signals replace them.
func (s *Server) RegisterHandlers(d *dispatch.Dispatcher) {
	d.RegisterFunc(command.SignalRoomMsg, s.handleRoomMessage)
	d.RegisterFunc(command.SignalCallCmd, s.handleCallCommand)
	d.RegisterFunc(command.SignalRecordCmd, s.handleRecordCommand)
	d.RegisterFunc(command.SignalProcessCmdList, s.handleProcessCommand)
}

// Hub returns the presence hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// notice encodes a server-generated room_msg.
func (s *Server) notice(roomID, userID, cmd, message string) ([]byte, error) {
	env := command.New(command.SignalRoomMsg,
		command.Header{RoomID: command.Ptr(roomID), UserID: command.Ptr(userID)},
		command.RoomMessage{Cmd: cmd, Message: command.Ptr(message)})
	return s.codec.Encode(env)
}

// Notify broadcasts a server notice to roomID, skipping exceptUserID.
func (s *Server) Notify(roomID, exceptUserID, subject, cmd, message string) {
	if roomID == "" {
		return
	}
	data, err := s.notice(roomID, subject, cmd, message)
	if err == nil {
		_, err = s.hub.Broadcast(roomID, exceptUserID, data)
	}
	if err != nil {
		s.logger.Warn("signaling: notice not delivered to every peer",
			zap.String("room_id", roomID),
			zap.String("cmd", cmd),
			zap.Error(err),
		)
	}
}

// SendRoom broadcasts a server notice to every peer in roomID.
func (s *Server) SendRoom(roomID, cmd, message string) error {
	data, err := s.notice(roomID, "", cmd, message)
	if err != nil {
		return err
	}
	_, err = s.hub.Broadcast(roomID, "", data)
	return err
}

// SendTo queues a server notice for userID alone.
func (s *Server) SendTo(userID, cmd, message string) error {
	p, ok := s.hub.Peer(userID)
	if !ok {
		return fmt.Errorf("user %q: %w", userID, hub.ErrPeerNotFound)
	}
	data, err := s.notice(p.RoomID(), "", cmd, message)
	if err != nil {
		return err
	}
	return p.Push(data)
}

// origin returns the bound sender of the envelope being dispatched. Envelope
// headers are never trusted for routing.
func (s *Server) origin(ctx context.Context) (recording.Origin, error) {
	p, ok := PeerFrom(ctx)
	if !ok {
		return recording.Origin{}, ErrNotJoined
	}
	o := recording.Origin{RoomID: p.RoomID(), UserID: p.UserID()}
	if o.UserID == "" || o.RoomID == "" {
		return recording.Origin{}, ErrNotJoined
	}
	return o, nil
}

// IsNotice reports whether cmd is reserved for server-generated room messages.
func IsNotice(cmd string) bool {
	switch cmd {
	case NoticeUserEnter, NoticeUserLeave, NoticeRecordStart, NoticeRecordEnd, NoticeProcessResult, NoticeError:
		return true
	}
	return false
}

func (s *Server) handleRoomMessage(ctx context.Context, req dispatch.Request) error {
	o, err := s.origin(ctx)
	if err != nil {
		return err
	}
	rm, _ := req.Envelope.RoomMessage()
	if IsNotice(rm.Cmd) {
		return fmt.Errorf("room_msg.cmd %q: %w", rm.Cmd, ErrReservedCommand)
	}
	env := req.Envelope
	env.RoomID = command.Ptr(o.RoomID)
	env.UserID = command.Ptr(o.UserID)
	data, err := s.codec.Encode(env)
	if err != nil {
		return err
	}
	n, err := s.hub.Broadcast(o.RoomID, o.UserID, data)
	s.logger.Debug("signaling: room message relayed",
		zap.String("room_id", o.RoomID),
		zap.Int("recipients", n),
	)
	return err
}

func (s *Server) handleCallCommand(ctx context.Context, req dispatch.Request) error {
	o, err := s.origin(ctx)
	if err != nil {
		return err
	}
	call, _ := req.Envelope.CallCommand()
	target := command.Deref(call.UserID)
	if target == "" {
		return errors.New("call_cmd.user_id is required")
	}
	env := req.Envelope
	env.UserID = command.Ptr(o.UserID)
	data, err := s.codec.Encode(env)
	if err != nil {
		return err
	}
	return s.hub.SendTo(target, data)
}

func (s *Server) handleRecordCommand(ctx context.Context, req dispatch.Request) error {
	o, err := s.origin(ctx)
	if err != nil {
		return err
	}
	rc, _ := req.Envelope.RecordCommand()
	res, err := s.recordings.HandleRecord(ctx, o, rc)
	if err != nil {
		return err
	}
	switch res.Action {
	case recording.ActionStart:
		s.Notify(res.Recording.RoomID, "", o.UserID, NoticeRecordStart, res.Recording.MixID)
	case recording.ActionEnd:
		s.Notify(res.Recording.RoomID, "", o.UserID, NoticeRecordEnd, res.Recording.FileName)
		if res.ASRJob != nil {
			s.processResult(o, *res.ASRJob)
		}
	}
	return nil
}

func (s *Server) handleProcessCommand(ctx context.Context, req dispatch.Request) error {
	o, err := s.origin(ctx)
	if err != nil {
		return err
	}
	job, err := s.recordings.EnqueueProcess(ctx, o, req.Process)
	if err != nil {
		return err
	}
	s.processResult(o, job)
	return nil
}

// processResult tells the sender that job was accepted. The message is
// "<job id> <job type>".
func (s *Server) processResult(o recording.Origin, job recording.ProcessJob) {
	p, ok := s.hub.Peer(o.UserID)
	if !ok {
		return
	}
	data, err := s.notice(o.RoomID, o.UserID, NoticeProcessResult, job.ID+" "+job.Type)
	if err == nil {
		err = p.Push(data)
	}
	if err != nil {
		s.logger.Warn("signaling: process result not delivered",
			zap.String("user_id", o.UserID),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
