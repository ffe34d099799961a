package session

import (
	"context"
	"errors"
	"fmt"
)

// RoomSessionClient is the room SDK surface used by UI glue. Media rendering
// targets are opaque view identifiers owned by the SDK.
type RoomSessionClient interface {
	Login(ctx context.Context, appID, userID string) error
	EnterRoom(ctx context.Context, roomID string) error
	ExitRoom(ctx context.Context) error
	StartLocalVideo(ctx context.Context, view string) error
	StartRemoteVideo(ctx context.Context, userID, view string) error
	// Snapshot captures the remote user's current frame and returns the file path.
	Snapshot(ctx context.Context, userID string) (string, error)
}

// JoinParams names the identity, room, and local render target for Join.
type JoinParams struct {
	AppID     string
	UserID    string
	RoomID    string
	LocalView string
}

// Validate reports missing join parameters.
func (p JoinParams) Validate() error {
	var errs []error
	if p.AppID == "" {
		errs = append(errs, errors.New("app id must not be empty"))
	}
	if p.UserID == "" {
		errs = append(errs, errors.New("user id must not be empty"))
	}
	if p.RoomID == "" {
		errs = append(errs, errors.New("room id must not be empty"))
	}
	return errors.Join(errs...)
}

// LeaveFunc exits the room joined by Join.
type LeaveFunc func(ctx context.Context) error

// Join logs in, enters the room, and starts local video, in that order. When local
// video fails to start the room is exited before returning.
//
// Precondition: client must be non-nil.
// Postcondition: On success returns a LeaveFunc that calls ExitRoom exactly once.
func Join(ctx context.Context, client RoomSessionClient, p JoinParams) (LeaveFunc, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	if err := client.Login(ctx, p.AppID, p.UserID); err != nil {
		return nil, fmt.Errorf("join: login %q: %w", p.UserID, err)
	}
	if err := client.EnterRoom(ctx, p.RoomID); err != nil {
		return nil, fmt.Errorf("join: entering room %q: %w", p.RoomID, err)
	}

	left := false
	leave := func(ctx context.Context) error {
		if left {
			return nil
		}
		left = true
		return client.ExitRoom(ctx)
	}

	if p.LocalView != "" {
		if err := client.StartLocalVideo(ctx, p.LocalView); err != nil {
			return nil, errors.Join(fmt.Errorf("join: starting local video: %w", err), leave(ctx))
		}
	}
	return leave, nil
}
