// Package recording tracks server-side recordings per mix group and the
// post-processing jobs that follow them.
package recording

import (
	"context"
	"errors"
	"time"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// ErrAlreadyActive is returned when starting a mix group that is already recording.
var ErrAlreadyActive = errors.New("recording already active")

// ErrNotActive is returned when ending a mix group that is not recording.
var ErrNotActive = errors.New("recording not active")

// ErrOtherRoom is returned when a command targets a recording started in another room.
var ErrOtherRoom = errors.New("recording belongs to another room")

// JobTypeASR is the process job type enqueued after a recording that needs ASR.
const JobTypeASR = "asr"

// Recording is one recording of a mix group.
type Recording struct {
	ID           string
	MixID        string
	RoomID       string
	UserID       string
	HospitalID   string
	ExtraData    string
	FileName     string
	NeedAfterASR bool
	Speakers     []command.Speaker
	StartedAt    time.Time
	// EndedAt is zero while the recording is active.
	EndedAt time.Time
}

// Active reports whether the recording has not ended.
func (r Recording) Active() bool {
	return r.EndedAt.IsZero()
}

// ProcessJob is one post-processing instruction. Jobs of a room are kept in the
// order they were appended.
type ProcessJob struct {
	ID          string
	RoomID      string
	RecordingID string
	Type        string
	Cmd         string
	// FileName is the recorded file a follow-up job processes; empty otherwise.
	FileName   string
	HospitalID string
	Speakers   []command.Speaker
	CreatedAt  time.Time
}

// ControlEvent is a record_cmd whose cmd neither starts nor stops a recording.
type ControlEvent struct {
	ID        string
	MixID     string
	RoomID    string
	Cmd       string
	ExtraData string
	At        time.Time
}

// Store persists recordings, process jobs, and control events.
type Store interface {
	// StartRecording stores r as active. Returns ErrAlreadyActive when r.MixID is
	// already recording.
	StartRecording(ctx context.Context, r Recording) error
	// EndRecording marks the active recording of mixID as ended. Returns ErrNotActive
	// when none is active.
	EndRecording(ctx context.Context, mixID, fileName string, at time.Time) (Recording, error)
	// ActiveRecording returns the active recording of mixID.
	ActiveRecording(ctx context.Context, mixID string) (Recording, bool, error)
	// AppendProcessJobs stores jobs after any existing jobs of their room.
	AppendProcessJobs(ctx context.Context, jobs []ProcessJob) error
	// ProcessJobs returns the jobs of roomID in append order.
	ProcessJobs(ctx context.Context, roomID string) ([]ProcessJob, error)
	// AppendControlEvent stores ev.
	AppendControlEvent(ctx context.Context, ev ControlEvent) error
}
