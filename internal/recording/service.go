package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// Record command vocabulary observed in use. Other values are kept as control events.
const (
	CmdStart       = "start"
	CmdStop        = "stop"
	CmdEndFileName = "end_file_name"
)

// Action is what a record command does to its mix group.
type Action int

const (
	ActionControl Action = iota
	ActionStart
	ActionEnd
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionEnd:
		return "end"
	}
	return "control"
}

// Classify maps a record command to its Action. A populated end_file_name stops
// the recording regardless of cmd.
func Classify(rc command.RecordCommand) Action {
	if rc.EndFileName != nil {
		return ActionEnd
	}
	switch command.Deref(rc.Cmd) {
	case CmdEndFileName, CmdStop:
		return ActionEnd
	case CmdStart:
		return ActionStart
	}
	return ActionControl
}

// Origin identifies who issued a command.
type Origin struct {
	RoomID string
	UserID string
}

// Result describes the effect of one record command.
type Result struct {
	Action    Action
	Recording Recording
	// ASRJob is set when ending a recording enqueued speech recognition.
	ASRJob *ProcessJob
}

// Service applies record and process commands to a Store.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service.
//
// Precondition: store and logger must be non-nil.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// HandleRecord applies rc issued by origin.
//
// Precondition: rc must have passed envelope validation.
// Postcondition: Returns the Result, or an error wrapping ErrAlreadyActive or
// ErrNotActive, or a store failure.
func (s *Service) HandleRecord(ctx context.Context, origin Origin, rc command.RecordCommand) (Result, error) {
	action := Classify(rc)
	mixID := command.Deref(rc.MixID)
	if action != ActionControl && mixID == "" {
		return Result{Action: action}, fmt.Errorf("record %s: mix_id is required", action)
	}

	if action != ActionStart && mixID != "" {
		if err := s.checkRoom(ctx, origin, mixID); err != nil {
			return Result{Action: action}, err
		}
	}

	switch action {
	case ActionStart:
		r := Recording{
			ID:           uuid.NewString(),
			MixID:        mixID,
			RoomID:       origin.RoomID,
			UserID:       origin.UserID,
			HospitalID:   command.Deref(rc.HospitalID),
			ExtraData:    command.Deref(rc.ExtraData),
			NeedAfterASR: rc.NeedAfterASR,
			Speakers:     rc.Speakers,
			StartedAt:    s.now(),
		}
		if err := s.store.StartRecording(ctx, r); err != nil {
			return Result{Action: action}, fmt.Errorf("starting recording: %w", err)
		}
		s.logger.Info("recording started",
			zap.String("mix_id", mixID),
			zap.String("room_id", origin.RoomID),
			zap.String("recording_id", r.ID),
		)
		return Result{Action: action, Recording: r}, nil

	case ActionEnd:
		r, err := s.store.EndRecording(ctx, mixID, command.Deref(rc.EndFileName), s.now())
		if err != nil {
			return Result{Action: action}, fmt.Errorf("ending recording: %w", err)
		}
		res := Result{Action: action, Recording: r}
		if r.NeedAfterASR || rc.NeedAfterASR {
			job := ProcessJob{
				ID:          uuid.NewString(),
				RoomID:      r.RoomID,
				RecordingID: r.ID,
				Type:        JobTypeASR,
				FileName:    r.FileName,
				HospitalID:  r.HospitalID,
				Speakers:    r.Speakers,
				CreatedAt:   s.now(),
			}
			if err := s.store.AppendProcessJobs(ctx, []ProcessJob{job}); err != nil {
				return res, fmt.Errorf("enqueueing asr: %w", err)
			}
			res.ASRJob = &job
		}
		s.logger.Info("recording ended",
			zap.String("mix_id", mixID),
			zap.String("file_name", r.FileName),
			zap.Bool("asr", res.ASRJob != nil),
		)
		return res, nil
	}

	ev := ControlEvent{
		ID:        uuid.NewString(),
		MixID:     mixID,
		RoomID:    origin.RoomID,
		Cmd:       command.Deref(rc.Cmd),
		ExtraData: command.Deref(rc.ExtraData),
		At:        s.now(),
	}
	if err := s.store.AppendControlEvent(ctx, ev); err != nil {
		return Result{Action: action}, fmt.Errorf("storing control event: %w", err)
	}
	return Result{Action: action}, nil
}

// checkRoom rejects commands for an active recording of mixID issued from a room
// other than the one that started it.
func (s *Service) checkRoom(ctx context.Context, origin Origin, mixID string) error {
	r, ok, err := s.store.ActiveRecording(ctx, mixID)
	if err != nil {
		return fmt.Errorf("looking up recording: %w", err)
	}
	if ok && r.RoomID != origin.RoomID {
		return fmt.Errorf("mix %q: %w", mixID, ErrOtherRoom)
	}
	return nil
}

// EnqueueProcess stores one process command as a job of origin's room. Calling it
// for each list element in order preserves list order in the store.
func (s *Service) EnqueueProcess(ctx context.Context, origin Origin, pc command.ProcessCommand) (ProcessJob, error) {
	if origin.RoomID == "" {
		return ProcessJob{}, errors.New("process command: room is unknown")
	}
	job := ProcessJob{
		ID:         uuid.NewString(),
		RoomID:     origin.RoomID,
		Type:       command.Deref(pc.Type),
		Cmd:        command.Deref(pc.Cmd),
		HospitalID: command.Deref(pc.HospitalID),
		Speakers:   pc.Speakers,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendProcessJobs(ctx, []ProcessJob{job}); err != nil {
		return ProcessJob{}, fmt.Errorf("enqueueing process job: %w", err)
	}
	return job, nil
}

// Jobs returns the process jobs of roomID in order.
func (s *Service) Jobs(ctx context.Context, roomID string) ([]ProcessJob, error) {
	return s.store.ProcessJobs(ctx, roomID)
}
