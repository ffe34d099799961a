package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/recording"
)

// RecordingStore implements recording.Store on PostgreSQL.
type RecordingStore struct {
	db *pgxpool.Pool
}

// NewRecordingStore creates a RecordingStore backed by db.
//
// Precondition: db must be a valid, open connection pool with migrations applied.
func NewRecordingStore(db *pgxpool.Pool) *RecordingStore {
	return &RecordingStore{db: db}
}

var _ recording.Store = (*RecordingStore)(nil)

// speakerRow is the JSONB shape of one speaker. Unrecognised wire fields are not
// persisted.
type speakerRow struct {
	ID   *int64  `json:"spk_id,omitempty"`
	Name *string `json:"spk_name,omitempty"`
}

func marshalSpeakers(speakers []command.Speaker) ([]byte, error) {
	if speakers == nil {
		return nil, nil
	}
	rows := make([]speakerRow, len(speakers))
	for i, s := range speakers {
		rows[i] = speakerRow{ID: s.ID, Name: s.Name}
	}
	return json.Marshal(rows)
}

func unmarshalSpeakers(data []byte) ([]command.Speaker, error) {
	if data == nil {
		return nil, nil
	}
	var rows []speakerRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding speakers: %w", err)
	}
	out := make([]command.Speaker, len(rows))
	for i, r := range rows {
		out[i] = command.Speaker{ID: r.ID, Name: r.Name}
	}
	return out, nil
}

const recordingColumns = `id, mix_id, room_id, user_id, hospital_id, extra_data, file_name,
	need_after_asr, speakers, started_at, ended_at`

func scanRecording(row pgx.Row) (recording.Recording, error) {
	var (
		r        recording.Recording
		speakers []byte
		endedAt  *time.Time
	)
	err := row.Scan(&r.ID, &r.MixID, &r.RoomID, &r.UserID, &r.HospitalID, &r.ExtraData,
		&r.FileName, &r.NeedAfterASR, &speakers, &r.StartedAt, &endedAt)
	if err != nil {
		return recording.Recording{}, err
	}
	if endedAt != nil {
		r.EndedAt = *endedAt
	}
	if r.Speakers, err = unmarshalSpeakers(speakers); err != nil {
		return recording.Recording{}, err
	}
	return r, nil
}

// StartRecording implements recording.Store.
//
// Postcondition: Returns recording.ErrAlreadyActive when mixID already has an
// active row.
func (s *RecordingStore) StartRecording(ctx context.Context, r recording.Recording) error {
	speakers, err := marshalSpeakers(r.Speakers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO recordings (id, mix_id, room_id, user_id, hospital_id, extra_data,
		     file_name, need_after_asr, speakers, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.MixID, r.RoomID, r.UserID, r.HospitalID, r.ExtraData,
		r.FileName, r.NeedAfterASR, speakers, r.StartedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("mix %q: %w", r.MixID, recording.ErrAlreadyActive)
		}
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// EndRecording implements recording.Store. An empty fileName keeps the stored one.
func (s *RecordingStore) EndRecording(ctx context.Context, mixID, fileName string, at time.Time) (recording.Recording, error) {
	r, err := scanRecording(s.db.QueryRow(ctx,
		`UPDATE recordings
		    SET ended_at = $3, file_name = COALESCE(NULLIF($2, ''), file_name)
		  WHERE mix_id = $1 AND ended_at IS NULL
		  RETURNING `+recordingColumns,
		mixID, fileName, at,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return recording.Recording{}, fmt.Errorf("mix %q: %w", mixID, recording.ErrNotActive)
		}
		return recording.Recording{}, fmt.Errorf("ending recording: %w", err)
	}
	return r, nil
}

// ActiveRecording implements recording.Store.
func (s *RecordingStore) ActiveRecording(ctx context.Context, mixID string) (recording.Recording, bool, error) {
	r, err := scanRecording(s.db.QueryRow(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE mix_id = $1 AND ended_at IS NULL`,
		mixID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return recording.Recording{}, false, nil
		}
		return recording.Recording{}, false, fmt.Errorf("loading active recording: %w", err)
	}
	return r, true, nil
}

// AppendProcessJobs implements recording.Store. The jobs are written in one
// transaction so a batch is either stored whole or not at all.
func (s *RecordingStore) AppendProcessJobs(ctx context.Context, jobs []recording.ProcessJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, j := range jobs {
		speakers, err := marshalSpeakers(j.Speakers)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO process_jobs (id, room_id, recording_id, type, cmd, file_name, hospital_id, speakers, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			j.ID, j.RoomID, j.RecordingID, j.Type, j.Cmd, j.FileName, j.HospitalID, speakers, j.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting process jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing process jobs: %w", err)
	}
	return nil
}

// ProcessJobs implements recording.Store.
func (s *RecordingStore) ProcessJobs(ctx context.Context, roomID string) ([]recording.ProcessJob, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, room_id, recording_id, type, cmd, file_name, hospital_id, speakers, created_at
		   FROM process_jobs WHERE room_id = $1 ORDER BY seq`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying process jobs: %w", err)
	}
	defer rows.Close()

	var jobs []recording.ProcessJob
	for rows.Next() {
		var (
			j        recording.ProcessJob
			speakers []byte
		)
		if err := rows.Scan(&j.ID, &j.RoomID, &j.RecordingID, &j.Type, &j.Cmd,
			&j.FileName, &j.HospitalID, &speakers, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning process job: %w", err)
		}
		if j.Speakers, err = unmarshalSpeakers(speakers); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating process jobs: %w", err)
	}
	return jobs, nil
}

// AppendControlEvent implements recording.Store.
func (s *RecordingStore) AppendControlEvent(ctx context.Context, ev recording.ControlEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO control_events (id, mix_id, room_id, cmd, extra_data, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.MixID, ev.RoomID, ev.Cmd, ev.ExtraData, ev.At,
	)
	if err != nil {
		return fmt.Errorf("inserting control event: %w", err)
	}
	return nil
}

// ControlEvents returns the stored control events of mixID in append order.
func (s *RecordingStore) ControlEvents(ctx context.Context, mixID string) ([]recording.ControlEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, mix_id, room_id, cmd, extra_data, at
		   FROM control_events WHERE mix_id = $1 ORDER BY seq`,
		mixID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying control events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (recording.ControlEvent, error) {
		var ev recording.ControlEvent
		err := row.Scan(&ev.ID, &ev.MixID, &ev.RoomID, &ev.Cmd, &ev.ExtraData, &ev.At)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning control events: %w", err)
	}
	return events, nil
}

// isDuplicateKeyError reports whether err is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
