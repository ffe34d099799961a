package recording

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. All methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	active   map[string]Recording // mixID → active recording
	finished []Recording
	jobs     map[string][]ProcessJob // roomID → jobs
	events   []ControlEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active: make(map[string]Recording),
		jobs:   make(map[string][]ProcessJob),
	}
}

// StartRecording implements Store.
func (m *MemoryStore) StartRecording(_ context.Context, r Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[r.MixID]; ok {
		return fmt.Errorf("mix %q: %w", r.MixID, ErrAlreadyActive)
	}
	r.Speakers = slices.Clone(r.Speakers)
	m.active[r.MixID] = r
	return nil
}

// EndRecording implements Store.
func (m *MemoryStore) EndRecording(_ context.Context, mixID, fileName string, at time.Time) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[mixID]
	if !ok {
		return Recording{}, fmt.Errorf("mix %q: %w", mixID, ErrNotActive)
	}
	delete(m.active, mixID)
	if fileName != "" {
		r.FileName = fileName
	}
	r.EndedAt = at
	m.finished = append(m.finished, r)
	return r, nil
}

// ActiveRecording implements Store.
func (m *MemoryStore) ActiveRecording(_ context.Context, mixID string) (Recording, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[mixID]
	return r, ok, nil
}

// AppendProcessJobs implements Store.
func (m *MemoryStore) AppendProcessJobs(_ context.Context, jobs []ProcessJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		m.jobs[j.RoomID] = append(m.jobs[j.RoomID], j)
	}
	return nil
}

// ProcessJobs implements Store.
func (m *MemoryStore) ProcessJobs(_ context.Context, roomID string) ([]ProcessJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.jobs[roomID]), nil
}

// AppendControlEvent implements Store.
func (m *MemoryStore) AppendControlEvent(_ context.Context, ev ControlEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// ControlEvents returns the stored control events in append order.
func (m *MemoryStore) ControlEvents() []ControlEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// Finished returns ended recordings in the order they ended.
func (m *MemoryStore) Finished() []Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.finished)
}
