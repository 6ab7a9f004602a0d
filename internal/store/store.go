package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultTTL bounds how long a frame record outlives its last update.
const DefaultTTL = 24 * time.Hour

// Frame is what the host remembers about one embedded component.
type Frame struct {
	ID         string          `json:"frame_id"`
	Ready      bool            `json:"ready"`
	APIVersion int             `json:"api_version,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	Height     int             `json:"height,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Store interface {
	MarkReady(ctx context.Context, frameID string, apiVersion int) error
	SetState(ctx context.Context, frameID string, state json.RawMessage) error
	SetHeight(ctx context.Context, frameID string, height int) error
	// GetFrame reports found == false for an unknown or expired frame.
	GetFrame(ctx context.Context, frameID string) (frame Frame, found bool, err error)
}

type memoryEntry struct {
	frame    Frame
	expireAt time.Time
}

type MemoryStore struct {
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	frames map[string]*memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:    ttl,
		now:    time.Now,
		frames: make(map[string]*memoryEntry),
	}
}

func (m *MemoryStore) MarkReady(_ context.Context, frameID string, apiVersion int) error {
	m.update(frameID, func(f *Frame) {
		f.Ready = true
		f.APIVersion = apiVersion
	})
	return nil
}

func (m *MemoryStore) SetState(_ context.Context, frameID string, state json.RawMessage) error {
	cp := append(json.RawMessage(nil), state...)
	m.update(frameID, func(f *Frame) { f.State = cp })
	return nil
}

func (m *MemoryStore) SetHeight(_ context.Context, frameID string, height int) error {
	m.update(frameID, func(f *Frame) { f.Height = height })
	return nil
}

func (m *MemoryStore) GetFrame(_ context.Context, frameID string) (Frame, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.frames[frameID]
	if !ok || !m.now().Before(e.expireAt) {
		return Frame{}, false, nil
	}
	return e.frame, true, nil
}

func (m *MemoryStore) update(frameID string, apply func(*Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.frames[frameID]
	if !ok || !now.Before(e.expireAt) {
		e = &memoryEntry{frame: Frame{ID: frameID}}
		m.frames[frameID] = e
	}
	apply(&e.frame)
	e.frame.UpdatedAt = now
	e.expireAt = now.Add(m.ttl)
}
