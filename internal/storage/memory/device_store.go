package memory

import (
	"context"
	"sync"

	"github.com/webaudit/sitescan/internal/scan"
)

// DeviceStore keeps quota sessions in memory for development/testing.
type DeviceStore struct {
	mu       sync.RWMutex
	sessions map[string]scan.DeviceSession
}

// NewDeviceStore constructs a DeviceStore.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{sessions: make(map[string]scan.DeviceSession)}
}

// GetDevice fetches a session by its identity hash.
func (s *DeviceStore) GetDevice(_ context.Context, deviceHash string) (scan.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[deviceHash]
	if !ok {
		return scan.DeviceSession{}, scan.ErrNotFound
	}
	return sess, nil
}

// CreateDevice inserts a new session.
func (s *DeviceStore) CreateDevice(_ context.Context, session scan.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.DeviceHash]; exists {
		return scan.ErrAlreadyExists
	}
	s.sessions[session.DeviceHash] = session
	return nil
}

// UpdateDevice overwrites a session.
func (s *DeviceStore) UpdateDevice(_ context.Context, session scan.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.DeviceHash] = session
	return nil
}
