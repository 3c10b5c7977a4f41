package client

import (
	"sync"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	// In-memory storage
	config  map[string]string
	history map[string][]HistoryEntry // server + "/" + peer -> lines

	// Error injection
	appendErr error
	loadErr   error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config:  make(map[string]string),
		history: make(map[string][]HistoryEntry),
	}
}

// GetLastUser returns the stored user
func (s *MockState) GetLastUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config["last_user"]
}

// SetLastUser stores the user
func (s *MockState) SetLastUser(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config["last_user"] = user
	return nil
}

// AppendHistory records entry unless an append error is set
func (s *MockState) AppendHistory(server, peer string, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendErr != nil {
		return s.appendErr
	}
	key := server + "/" + peer
	s.history[key] = append(s.history[key], entry)
	return nil
}

// LoadHistory returns the last limit entries for peer, oldest first
func (s *MockState) LoadHistory(server, peer string, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}
	entries := s.history[server+"/"+peer]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]HistoryEntry(nil), entries...), nil
}

// Test helpers

// SetAppendError sets an error to return from AppendHistory
func (s *MockState) SetAppendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// SetLoadError sets an error to return from LoadHistory
func (s *MockState) SetLoadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// History returns a copy of the lines stored for peer on server
func (s *MockState) History(server, peer string) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HistoryEntry(nil), s.history[server+"/"+peer]...)
}
