package tokens

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps opaque tokens in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	access  map[string]*AccessToken
	refresh map[string]*RefreshToken
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		access:  make(map[string]*AccessToken),
		refresh: make(map[string]*RefreshToken),
	}
}

func (m *MemoryStore) StoreAccessToken(_ context.Context, token *AccessToken) (string, error) {
	value := generateValue()
	stored := token.clone()
	stored.Value = value

	m.mu.Lock()
	m.access[value] = stored
	m.mu.Unlock()

	return value, nil
}

func (m *MemoryStore) ReadAccessToken(_ context.Context, value string) (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, exists := m.access[value]
	if !exists {
		return nil, ErrInvalidToken
	}
	return token.clone(), nil
}

func (m *MemoryStore) RemoveAccessToken(_ context.Context, value string) error {
	m.mu.Lock()
	delete(m.access, value)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) StoreRefreshToken(_ context.Context, token *RefreshToken) (string, error) {
	value := generateValue()
	stored := token.clone()
	stored.Value = value

	m.mu.Lock()
	m.refresh[value] = stored
	m.mu.Unlock()

	return value, nil
}

func (m *MemoryStore) ReadRefreshToken(_ context.Context, value string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, exists := m.refresh[value]
	if !exists {
		return nil, ErrInvalidToken
	}
	return token.clone(), nil
}

func (m *MemoryStore) RemoveRefreshToken(_ context.Context, value string) error {
	m.mu.Lock()
	delete(m.refresh, value)
	m.mu.Unlock()
	return nil
}

// Cleanup drops tokens that expired before cutoff.
// This should be called periodically to prevent memory growth.
func (m *MemoryStore) Cleanup(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for value, t := range m.access {
		if t.ExpiresAt.Before(cutoff) {
			delete(m.access, value)
			removed++
		}
	}
	for value, t := range m.refresh {
		if t.ExpiresAt.Before(cutoff) {
			delete(m.refresh, value)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored access and refresh tokens
func (m *MemoryStore) Len() (access, refresh int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.access), len(m.refresh)
}
