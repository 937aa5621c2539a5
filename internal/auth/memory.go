package auth

import (
	"context"
	"sync"
)

// MemoryStore is a TokenStore held in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (m *MemoryStore) LoadToken(_ context.Context, key string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[key]
	if !ok {
		return Token{}, ErrNoToken
	}
	return tok, nil
}

func (m *MemoryStore) SaveToken(_ context.Context, key string, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = tok
	return nil
}
