// Package stores defines the collaborator contracts the engine consumes:
// node parameter persistence, node output persistence, and credential lookup.
// In-memory reference implementations keep the engine runnable and testable
// without external services.
package stores

import (
	"context"
	"sync"
)

// ParameterStore persists per-node configuration parameters.
type ParameterStore interface {
	// GetNodeParameters returns the persisted parameters for a node, or nil
	// when none exist.
	GetNodeParameters(ctx context.Context, nodeID string) map[string]any
	// SaveNodeParameters persists the parameters for a node.
	SaveNodeParameters(ctx context.Context, nodeID string, params map[string]any) error
}

// OutputStore persists node outputs keyed by (session, node, output name).
// The key shape makes concurrent writers conflict-free.
type OutputStore interface {
	GetNodeOutput(ctx context.Context, sessionID, nodeID, outputName string) (any, bool)
	SaveNodeOutput(ctx context.Context, sessionID, nodeID, outputName string, value any) error
}

// CredentialStore resolves API keys per provider and session.
type CredentialStore interface {
	// GetAPIKey returns the key for a provider, or "" when absent.
	GetAPIKey(ctx context.Context, provider, sessionID string) string
}

// MemoryParameterStore is a map-backed ParameterStore.
type MemoryParameterStore struct {
	mu     sync.RWMutex
	params map[string]map[string]any
}

// NewMemoryParameterStore builds an empty in-memory parameter store.
func NewMemoryParameterStore() *MemoryParameterStore {
	return &MemoryParameterStore{params: make(map[string]map[string]any)}
}

func (s *MemoryParameterStore) GetNodeParameters(_ context.Context, nodeID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.params[nodeID]
	if !ok {
		return nil
	}
	copied := make(map[string]any, len(stored))
	for k, v := range stored {
		copied[k] = v
	}
	return copied
}

func (s *MemoryParameterStore) SaveNodeParameters(_ context.Context, nodeID string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	s.params[nodeID] = copied
	return nil
}

// MemoryOutputStore is a map-backed OutputStore.
type MemoryOutputStore struct {
	mu      sync.RWMutex
	outputs map[string]any
}

// NewMemoryOutputStore builds an empty in-memory output store.
func NewMemoryOutputStore() *MemoryOutputStore {
	return &MemoryOutputStore{outputs: make(map[string]any)}
}

func outputKey(sessionID, nodeID, outputName string) string {
	return sessionID + "\x00" + nodeID + "\x00" + outputName
}

func (s *MemoryOutputStore) GetNodeOutput(_ context.Context, sessionID, nodeID, outputName string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.outputs[outputKey(sessionID, nodeID, outputName)]
	return value, ok
}

func (s *MemoryOutputStore) SaveNodeOutput(_ context.Context, sessionID, nodeID, outputName string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[outputKey(sessionID, nodeID, outputName)] = value
	return nil
}

// MemoryCredentialStore is a map-backed CredentialStore. Session-scoped keys
// take precedence over global keys.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewMemoryCredentialStore builds an empty in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{keys: make(map[string]string)}
}

// SetAPIKey stores a key for a provider. Empty sessionID sets the global key.
func (s *MemoryCredentialStore) SetAPIKey(provider, sessionID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[provider+"\x00"+sessionID] = key
}

func (s *MemoryCredentialStore) GetAPIKey(_ context.Context, provider, sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[provider+"\x00"+sessionID]; ok {
		return key
	}
	return s.keys[provider+"\x00"]
}
