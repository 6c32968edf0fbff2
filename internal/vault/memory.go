package vault

import (
	"context"
	"sync"

	"github.com/hydrusnetwork/tagrepo/internal/apperr"
)

// MemoryVault is an in-memory Vault used by tests.
type MemoryVault struct {
	mu       sync.RWMutex
	packages map[string][]byte
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{packages: make(map[string][]byte)}
}

// Put stores package bytes under their hash, first write wins.
func (v *MemoryVault) Put(_ context.Context, hash string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.packages[hash]; ok {
		return nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	v.packages[hash] = stored
	return nil
}

// Get retrieves package bytes by hash.
func (v *MemoryVault) Get(_ context.Context, hash string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	data, ok := v.packages[hash]
	if !ok {
		return nil, apperr.NotFoundf("update package %s", hash)
	}
	returned := make([]byte, len(data))
	copy(returned, data)
	return returned, nil
}

// Has reports whether a package exists.
func (v *MemoryVault) Has(_ context.Context, hash string) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.packages[hash]
	return ok, nil
}
