package engine

import (
	"context"
	"sort"
	"sync"
)

// MemoryManifest is a Manifest kept in process memory. It backs dry runs
// and tests; state is lost when the process exits.
type MemoryManifest struct {
	mu      sync.RWMutex
	entries map[string]ManifestEntry
	runs    []RunRecord
}

// NewMemoryManifest creates an empty in-memory manifest.
func NewMemoryManifest() *MemoryManifest {
	return &MemoryManifest{entries: make(map[string]ManifestEntry)}
}

// Get implements Manifest.
func (m *MemoryManifest) Get(_ context.Context, id string) (*ManifestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	entry.Outputs = append([]string(nil), entry.Outputs...)
	return &entry, nil
}

// Put implements Manifest.
func (m *MemoryManifest) Put(_ context.Context, entry *ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *entry
	stored.Outputs = append([]string(nil), entry.Outputs...)
	m.entries[entry.ID] = stored
	return nil
}

// Delete implements Manifest.
func (m *MemoryManifest) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// List implements Manifest.
func (m *MemoryManifest) List(_ context.Context) ([]*ManifestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]*ManifestEntry, len(ids))
	for i, id := range ids {
		entry := m.entries[id]
		entries[i] = &entry
	}
	return entries, nil
}

// Reset implements Manifest.
func (m *MemoryManifest) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]ManifestEntry)
	return nil
}

// RecordRun implements Manifest.
func (m *MemoryManifest) RecordRun(_ context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

// Runs returns the recorded runs, oldest first.
func (m *MemoryManifest) Runs() []RunRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RunRecord(nil), m.runs...)
}
