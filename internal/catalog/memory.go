package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// MemoryCatalog keeps schemas and chunks in memory.
type MemoryCatalog struct {
	mu     sync.RWMutex
	tars   map[string]*types.TAR
	chunks map[string]map[int]*subtar.Subtar
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		tars:   make(map[string]*types.TAR),
		chunks: make(map[string]map[int]*subtar.Subtar),
	}
}

func (m *MemoryCatalog) GetTAR(ctx context.Context, name string) (*types.TAR, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tar, ok := m.tars[name]
	if !ok {
		return nil, notFound(name)
	}
	return tar.Clone(), nil
}

func (m *MemoryCatalog) HasTAR(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tars[name]
	return ok, nil
}

func (m *MemoryCatalog) ListTARs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tars))
	for name := range m.tars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryCatalog) SaveTAR(ctx context.Context, tar *types.TAR) error {
	if err := tar.Validate(); err != nil {
		return saveFailed(tar.Name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tars[tar.Name]; ok {
		return exists(tar.Name)
	}
	m.tars[tar.Name] = tar.Clone()
	m.chunks[tar.Name] = make(map[int]*subtar.Subtar)
	return nil
}

func (m *MemoryCatalog) SaveSubtar(ctx context.Context, name string, index int, st *subtar.Subtar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tar, ok := m.tars[name]
	if !ok {
		return notFound(name)
	}
	if err := checkChunk(tar, index, st); err != nil {
		return saveFailed(name, err)
	}
	m.chunks[name][index] = st
	growBounds(tar, st)
	return nil
}

func (m *MemoryCatalog) LoadSubtars(ctx context.Context, name string) (*types.TAR, []*subtar.Subtar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tar, ok := m.tars[name]
	if !ok {
		return nil, nil, notFound(name)
	}
	indexes := make([]int, 0, len(m.chunks[name]))
	for i := range m.chunks[name] {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	schema := tar.Clone()
	out := make([]*subtar.Subtar, len(indexes))
	for i, idx := range indexes {
		out[i] = rebind(m.chunks[name][idx], schema)
	}
	return schema, out, nil
}

func (m *MemoryCatalog) DropTAR(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tars[name]; !ok {
		return notFound(name)
	}
	delete(m.tars, name)
	delete(m.chunks, name)
	return nil
}

func (m *MemoryCatalog) Close() error { return nil }
