package sab

import (
	"fmt"
	"sync"
)

// InMemoryProvider joins a region held by a MemoryBackend.
type InMemoryProvider struct {
	name string
	data []byte
	mode JoinMode
}

// NewInMemoryProvider creates a standalone read-write provider of the requested size.
func NewInMemoryProvider(name string, size uint64) *InMemoryProvider {
	return &InMemoryProvider{name: name, data: make([]byte, size), mode: JoinReadWrite}
}

func (m *InMemoryProvider) Name() string { return m.name }
func (m *InMemoryProvider) Size() uint64 { return uint64(len(m.data)) }
func (m *InMemoryProvider) Mode() JoinMode { return m.mode }
func (m *InMemoryProvider) Bytes() []byte { return m.data }

func (m *InMemoryProvider) ReadAt(offset uint64, dest []byte) error {
	if err := checkRange(m.Size(), offset, len(dest)); err != nil {
		return err
	}
	copy(dest, m.data[offset:])
	return nil
}

func (m *InMemoryProvider) WriteAt(offset uint64, src []byte) error {
	if m.mode != JoinReadWrite {
		return ErrReadOnly
	}
	if err := checkRange(m.Size(), offset, len(src)); err != nil {
		return err
	}
	copy(m.data[offset:], src)
	return nil
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	return nil
}

// MemoryBackend keeps regions in process memory. Every join of a name shares
// the same backing slice, so tiles run as goroutines see one another's writes
// exactly as separate processes would through shm.
type MemoryBackend struct {
	mu      sync.Mutex
	regions map[string][]byte
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{regions: make(map[string][]byte)}
}

func (b *MemoryBackend) Create(name string, pageSz, pageCnt uint64) (MemoryProvider, error) {
	if pageSz == 0 || pageCnt == 0 {
		return nil, fmt.Errorf("create %s: zero page geometry", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.regions[name]; ok {
		return nil, fmt.Errorf("create %s: %w", name, ErrExists)
	}
	data := make([]byte, pageSz*pageCnt)
	b.regions[name] = data
	return &InMemoryProvider{name: name, data: data, mode: JoinReadWrite}, nil
}

func (b *MemoryBackend) Join(name string, mode JoinMode) (MemoryProvider, error) {
	if mode == JoinNone {
		return nil, fmt.Errorf("join %s: mode none", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.regions[name]
	if !ok {
		return nil, fmt.Errorf("join %s: %w", name, ErrNotFound)
	}
	return &InMemoryProvider{name: name, data: data, mode: mode}, nil
}

func (b *MemoryBackend) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.regions[name]; !ok {
		return fmt.Errorf("remove %s: %w", name, ErrNotFound)
	}
	delete(b.regions, name)
	return nil
}

func (b *MemoryBackend) Exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.regions[name]
	return ok
}
