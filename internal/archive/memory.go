package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"zw-go/internal/witness"
)

// MemoryArchive is an in-memory implementation of the Archive interface,
// useful for testing. Safe for concurrent use.
type MemoryArchive struct {
	name    string
	objects map[string][]byte
	mu      sync.RWMutex
}

// NewMemoryArchive creates a new in-memory archive with the given name.
func NewMemoryArchive(name string) *MemoryArchive {
	return &MemoryArchive{
		name:    name,
		objects: make(map[string][]byte),
	}
}

func (m *MemoryArchive) Put(_ context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = data
	return nil
}

func (m *MemoryArchive) Get(_ context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[name]
	if !ok {
		return fmt.Errorf("archive not found: %s", name)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	return nil
}

func (m *MemoryArchive) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup always succeeds for an in-memory archive.
func (m *MemoryArchive) ValidateSetup(context.Context) error {
	return nil
}

var _ witness.Archive = (*MemoryArchive)(nil)
