package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// FileRegistry serves tenant metadata from a JSON file on disk. The file is
// parsed once at open; Reload picks up external edits.
type FileRegistry struct {
	path string

	mu      sync.RWMutex
	tenants map[ID]Metadata
}

func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path, tenants: make(map[ID]Metadata)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file. A missing file is treated as an empty
// registry so a fresh install starts without any provisioning step.
func (r *FileRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.tenants = make(map[ID]Metadata)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read registry file: %w", err)
	}

	var entries []Metadata
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse registry file %s: %w", r.path, err)
	}

	tenants := make(map[ID]Metadata, len(entries))
	for _, m := range entries {
		if m.ID == "" {
			return fmt.Errorf("registry file %s: entry with empty id", r.path)
		}
		if m.Status == "" {
			m.Status = StatusReady
		}
		tenants[m.ID] = m
	}

	r.mu.Lock()
	r.tenants = tenants
	r.mu.Unlock()
	return nil
}

func (r *FileRegistry) Resolve(_ context.Context, id ID) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tenants[id]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	return m, nil
}

func (r *FileRegistry) List(_ context.Context) ([]Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.tenants))
	for _, m := range r.tenants {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *FileRegistry) Close() error { return nil }
