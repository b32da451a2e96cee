package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeRegistryFile(t *testing.T, path string, entries []Metadata) {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal registry: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
}

func TestFileRegistryResolveAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	writeRegistryFile(t, path, []Metadata{
		{ID: "beta", Name: "Beta", OverlayPath: "/data/beta.syov", IndexPath: "/data/beta.db"},
		{ID: "alpha", Name: "Alpha", Status: StatusTraining},
	})

	r, err := NewFileRegistry(path)
	if err != nil {
		t.Fatalf("NewFileRegistry() error = %v", err)
	}

	m, err := r.Resolve(context.Background(), "beta")
	if err != nil {
		t.Fatalf("Resolve(beta) error = %v", err)
	}
	if m.OverlayPath != "/data/beta.syov" {
		t.Fatalf("metadata = %+v", m)
	}
	if m.Status != StatusReady {
		t.Fatalf("status = %s, want ready default", m.Status)
	}

	if _, err := r.Resolve(context.Background(), "ghost"); !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("error = %v, want ErrUnknownTenant", err)
	}

	list, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "alpha" || list[1].ID != "beta" {
		t.Fatalf("list = %+v, want sorted by id", list)
	}
}

func TestFileRegistryMissingFileIsEmpty(t *testing.T) {
	r, err := NewFileRegistry(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("NewFileRegistry() error = %v", err)
	}
	list, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("list = %+v, want empty", list)
	}
}

func TestFileRegistryReloadPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	writeRegistryFile(t, path, []Metadata{{ID: "alpha"}})

	r, err := NewFileRegistry(path)
	if err != nil {
		t.Fatalf("NewFileRegistry() error = %v", err)
	}
	if _, err := r.Resolve(context.Background(), "gamma"); !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("gamma should not exist yet, got %v", err)
	}

	writeRegistryFile(t, path, []Metadata{{ID: "alpha"}, {ID: "gamma"}})
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, err := r.Resolve(context.Background(), "gamma"); err != nil {
		t.Fatalf("Resolve(gamma) after reload error = %v", err)
	}
}

func TestFileRegistryRejectsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	if err := os.WriteFile(path, []byte(`[{"name":"no id"}]`), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	if _, err := NewFileRegistry(path); err == nil {
		t.Fatalf("NewFileRegistry() should reject an entry with no id")
	}

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	if _, err := NewFileRegistry(path); err == nil {
		t.Fatalf("NewFileRegistry() should reject malformed JSON")
	}
}
