package vecindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ent0n29/switchyard/internal/tenant"
)

func writeIndex(t *testing.T, dir string, vectors map[string][]float32) string {
	t.Helper()
	path := filepath.Join(dir, "index.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE vectors (
		chunk_id TEXT PRIMARY KEY,
		embedding BLOB NOT NULL,
		dimensions INTEGER NOT NULL
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for id, vec := range vectors {
		blob := make([]byte, len(vec)*4)
		for i, f := range vec {
			binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(f))
		}
		if _, err := db.Exec("INSERT INTO vectors (chunk_id, embedding, dimensions) VALUES (?, ?, ?)", id, blob, len(vec)); err != nil {
			t.Fatalf("insert vector %s: %v", id, err)
		}
	}
	return path
}

func TestLoadAndSearch(t *testing.T) {
	path := writeIndex(t, t.TempDir(), map[string][]float32{
		"chunk-x": {1, 0, 0},
		"chunk-y": {0, 1, 0},
		"chunk-d": {0.9, 0.1, 0},
	})

	h, size, err := NewLoader(3).Load(context.Background(), tenant.Metadata{ID: "t1", IndexPath: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if h.Count() != 3 || h.Dims != 3 {
		t.Fatalf("count=%d dims=%d, want 3/3", h.Count(), h.Dims)
	}
	if size <= 0 {
		t.Fatalf("size = %d, want positive footprint", size)
	}

	results := h.Search([]float32{1, 0, 0}, 2)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ID != "chunk-x" {
		t.Fatalf("best match = %s, want chunk-x", results[0].ID)
	}
	if results[1].ID != "chunk-d" {
		t.Fatalf("second match = %s, want chunk-d", results[1].ID)
	}
	if results[0].Score < results[1].Score {
		t.Fatalf("results not sorted by score: %+v", results)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.Search([]float32{1, 0, 0}, 1) != nil {
		t.Fatalf("search after Close should return nil")
	}
}

func TestLoadRejectsDimensionMismatch(t *testing.T) {
	path := writeIndex(t, t.TempDir(), map[string][]float32{
		"chunk-x": {1, 0},
	})

	_, _, err := NewLoader(3).Load(context.Background(), tenant.Metadata{ID: "t1", IndexPath: path})
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("error = %v, want ErrIncompatible", err)
	}
}

func TestLoadRejectsForeignSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "other.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec("CREATE TABLE notes (id TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	_, _, err = NewLoader(3).Load(context.Background(), tenant.Metadata{ID: "t1", IndexPath: path})
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("error = %v, want ErrIncompatible", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := NewLoader(3).Load(context.Background(), tenant.Metadata{
		ID:        "t1",
		IndexPath: filepath.Join(t.TempDir(), "missing.db"),
	})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v, want ErrNotExist", err)
	}
}
