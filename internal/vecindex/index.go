// Package vecindex loads per-tenant vector indices from SQLite files produced
// by the embedding pipeline. Vectors are held in memory for brute-force cosine
// search; the database is closed again right after loading, so a live handle
// owns nothing but RAM.
package vecindex

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/switchyard/internal/tenant"
)

var ErrIncompatible = errors.New("incompatible index file")

// Scored pairs a chunk id with a cosine similarity score.
type Scored struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Handle is a fully-loaded, immutable vector index for one tenant.
type Handle struct {
	TenantID tenant.ID
	Path     string
	Dims     int
	LoadedAt time.Time

	vectors map[string][]float32 // chunk id -> normalized embedding
}

// Count returns the number of indexed chunks.
func (h *Handle) Count() int {
	if h == nil {
		return 0
	}
	return len(h.vectors)
}

// Search returns the top-k chunks by cosine similarity to query. The handle's
// vectors are normalized at load time, so dot product equals cosine.
func (h *Handle) Search(query []float32, k int) []Scored {
	if h == nil || len(h.vectors) == 0 {
		return nil
	}
	if k <= 0 {
		k = 10
	}
	q := normalize(query)

	top := &minHeap{}
	heap.Init(top)
	for id, vec := range h.vectors {
		if len(vec) != len(q) {
			continue
		}
		score := dot(q, vec)
		if top.Len() < k {
			heap.Push(top, Scored{ID: id, Score: score})
		} else if score > (*top)[0].Score {
			(*top)[0] = Scored{ID: id, Score: score}
			heap.Fix(top, 0)
		}
	}

	results := make([]Scored, top.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(top).(Scored)
	}
	return results
}

func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.vectors = nil
	return nil
}

// Loader opens per-tenant index databases.
type Loader struct {
	// Dims, when non-zero, is the embedding dimension every index must match.
	Dims int
}

func NewLoader(dims int) *Loader {
	return &Loader{Dims: dims}
}

// Load reads the entire index for the tenant into memory and reports its
// footprint: vector bytes plus id string overhead.
func (l *Loader) Load(ctx context.Context, meta tenant.Metadata) (*Handle, int64, error) {
	if meta.IndexPath == "" {
		return nil, 0, fmt.Errorf("tenant %s has no index: %w", meta.ID, os.ErrNotExist)
	}
	if _, err := os.Stat(meta.IndexPath); err != nil {
		return nil, 0, fmt.Errorf("stat index for %s: %w", meta.ID, err)
	}

	db, err := sql.Open("sqlite", "file:"+meta.IndexPath+"?mode=ro")
	if err != nil {
		return nil, 0, fmt.Errorf("open index for %s: %w", meta.ID, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SELECT chunk_id, embedding, dimensions FROM vectors")
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrIncompatible, meta.IndexPath, err)
	}
	defer rows.Close()

	vectors := make(map[string][]float32)
	dims := 0
	var bytes int64
	for rows.Next() {
		var id string
		var blob []byte
		var rowDims int
		if err := rows.Scan(&id, &blob, &rowDims); err != nil {
			return nil, 0, fmt.Errorf("scan vector row for %s: %w", meta.ID, err)
		}
		if l.Dims != 0 && rowDims != l.Dims {
			return nil, 0, fmt.Errorf("%w: %s has %d dims, runtime expects %d", ErrIncompatible, meta.IndexPath, rowDims, l.Dims)
		}
		if dims == 0 {
			dims = rowDims
		}
		// Normalize once at load so Search can use plain dot products.
		vectors[id] = normalize(blobToFloat32(blob, rowDims))
		bytes += int64(rowDims*4 + len(id))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate vector rows for %s: %w", meta.ID, err)
	}

	h := &Handle{
		TenantID: meta.ID,
		Path:     meta.IndexPath,
		Dims:     dims,
		LoadedAt: time.Now().UTC(),
		vectors:  vectors,
	}
	return h, bytes, nil
}

type minHeap []Scored

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Scored)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func blobToFloat32(b []byte, dims int) []float32 {
	v := make([]float32, dims)
	for i := 0; i < dims && i*4+4 <= len(b); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
