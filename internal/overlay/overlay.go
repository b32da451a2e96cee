// Package overlay loads per-tenant fine-tune overlay files into memory and
// hands the bytes to the inference backend. The runtime treats the payload as
// opaque; only the header is validated here.
package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ent0n29/switchyard/internal/reliability"
	"github.com/ent0n29/switchyard/internal/tenant"
)

// Magic identifies a switchyard overlay file. Anything else is an adapter
// produced for a different backend and is rejected as incompatible.
var Magic = []byte("SYOV1\n")

var ErrIncompatible = errors.New("incompatible overlay file")

// Handle is a fully-loaded overlay resident in memory. Close releases the
// buffer; the handle is unusable afterwards.
type Handle struct {
	TenantID tenant.ID
	Path     string
	LoadedAt time.Time

	weights []byte
}

// Weights returns the raw adapter payload (without the file header).
func (h *Handle) Weights() []byte {
	if h == nil {
		return nil
	}
	return h.weights
}

func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.weights = nil
	return nil
}

// Loader reads overlay files with bounded retries on transient I/O errors.
type Loader struct {
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewLoader() *Loader {
	return &Loader{
		maxAttempts: 3,
		backoffBase: 50 * time.Millisecond,
		backoffCap:  500 * time.Millisecond,
	}
}

// Load reads and validates the overlay named by the tenant metadata and
// returns the handle plus its in-memory footprint in bytes.
func (l *Loader) Load(ctx context.Context, meta tenant.Metadata) (*Handle, int64, error) {
	if meta.OverlayPath == "" {
		return nil, 0, fmt.Errorf("tenant %s has no overlay: %w", meta.ID, os.ErrNotExist)
	}

	var data []byte
	var err error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, l.backoffBase, l.backoffCap)):
			}
		}
		if err = ctx.Err(); err != nil {
			return nil, 0, err
		}
		data, err = os.ReadFile(meta.OverlayPath)
		if err == nil {
			break
		}
		if !reliability.IsRetryableIOError(err) {
			return nil, 0, fmt.Errorf("read overlay for %s: %w", meta.ID, err)
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read overlay for %s after %d attempts: %w", meta.ID, l.maxAttempts, err)
	}

	if !bytes.HasPrefix(data, Magic) {
		return nil, 0, fmt.Errorf("%w: %s", ErrIncompatible, meta.OverlayPath)
	}

	h := &Handle{
		TenantID: meta.ID,
		Path:     meta.OverlayPath,
		LoadedAt: time.Now().UTC(),
		weights:  data[len(Magic):],
	}
	return h, int64(len(data)), nil
}
