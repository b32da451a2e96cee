// Package contextstore keeps per-tenant conversation contexts: an in-memory
// working set of recently used contexts plus a durable JSON file per tenant.
// Contexts are bounded by message count, not bytes; pruning runs on every
// append.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/switchyard/internal/observability"
	"github.com/ent0n29/switchyard/internal/tenant"
)

type Options struct {
	// MaxMessages bounds each context's history after pruning.
	MaxMessages int
	// CacheSize bounds how many contexts stay materialized in memory.
	CacheSize int
	Metrics   *observability.Metrics
}

// Store manages conversation contexts across tenant switches.
type Store struct {
	dir         string
	maxMessages int
	cacheSize   int
	metrics     *observability.Metrics

	mu       sync.Mutex
	active   tenant.ID
	contexts map[tenant.ID]*ProjectContext
}

func NewStore(dataDir string, opts Options) (*Store, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 200
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4
	}
	dir := filepath.Join(dataDir, "contexts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create context dir: %w", err)
	}
	return &Store{
		dir:         dir,
		maxMessages: opts.MaxMessages,
		cacheSize:   opts.CacheSize,
		metrics:     opts.Metrics,
		contexts:    make(map[tenant.ID]*ProjectContext),
	}, nil
}

// SwitchTo persists the outgoing active context, then loads or creates the
// context for id. A corrupt persisted file degrades to an empty context; the
// switch itself only fails when the outgoing context cannot be persisted.
func (s *Store) SwitchTo(id tenant.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == id && s.contexts[id] != nil {
		s.contexts[id].LastAccessed = time.Now().UTC()
		return nil
	}

	if out := s.contexts[s.active]; out != nil {
		if err := s.persist(out); err != nil {
			return fmt.Errorf("persist outgoing context %s: %w", s.active, err)
		}
	}

	pc, ok := s.contexts[id]
	if !ok {
		pc = s.loadOrCreate(id)
		s.evictOverCacheSize(id)
		s.contexts[id] = pc
	}
	pc.LastAccessed = time.Now().UTC()
	s.active = id
	s.metrics.SetContextsCached(len(s.contexts))
	return nil
}

// ResetTo installs a fresh empty context for id without touching disk. This is
// the degraded path when a normal switch fails: the user still lands on the
// requested tenant, with no history.
func (s *Store) ResetTo(id tenant.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictOverCacheSize(id)
	s.contexts[id] = newProjectContext(id)
	s.active = id
	s.metrics.SetContextsCached(len(s.contexts))
}

// Append adds a message to the active context and immediately prunes.
func (s *Store) Append(role Role, content string, metadata map[string]string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc := s.contexts[s.active]
	if s.active == "" || pc == nil {
		return Message{}, ErrNoActiveContext
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	pc.History = append(pc.History, msg)
	pc.History = prune(pc.History, s.maxMessages)
	pc.LastAccessed = msg.Timestamp
	return msg, nil
}

// History returns the most recent limit messages of the active context in
// chronological order; limit <= 0 returns everything.
func (s *Store) History(limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc := s.contexts[s.active]
	if pc == nil {
		return nil
	}
	h := pc.History
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Message, len(h))
	copy(out, h)
	return out
}

// Prune applies the retention policy to the active context with an explicit
// budget. Append already prunes with the configured default.
func (s *Store) Prune(maxMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc := s.contexts[s.active]; pc != nil {
		pc.History = prune(pc.History, maxMessages)
	}
}

// SetAnalysis stores a derived artifact (summary, repo map, etc) on the active
// context so it persists across switches.
func (s *Store) SetAnalysis(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := s.contexts[s.active]
	if pc == nil {
		return ErrNoActiveContext
	}
	if pc.AnalysisCache == nil {
		pc.AnalysisCache = make(map[string]any)
	}
	pc.AnalysisCache[key] = value
	return nil
}

func (s *Store) Analysis(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := s.contexts[s.active]
	if pc == nil {
		return nil, false
	}
	v, ok := pc.AnalysisCache[key]
	return v, ok
}

// Active returns the tenant whose context is live.
func (s *Store) Active() (tenant.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != ""
}

// CachedTenants lists the contexts currently materialized in memory.
func (s *Store) CachedTenants() []tenant.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tenant.ID, 0, len(s.contexts))
	for id := range s.contexts {
		out = append(out, id)
	}
	return out
}

func (s *Store) CacheSize() int { return s.cacheSize }

// PersistActive checkpoints the active context to disk.
func (s *Store) PersistActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := s.contexts[s.active]
	if pc == nil {
		return nil
	}
	return s.persist(pc)
}

// StartCheckpointer persists the active context on an interval until ctx ends.
func (s *Store) StartCheckpointer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.PersistActive(); err != nil {
					log.Printf("context checkpoint failed: %v", err)
				}
			}
		}
	}()
}

// Close persists every materialized context.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, pc := range s.contexts {
		if err := s.persist(pc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadOrCreate reads the persisted context for id, degrading to an empty
// context on any read or parse failure.
func (s *Store) loadOrCreate(id tenant.ID) *ProjectContext {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("context read failed for %s, starting empty: %v", id, err)
		}
		return newProjectContext(id)
	}

	var pc ProjectContext
	if err := json.Unmarshal(data, &pc); err != nil {
		log.Printf("context corrupt for %s, starting empty: %v", id, err)
		return newProjectContext(id)
	}
	pc.TenantID = id
	if pc.AnalysisCache == nil {
		pc.AnalysisCache = make(map[string]any)
	}
	return &pc
}

// persist writes a context durably: temp file in the same directory, backup of
// the previous version, then atomic rename. Caller holds s.mu.
func (s *Store) persist(pc *ProjectContext) error {
	data, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context %s: %w", pc.TenantID, err)
	}

	target := s.path(pc.TenantID)
	if prev, err := os.ReadFile(target); err == nil {
		// Best-effort backup; losing it only costs one recovery generation.
		if err := os.WriteFile(target+".bak", prev, 0o644); err != nil {
			log.Printf("context backup failed for %s: %v", pc.TenantID, err)
		}
	}

	tmp, err := os.CreateTemp(s.dir, string(pc.TenantID)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp context file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write context %s: %w", pc.TenantID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close context %s: %w", pc.TenantID, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename context %s: %w", pc.TenantID, err)
	}
	return nil
}

// evictOverCacheSize drops the least recently used materialized contexts to
// make room for incoming, persisting each before release. Caller holds s.mu.
func (s *Store) evictOverCacheSize(incoming tenant.ID) {
	for len(s.contexts) >= s.cacheSize {
		var oldest tenant.ID
		var oldestAt time.Time
		for id, pc := range s.contexts {
			if id == incoming {
				continue
			}
			if oldest == "" || pc.LastAccessed.Before(oldestAt) {
				oldest = id
				oldestAt = pc.LastAccessed
			}
		}
		if oldest == "" {
			return
		}
		if err := s.persist(s.contexts[oldest]); err != nil {
			log.Printf("context evict persist failed for %s: %v", oldest, err)
		}
		delete(s.contexts, oldest)
	}
}

func (s *Store) path(id tenant.ID) string {
	return filepath.Join(s.dir, string(id)+".json")
}
