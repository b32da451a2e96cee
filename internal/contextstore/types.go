package contextstore

import (
	"errors"
	"time"

	"github.com/ent0n29/switchyard/internal/tenant"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrNoActiveContext = errors.New("no active context")

// Message is a single conversational turn. Immutable once appended.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProjectContext is the conversation state for one tenant. Owned by the store
// while materialized; serialized as JSON for durable persistence.
type ProjectContext struct {
	TenantID      tenant.ID      `json:"tenant_id"`
	History       []Message      `json:"history"`
	AnalysisCache map[string]any `json:"analysis_cache,omitempty"`
	LastAccessed  time.Time      `json:"last_accessed"`
}

func newProjectContext(id tenant.ID) *ProjectContext {
	return &ProjectContext{
		TenantID:      id,
		AnalysisCache: make(map[string]any),
		LastAccessed:  time.Now().UTC(),
	}
}
