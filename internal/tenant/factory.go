package tenant

import (
	"context"
	"strings"
)

// NewRegistry creates a postgres-backed registry when configured, otherwise a
// file-backed one.
func NewRegistry(ctx context.Context, databaseURL, filePath string) (Registry, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewFileRegistry(filePath)
	}
	return NewPostgresRegistry(ctx, databaseURL)
}
