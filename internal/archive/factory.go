package archive

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise an
// in-memory store holding up to capacity records.
func NewStore(ctx context.Context, databaseURL string, capacity int) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(capacity), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
