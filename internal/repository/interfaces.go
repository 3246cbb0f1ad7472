// Package repository implements the optional read-model index described
// in SPEC_FULL.md §4.E.1. The JSON files under the downloads directory
// remain the sole source of truth; this package only mirrors them into
// a SQL table for fast listing and can be dropped and rebuilt at any
// time by re-scanning the store.
package repository

import (
	"context"

	"github.com/jmylchreest/hlsvault/internal/models"
)

// SessionIndexRepository defines read-model index operations for
// download sessions. All database access goes through this interface.
type SessionIndexRepository interface {
	// Upsert writes or updates the indexed row for a session.
	Upsert(ctx context.Context, session *models.DownloadSession) error
	// Delete removes the indexed row for a session.
	Delete(ctx context.Context, id models.ULID) error
	// List returns every indexed row, oldest first.
	List(ctx context.Context) ([]SessionIndex, error)
	// Rebuild truncates the index and repopulates it from sessions,
	// the authoritative in-memory list built from the JSON files.
	Rebuild(ctx context.Context, sessions []*models.DownloadSession) error
}
