// Package repository persists session documents. Two interchangeable
// backends implement the same contract: one JSON file per session guarded by
// a per-file lock, and an embedded SQLite database storing the same
// serialized document per row. Saves are whole-document replacements.
package repository

import (
	"fmt"

	"github.com/google/uuid"

	"snre/internal/config"
	"snre/internal/types"
)

// SessionRepository is the uniform persistence contract. Load returns
// SessionNotFound on a miss.
type SessionRepository interface {
	Save(session *types.Session) error
	Load(id uuid.UUID) (*types.Session, error)
	ListActive() ([]uuid.UUID, error)
	Delete(id uuid.UUID) error
}

// New builds the backend selected by cfg.StorageBackend.
func New(cfg *config.Config) (SessionRepository, error) {
	switch cfg.StorageBackend {
	case config.BackendFile:
		return NewFileRepository(cfg.SessionsDir())
	case config.BackendSQLite:
		return NewSQLiteRepository(cfg.DatabasePath)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}
