package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"snre/internal/logging"
	"snre/internal/types"
)

// SQLiteRepository stores one row per session, keyed by id, holding the same
// serialized JSON document the file backend writes. Schema is created on
// first use.
type SQLiteRepository struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *zap.Logger
}

const sessionsDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// NewSQLiteRepository opens (creating if needed) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(sessionsDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteRepository{db: db, log: logging.Named("repository")}, nil
}

// Save upserts the full session document.
func (r *SQLiteRepository) Save(session *types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", session.RefactorID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.db.Exec(
		`INSERT INTO sessions (session_id, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		session.RefactorID.String(), string(data),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", session.RefactorID, err)
	}
	return nil
}

// Load fetches a session by id. A miss surfaces as SessionNotFound.
func (r *SQLiteRepository) Load(id uuid.UUID) (*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var data string
	err := r.db.QueryRow(
		"SELECT data FROM sessions WHERE session_id = ?", id.String(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewSessionNotFound(id.String())
		}
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	var session types.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		r.log.Warn("failed to decode stored session",
			zap.String("session_id", id.String()), zap.Error(err))
		return nil, types.NewSessionNotFound(id.String())
	}
	return &session, nil
}

// ListActive returns every stored session id.
func (r *SQLiteRepository) ListActive() ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.Query("SELECT session_id FROM sessions")
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// Delete removes a session row. Deleting a missing row is not an error.
func (r *SQLiteRepository) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec("DELETE FROM sessions WHERE session_id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
