package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"snre/internal/logging"
	"snre/internal/types"
)

// FileRepository stores one JSON document per session id. Writers take a
// per-session lock file and land the document with a temp-file rename, so a
// concurrent reader can never observe a partial write.
type FileRepository struct {
	dir string
	log *zap.Logger
}

// NewFileRepository creates the sessions directory if needed.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	return &FileRepository{dir: dir, log: logging.Named("repository")}, nil
}

func (r *FileRepository) path(id uuid.UUID) string {
	return filepath.Join(r.dir, id.String()+".json")
}

// Save persists the session as an indented JSON document.
func (r *FileRepository) Save(session *types.Session) error {
	path := r.path(session.RefactorID)

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return fmt.Errorf("locking session %s: %w", session.RefactorID, err)
	}
	defer lock.release()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", session.RefactorID, err)
	}

	// Write to a temp file in the same directory, then rename. Rename is
	// atomic on POSIX filesystems, so readers see the old document or the
	// new one, never a mix.
	tmp, err := os.CreateTemp(r.dir, "."+session.RefactorID.String()+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing session %s: %w", session.RefactorID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session %s: %w", session.RefactorID, err)
	}
	return nil
}

// Load reads a session document. A missing or unreadable document surfaces
// as SessionNotFound.
func (r *FileRepository) Load(id uuid.UUID) (*types.Session, error) {
	path := r.path(id)

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("locking session %s: %w", id, err)
	}
	data, err := os.ReadFile(path)
	lock.release()

	if err != nil {
		return nil, types.NewSessionNotFound(id.String())
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		r.log.Warn("failed to decode session document",
			zap.String("session_id", id.String()), zap.Error(err))
		return nil, types.NewSessionNotFound(id.String())
	}
	return &session, nil
}

// ListActive returns the ids of every session document on disk.
func (r *FileRepository) ListActive() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var ids []uuid.UUID
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes the session document and its lock file.
func (r *FileRepository) Delete(id uuid.UUID) error {
	path := r.path(id)
	for _, p := range []string{path, path + ".lock"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
	}
	return nil
}

// fileLock is an advisory cross-process lock held through a sentinel file
// created with O_EXCL. Locks older than staleAfter are taken over, covering
// crashed holders.
type fileLock struct {
	path string
}

const (
	lockRetryInterval = 5 * time.Millisecond
	lockTimeout       = 5 * time.Second
	staleAfter        = 30 * time.Second
)

func acquireLock(path string) (*fileLock, error) {
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleAfter {
			os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lock %s", path)
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *fileLock) release() {
	os.Remove(l.path)
}
