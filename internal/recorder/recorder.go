// Package recorder writes the per-session evolution log and periodic code
// snapshots, and enforces the snapshot retention policy.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"snre/internal/config"
	"snre/internal/logging"
	"snre/internal/types"
)

// retentionWindow is how long snapshots survive before cleanup evicts them.
const retentionWindow = 30 * 24 * time.Hour

const snapshotExt = ".snap"

// evolutionLog is the on-disk shape of a session's step log.
type evolutionLog struct {
	SessionID string                `json:"session_id"`
	Steps     []types.EvolutionStep `json:"steps"`
}

// Recorder appends evolution steps and writes snapshots under the configured
// data directories.
type Recorder struct {
	cfg *config.Config
	log *zap.Logger
}

// New creates the log and snapshot directories up front.
func New(cfg *config.Config) (*Recorder, error) {
	for _, dir := range []string{cfg.LogsDir(), cfg.SnapshotsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating recorder directory %s: %w", dir, err)
		}
	}
	return &Recorder{cfg: cfg, log: logging.Named("recorder")}, nil
}

func (r *Recorder) logPath(sessionID uuid.UUID) string {
	return filepath.Join(r.cfg.LogsDir(), sessionID.String()+".json")
}

// RecordStep appends one step to the session's evolution log. The log is
// strictly append-ordered; existing steps are never rewritten.
func (r *Recorder) RecordStep(sessionID uuid.UUID, step types.EvolutionStep) error {
	path := r.logPath(sessionID)

	entry := evolutionLog{SessionID: sessionID.String(), Steps: []types.EvolutionStep{}}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &entry); err != nil {
			r.log.Warn("evolution log corrupt, starting fresh",
				zap.String("session_id", sessionID.String()), zap.Error(err))
			entry = evolutionLog{SessionID: sessionID.String(), Steps: []types.EvolutionStep{}}
		}
	}

	entry.Steps = append(entry.Steps, step)

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling evolution log: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing evolution log: %w", err)
	}
	return nil
}

// History returns the recorded steps for a session, empty when no log exists.
func (r *Recorder) History(sessionID uuid.UUID) ([]types.EvolutionStep, error) {
	data, err := os.ReadFile(r.logPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading evolution log: %w", err)
	}

	var entry evolutionLog
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding evolution log: %w", err)
	}
	return entry.Steps, nil
}

// Snapshot writes a full-text snapshot for the iteration, honoring the
// configured frequency. Disabled history logging skips snapshots entirely.
// Returns the written path, or "" when skipped.
func (r *Recorder) Snapshot(sessionID uuid.UUID, code string, iteration int) (string, error) {
	if !r.cfg.EnableEvolutionLog {
		return "", nil
	}
	if iteration%r.cfg.SnapshotFrequency != 0 {
		return "", nil
	}

	path := filepath.Join(r.cfg.SnapshotsDir(),
		fmt.Sprintf("%s_iter_%d%s", sessionID, iteration, snapshotExt))

	var sb strings.Builder
	fmt.Fprintf(&sb, "# SNRE Snapshot - Session: %s, Iteration: %d\n", sessionID, iteration)
	fmt.Fprintf(&sb, "# Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	sb.WriteString(code)

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return "", fmt.Errorf("writing snapshot: %w", err)
	}
	return path, nil
}

// SessionSnapshots lists a session's snapshot files ordered by iteration.
func (r *Recorder) SessionSnapshots(sessionID uuid.UUID) []string {
	entries, err := os.ReadDir(r.cfg.SnapshotsDir())
	if err != nil {
		return nil
	}

	prefix := sessionID.String() + "_iter_"
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, snapshotExt) {
			paths = append(paths, filepath.Join(r.cfg.SnapshotsDir(), name))
		}
	}

	sort.Slice(paths, func(i, j int) bool {
		return snapshotIteration(paths[i]) < snapshotIteration(paths[j])
	})
	return paths
}

func snapshotIteration(path string) int {
	name := filepath.Base(path)
	start := strings.Index(name, "_iter_")
	if start < 0 {
		return 0
	}
	raw := strings.TrimSuffix(name[start+len("_iter_"):], snapshotExt)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// Cleanup deletes snapshots older than the retention window, then enforces
// the max-snapshot cap by evicting oldest first.
func (r *Recorder) Cleanup() error {
	dir := r.cfg.SnapshotsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing snapshots: %w", err)
	}

	type snap struct {
		path    string
		modTime time.Time
	}

	cutoff := time.Now().Add(-retentionWindow)
	var remaining []snap
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), snapshotExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				r.log.Warn("failed to remove expired snapshot", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		remaining = append(remaining, snap{path: path, modTime: info.ModTime()})
	}

	if len(remaining) <= r.cfg.MaxSnapshots {
		return nil
	}

	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].modTime.Before(remaining[j].modTime)
	})
	for _, s := range remaining[:len(remaining)-r.cfg.MaxSnapshots] {
		if err := os.Remove(s.path); err != nil {
			r.log.Warn("failed to evict snapshot", zap.String("path", s.path), zap.Error(err))
		}
	}
	return nil
}

// CleanupSession removes every file the recorder wrote for a session. The
// session document itself belongs to the repository and is not touched.
func (r *Recorder) CleanupSession(sessionID uuid.UUID) {
	for _, path := range r.SessionSnapshots(sessionID) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.log.Warn("failed to remove snapshot", zap.String("path", path), zap.Error(err))
		}
	}
	if err := os.Remove(r.logPath(sessionID)); err != nil && !os.IsNotExist(err) {
		r.log.Warn("failed to remove evolution log",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}
