// Package githook integrates refactoring sessions with git: branch creation,
// auto-commit of applied results, and hook installation. Every operation is
// best-effort; a missing or broken git setup degrades to a logged warning.
package githook

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"snre/internal/logging"
)

const preCommitScript = `#!/bin/sh
# SNRE pre-commit hook
snre validate --path "$@"
`

// Hook wraps the git operations a refactoring session may trigger.
type Hook struct {
	autoCommit   bool
	createBranch bool
	log          *zap.Logger
}

// New builds a hook with the configured behaviors.
func New(autoCommit, createBranch bool) *Hook {
	return &Hook{autoCommit: autoCommit, createBranch: createBranch, log: logging.Named("githook")}
}

// AutoCommit reports whether applied sessions should be committed.
func (h *Hook) AutoCommit() bool { return h.autoCommit }

func (h *Hook) git(repoPath string, args ...string) error {
	cmd := exec.Command("git", append([]string{"-C", repoPath}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CreateRefactorBranch creates and checks out a branch for the session.
func (h *Hook) CreateRefactorBranch(repoPath, branch string) bool {
	if !h.createBranch {
		return false
	}
	if err := h.git(repoPath, "checkout", "-b", branch); err != nil {
		h.log.Warn("branch creation failed", zap.String("branch", branch), zap.Error(err))
		return false
	}
	h.log.Info("created refactor branch", zap.String("branch", branch), zap.String("repo", repoPath))
	return true
}

// CommitChanges stages everything and commits with the given message.
func (h *Hook) CommitChanges(repoPath, message string) bool {
	if err := h.git(repoPath, "add", "-A"); err != nil {
		h.log.Warn("git add failed", zap.Error(err))
		return false
	}
	if err := h.git(repoPath, "commit", "-m", message); err != nil {
		h.log.Warn("git commit failed", zap.Error(err))
		return false
	}
	h.log.Info("committed refactoring changes", zap.String("message", message))
	return true
}

// CommitSession commits an applied session's result when auto-commit is on.
// The repo root is the target file's directory tree.
func (h *Hook) CommitSession(targetPath, sessionID string) bool {
	if !h.autoCommit {
		return false
	}
	repo, err := findRepoRoot(filepath.Dir(targetPath))
	if err != nil {
		h.log.Warn("no git repository for target", zap.String("path", targetPath), zap.Error(err))
		return false
	}
	return h.CommitChanges(repo, fmt.Sprintf("refactor: apply swarm session %s", sessionID))
}

// SetupHooks installs the pre-commit hook into the repository.
func (h *Hook) SetupHooks(repoPath string) error {
	hooksDir := filepath.Join(repoPath, ".git", "hooks")
	if info, err := os.Stat(hooksDir); err != nil || !info.IsDir() {
		return fmt.Errorf("no git hooks directory at %s", hooksDir)
	}

	path := filepath.Join(hooksDir, "pre-commit")
	if err := os.WriteFile(path, []byte(preCommitScript), 0755); err != nil {
		return fmt.Errorf("installing pre-commit hook: %w", err)
	}
	h.log.Info("installed pre-commit hook", zap.String("path", path))
	return nil
}

// findRepoRoot walks up from dir until it finds a .git directory.
func findRepoRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not inside a git repository")
		}
		dir = parent
	}
}
