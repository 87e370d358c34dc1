package orchestration

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/apperr"
	"github.com/fyp/fyp/internal/common/logger"
)

// worktreeRemoveAttempts bounds cleanup retries; metadata is pruned between
// attempts.
const worktreeRemoveAttempts = 3

// WorktreeManager isolates workers on git worktrees. Injected so the engine
// stays testable without a git checkout.
type WorktreeManager interface {
	Create(ctx context.Context, repoPath, worktreePath, branch, baseRef string) error
	Remove(ctx context.Context, repoPath, worktreePath string) error
	Prune(ctx context.Context, repoPath string) error
	IsGitRepo(ctx context.Context, path string) bool
}

// gitWorktreeManager shells out to git.
type gitWorktreeManager struct {
	logger *logger.Logger
}

// NewGitWorktreeManager builds the default exec-git worktree manager.
func NewGitWorktreeManager(log *logger.Logger) WorktreeManager {
	return &gitWorktreeManager{logger: log.WithFields(zap.String("component", "worktree"))}
}

func (m *gitWorktreeManager) Create(ctx context.Context, repoPath, worktreePath, branch, baseRef string) error {
	if !m.IsGitRepo(ctx, repoPath) {
		return apperr.Newf(apperr.CodeWorkerBranchRequiresGitRepo, "%s is not a git repository", repoPath)
	}
	if baseRef == "" {
		baseRef = "HEAD"
	}

	args := []string{"worktree", "add"}
	if branch != "" && !m.branchExists(ctx, repoPath, branch) {
		args = append(args, "-b", branch)
	}
	args = append(args, worktreePath)
	if branch != "" && m.branchExists(ctx, repoPath, branch) {
		args = append(args, branch)
	} else {
		args = append(args, baseRef)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("repo", repoPath),
			zap.String("worktree", worktreePath),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
		return apperr.Wrap(apperr.CodeWorktreeCreateFailed,
			fmt.Sprintf("git worktree add failed: %s", strings.TrimSpace(string(out))), err)
	}
	m.logger.Info("worktree created",
		zap.String("path", worktreePath), zap.String("branch", branch), zap.String("base", baseRef))
	return nil
}

func (m *gitWorktreeManager) Remove(ctx context.Context, repoPath, worktreePath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (m *gitWorktreeManager) Prune(ctx context.Context, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree prune failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (m *gitWorktreeManager) IsGitRepo(ctx context.Context, path string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = path
	return cmd.Run() == nil
}

func (m *gitWorktreeManager) branchExists(ctx context.Context, repoPath, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// deriveWorktreePath places isolated workers next to the repo under a
// .fyp-worktrees sibling directory.
func deriveWorktreePath(projectPath, orchName, workerName string) string {
	parent := filepath.Dir(projectPath)
	base := filepath.Base(projectPath)
	return filepath.Join(parent, ".fyp-worktrees", base, slugify(orchName)+"-"+slugify(workerName))
}

// slugify lowercases and keeps alnum runs joined by dashes.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// canonicalize strips everything but alnum for loose target matching.
func canonicalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
