package gitws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Sentinel errors for workspace operations.
var (
	// ErrWorkspaceExists means the change-set already has a branch or a live
	// worktree somewhere. Second collision layer on top of the lock manager.
	ErrWorkspaceExists = errors.New("workspace already exists for change-set")
	// ErrNonlinearMerge means the fast-forward merge was refused because the
	// trunk moved. Retryable: re-read the tip, rebase, merge again.
	ErrNonlinearMerge = errors.New("non-linear merge refused")
	// ErrRebaseConflict means the rebase hit content conflicts. The rebase is
	// aborted; resolution happens inside the workspace, never on the trunk.
	ErrRebaseConflict = errors.New("rebase conflict")
	// ErrGateFailed means the local verification gate failed. The merge is
	// aborted with the trunk untouched.
	ErrGateFailed = errors.New("verification gate failed")
	// ErrNotMerged means teardown was requested before the change-set was
	// verified present in the trunk.
	ErrNotMerged = errors.New("change-set not present in trunk")
	// ErrNoBranch means reattach found no branch for the change-set: the
	// task never had a workspace, or it was already torn down.
	ErrNoBranch = errors.New("no branch for change-set")
)

// Handle identifies a live workspace: one worktree bound to one change-set
// branch.
type Handle struct {
	ChangeSet string
	Branch    string
	Dir       string
}

// Manager creates, merges back, and tears down isolated workspaces in a
// shared git repository. The trunk branch is the only resource mutated by
// more than one worker; git's atomic ref update serializes racing merges.
type Manager struct {
	repoRoot string
	trunk    string
	gate     []string
	logger   *slog.Logger
}

// NewManager creates a workspace manager for the repository at repoRoot.
// gate is the command run inside a workspace before any merge back.
func NewManager(repoRoot, trunk string, gate []string, logger *slog.Logger) *Manager {
	return &Manager{
		repoRoot: repoRoot,
		trunk:    trunk,
		gate:     gate,
		logger:   logger,
	}
}

// worktreeDir returns where a change-set's worktree is materialized.
// The path lives under the control directory, outside tracked content.
func (m *Manager) worktreeDir(changeSet string) string {
	// task/foo -> task-foo, keeping one directory level.
	flat := strings.ReplaceAll(changeSet, "/", "-")
	return filepath.Join(m.repoRoot, ".crewcoord", "worktrees", flat)
}

// Create materializes a new workspace for a change-set branched off the
// trunk tip. It fails with ErrWorkspaceExists if the branch already exists
// anywhere, live worktree or not: an existing branch means another worker
// claimed the change-set or a crashed session left one to recover, and
// neither may be silently clobbered.
func (m *Manager) Create(ctx context.Context, changeSet string) (*Handle, error) {
	if exists, err := m.branchExists(ctx, changeSet); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("branch %s: %w", changeSet, ErrWorkspaceExists)
	}

	dir := m.worktreeDir(changeSet)
	if err := os.MkdirAll(filepath.Dir(dir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	if _, err := m.git(ctx, m.repoRoot, "worktree", "add", "-b", changeSet, dir, m.trunk); err != nil {
		return nil, fmt.Errorf("failed to add worktree: %w", err)
	}

	m.logger.Info("workspace created", "change_set", changeSet, "dir", dir)
	return &Handle{ChangeSet: changeSet, Branch: changeSet, Dir: dir}, nil
}

// Reattach recreates a worktree for an existing change-set branch. Used by
// recovery when the branch survived a crash but its worktree did not.
func (m *Manager) Reattach(ctx context.Context, changeSet string) (*Handle, error) {
	exists, err := m.branchExists(ctx, changeSet)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("branch %s: %w", changeSet, ErrNoBranch)
	}

	dir := m.worktreeDir(changeSet)
	if _, err := os.Stat(dir); err == nil {
		return &Handle{ChangeSet: changeSet, Branch: changeSet, Dir: dir}, nil
	}

	// Clear any stale worktree registration left by the crash.
	if _, err := m.git(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		return nil, fmt.Errorf("failed to prune worktrees: %w", err)
	}
	if _, err := m.git(ctx, m.repoRoot, "worktree", "add", dir, changeSet); err != nil {
		return nil, fmt.Errorf("failed to reattach worktree: %w", err)
	}

	m.logger.Info("workspace reattached", "change_set", changeSet, "dir", dir)
	return &Handle{ChangeSet: changeSet, Branch: changeSet, Dir: dir}, nil
}

// MergeBack rebases the workspace onto the current trunk tip, runs the
// verification gate inside the workspace, then fast-forwards the trunk.
// On ErrNonlinearMerge the caller rebases and retries; a non-linear merge
// is never forced. A gate failure aborts with the trunk untouched.
func (m *Manager) MergeBack(ctx context.Context, h *Handle) error {
	if _, err := m.git(ctx, h.Dir, "rebase", m.trunk); err != nil {
		if _, abortErr := m.git(ctx, h.Dir, "rebase", "--abort"); abortErr != nil {
			m.logger.Warn("rebase abort failed", "change_set", h.ChangeSet, "error", abortErr)
		}
		return fmt.Errorf("change-set %s: %v: %w", h.ChangeSet, err, ErrRebaseConflict)
	}

	if err := m.RunGate(ctx, h.Dir); err != nil {
		return err
	}

	if _, err := m.git(ctx, m.repoRoot, "merge", "--ff-only", h.Branch); err != nil {
		return fmt.Errorf("change-set %s: %v: %w", h.ChangeSet, err, ErrNonlinearMerge)
	}

	m.logger.Info("change-set merged", "change_set", h.ChangeSet)
	return nil
}

// RunGate executes the verification gate command in dir.
func (m *Manager) RunGate(ctx context.Context, dir string) error {
	if len(m.gate) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, m.gate[0], m.gate[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		m.logger.Warn("verification gate failed", "dir", dir, "output", truncate(out.String(), 2048))
		return fmt.Errorf("gate %v: %v: %w", m.gate, err, ErrGateFailed)
	}
	return nil
}

// VerifyMerged reports whether the workspace's change-set is an ancestor of
// the trunk tip, i.e. its content is present in trunk history.
func (m *Manager) VerifyMerged(ctx context.Context, h *Handle) (bool, error) {
	_, err := m.git(ctx, m.repoRoot, "merge-base", "--is-ancestor", h.Branch, m.trunk)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("failed to check ancestry: %w", err)
}

// Teardown removes the worktree and deletes the change-set branch, then
// collects unreferenced objects. It refuses to run until the change-set is
// verified present in the trunk.
func (m *Manager) Teardown(ctx context.Context, h *Handle) error {
	merged, err := m.VerifyMerged(ctx, h)
	if err != nil {
		return err
	}
	if !merged {
		return fmt.Errorf("change-set %s: %w", h.ChangeSet, ErrNotMerged)
	}

	if _, err := m.git(ctx, m.repoRoot, "worktree", "remove", "--force", h.Dir); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	if _, err := m.git(ctx, m.repoRoot, "branch", "-d", h.Branch); err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
	}
	if _, err := m.git(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	if _, err := m.git(ctx, m.repoRoot, "gc", "--auto", "--quiet"); err != nil {
		m.logger.Warn("object collection failed", "error", err)
	}

	m.logger.Info("workspace torn down", "change_set", h.ChangeSet)
	return nil
}

// TrunkTip returns the commit hash of the trunk branch.
func (m *Manager) TrunkTip(ctx context.Context) (string, error) {
	out, err := m.git(ctx, m.repoRoot, "rev-parse", m.trunk)
	if err != nil {
		return "", fmt.Errorf("failed to resolve trunk tip: %w", err)
	}
	return out, nil
}

// RevertRange adds revert commits on the trunk for every commit in
// (from, to]. Used when a verification failure is discovered right after a
// merge: the merge is undone by new history, never by rewriting it.
func (m *Manager) RevertRange(ctx context.Context, from, to string) error {
	if _, err := m.git(ctx, m.repoRoot, "revert", "--no-edit", from+".."+to); err != nil {
		return fmt.Errorf("failed to revert %s..%s: %w", from, to, err)
	}
	m.logger.Info("merge reverted", "range", from+".."+to)
	return nil
}

// TrunkHistoryLinear reports whether trunk history contains no merge
// commits.
func (m *Manager) TrunkHistoryLinear(ctx context.Context) (bool, error) {
	out, err := m.git(ctx, m.repoRoot, "rev-list", "--merges", m.trunk)
	if err != nil {
		return false, fmt.Errorf("failed to list merges: %w", err)
	}
	return out == "", nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) (bool, error) {
	_, err := m.git(ctx, m.repoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// git runs a git subcommand in dir and returns trimmed stdout. Stderr is
// folded into the error.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (%s)",
			strings.Join(args, " "), err, truncate(strings.TrimSpace(stderr.String()), 512))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
