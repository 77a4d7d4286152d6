package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"crewcoord/internal/controldir"
	"crewcoord/internal/fsutil"
	"crewcoord/internal/lifecycle"
)

// Sentinel errors for lock operations.
var (
	// ErrConflict means another owner holds the task. It is authoritative and
	// final for the attempt: the caller selects a different task, never waits.
	ErrConflict = errors.New("task already locked")
	// ErrOwnershipDenied means a mutation was attempted by a non-owner.
	// Callers must halt and escalate, never force through.
	ErrOwnershipDenied = errors.New("ownership denied")
	// ErrNotFound means no lock record exists for the task.
	ErrNotFound = errors.New("lock record not found")
	// ErrCorrupt means a lock record exists but cannot be parsed.
	ErrCorrupt = errors.New("lock record corrupt")
	// ErrNotAbandoned means a reclaim was attempted on a lock that is not
	// positively verified as abandoned.
	ErrNotAbandoned = errors.New("lock not abandoned")
)

// Record is the persisted lock record, one file per task. The owner field is
// the sole source of truth for ownership. State and Transitions mirror the
// task's lifecycle for fast inspection and for replay on recovery.
type Record struct {
	Task        string            `json:"task"`
	OwnerID     string            `json:"owner_id"`
	PID         int               `json:"pid"`
	State       lifecycle.State   `json:"state"`
	Risk        string            `json:"risk,omitempty"`
	SubWorkers  []string          `json:"sub_workers,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Transitions []lifecycle.Entry `json:"transitions"`
}

// Manager performs atomic acquisition, release, and ownership verification of
// per-task exclusive locks backed by files in the control directory.
type Manager struct {
	repoRoot string
	logger   *slog.Logger
}

// NewManager creates a lock manager rooted at the shared repository.
func NewManager(repoRoot string, logger *slog.Logger) *Manager {
	return &Manager{repoRoot: repoRoot, logger: logger}
}

// Acquire claims a task for ownerID. The exclusive file create is the only
// mutual-exclusion primitive; on ErrConflict the caller must move on to a
// different task rather than retry this one.
func (m *Manager) Acquire(task, ownerID string) (*Record, error) {
	rec := &Record{
		Task:      task,
		OwnerID:   ownerID,
		PID:       os.Getpid(),
		State:     lifecycle.StateInit,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}
	data = append(data, '\n')

	path := controldir.LockPath(m.repoRoot, task)
	if err := fsutil.CreateExclusive(path, data); err != nil {
		if errors.Is(err, fsutil.ErrExists) {
			return nil, fmt.Errorf("task %s: %w", task, ErrConflict)
		}
		return nil, fmt.Errorf("failed to create lock record: %w", err)
	}

	m.logger.Info("lock acquired", "task", task, "owner", ownerID)
	return rec, nil
}

// Load reads the lock record for a task.
func (m *Manager) Load(task string) (*Record, error) {
	path := controldir.LockPath(m.repoRoot, task)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("task %s: %w", task, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("task %s: %v: %w", task, err, ErrCorrupt)
	}
	if rec.OwnerID == "" || rec.Task == "" {
		return nil, fmt.Errorf("task %s: missing owner or task field: %w", task, ErrCorrupt)
	}
	return &rec, nil
}

// VerifyOwnership reports whether ownerID holds the task's lock. It is
// checked before every mutating operation elsewhere in the system.
func (m *Manager) VerifyOwnership(task, ownerID string) (bool, error) {
	rec, err := m.Load(task)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.OwnerID == ownerID, nil
}

// Update rewrites the lock record after re-verifying that the stored owner
// matches ownerID. UpdatedAt is refreshed; staleness detection keys off it.
func (m *Manager) Update(rec *Record, ownerID string) error {
	current, err := m.Load(rec.Task)
	if err != nil {
		return err
	}
	if current.OwnerID != ownerID {
		return fmt.Errorf("task %s held by %s, not %s: %w",
			rec.Task, current.OwnerID, ownerID, ErrOwnershipDenied)
	}

	rec.UpdatedAt = time.Now().UTC()
	path := controldir.LockPath(m.repoRoot, rec.Task)
	if err := fsutil.AtomicWriteJSON(path, rec); err != nil {
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	return nil
}

// Release deletes the lock record if ownerID matches the stored owner.
// Releasing an already-absent lock is a no-op so that re-running a completed
// release is safe. A mismatched owner is ErrOwnershipDenied and must never
// be overridden.
func (m *Manager) Release(task, ownerID string) error {
	rec, err := m.Load(task)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if rec.OwnerID != ownerID {
		return fmt.Errorf("task %s held by %s, not %s: %w",
			task, rec.OwnerID, ownerID, ErrOwnershipDenied)
	}

	if err := os.Remove(controldir.LockPath(m.repoRoot, task)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock record: %w", err)
	}

	m.logger.Info("lock released", "task", task, "owner", ownerID)
	return nil
}

// Archive copies a record into the archive directory. Called during CLEANUP
// before the lock record is released, so the transition log outlives the lock.
func (m *Manager) Archive(rec *Record) error {
	path := controldir.ArchivePath(m.repoRoot, rec.Task)
	if err := fsutil.AtomicWriteJSON(path, rec); err != nil {
		return fmt.Errorf("failed to archive record: %w", err)
	}
	return nil
}

// Scan returns every parseable lock record plus the task names of records
// that exist but cannot be parsed. Corrupt records are reported, never
// deleted: resolving them is the recovery engine's call.
func (m *Manager) Scan() ([]*Record, []string, error) {
	locksDir := filepath.Join(controldir.Root(m.repoRoot), "locks")

	entries, err := os.ReadDir(locksDir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read locks directory: %w", err)
	}

	var records []*Record
	var corrupt []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		task := strings.TrimSuffix(name, ".json")

		rec, err := m.Load(task)
		if errors.Is(err, ErrCorrupt) {
			corrupt = append(corrupt, task)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	return records, corrupt, nil
}

// IsStale reports whether the record has seen no progress for at least the
// staleness window.
func IsStale(rec *Record, window time.Duration) bool {
	return time.Since(rec.UpdatedAt) >= window
}

// OwnerAlive reports whether the process recorded in the lock still exists.
// Signal 0 probes for existence without delivering anything.
func OwnerAlive(rec *Record) bool {
	if rec.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Reclaim takes over a task whose lock is positively abandoned: no progress
// for the staleness window AND the owning process is gone. Reclamation goes
// through the same exclusive-create path as a fresh claim; rewriting the
// owner field in place is prohibited.
func (m *Manager) Reclaim(task, newOwner string, window time.Duration) (*Record, error) {
	rec, err := m.Load(task)
	if err != nil {
		return nil, err
	}

	if !IsStale(rec, window) {
		return nil, fmt.Errorf("task %s updated %s ago, window is %s: %w",
			task, time.Since(rec.UpdatedAt).Round(time.Second), window, ErrNotAbandoned)
	}
	if OwnerAlive(rec) {
		return nil, fmt.Errorf("task %s owner %s still has a live process (pid %d): %w",
			task, rec.OwnerID, rec.PID, ErrNotAbandoned)
	}

	m.logger.Warn("reclaiming abandoned lock",
		"task", task,
		"previous_owner", rec.OwnerID,
		"stale_for", time.Since(rec.UpdatedAt).Round(time.Second))

	if err := os.Remove(controldir.LockPath(m.repoRoot, task)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove abandoned lock: %w", err)
	}
	return m.Acquire(task, newOwner)
}
