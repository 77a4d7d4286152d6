package controldir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Name is the control directory created at the root of the shared repository.
// Every coordination record lives under it; the repository's own content is
// never touched by the coordinator outside of merges.
const Name = ".crewcoord"

// RequiredDirectories returns the subdirectories that must exist inside the
// control directory.
func RequiredDirectories() []string {
	return []string{
		"locks",   // locks/<task>.json (exclusive lock records)
		"status",  // status/<task>/<worker>.json (sub-worker status records)
		"events",  // events/<task>.ndjson (append-only audit log)
		"archive", // archive/<task>.json (lock records of completed tasks)
	}
}

// Root returns the control directory path for a repository root.
func Root(repoRoot string) string {
	return filepath.Join(repoRoot, Name)
}

// LockPath returns the lock record path for a task.
func LockPath(repoRoot, task string) string {
	return filepath.Join(Root(repoRoot), "locks", task+".json")
}

// StatusDir returns the status record directory for a task.
func StatusDir(repoRoot, task string) string {
	return filepath.Join(Root(repoRoot), "status", task)
}

// EventLogPath returns the audit log path for a task.
func EventLogPath(repoRoot, task string) string {
	return filepath.Join(Root(repoRoot), "events", task+".ndjson")
}

// ArchivePath returns the archive path for a completed task's record.
func ArchivePath(repoRoot, task string) string {
	return filepath.Join(Root(repoRoot), "archive", task+".json")
}

// ConfigPath returns the configuration file path.
func ConfigPath(repoRoot string) string {
	return filepath.Join(Root(repoRoot), "config.yaml")
}

// Initialize creates the control directory tree with 0700 permissions.
// Idempotent - safe to call on every startup.
func Initialize(repoRoot string) error {
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(Root(repoRoot), dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks whether the control directory tree exists.
func IsInitialized(repoRoot string) (bool, error) {
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(Root(repoRoot), dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}
