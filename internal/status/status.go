package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crewcoord/internal/controldir"
	"crewcoord/internal/fsutil"
)

// Phase is the execution phase of one sub-worker on one task.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseWorking    Phase = "working"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// ErrRetryExhausted means a sub-worker has used its whole retry budget.
// The coordinator escalates instead of dispatching again.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// Record is the persisted status of one sub-worker, written by the dispatch
// path and read by the coordinator and the recovery engine. A task may not
// leave a multi-worker state until every record is complete or escalated.
type Record struct {
	Task       string    `json:"task"`
	Worker     string    `json:"worker"`
	Phase      Phase     `json:"phase"`
	UpdatedAt  time.Time `json:"updated_at"`
	RetryCount int       `json:"retry_count"`
	Detail     string    `json:"detail,omitempty"`
}

// New creates a not-started record for a sub-worker.
func New(task, worker string) *Record {
	return &Record{
		Task:      task,
		Worker:    worker,
		Phase:     PhaseNotStarted,
		UpdatedAt: time.Now().UTC(),
	}
}

// Path returns the record path for a task/worker pair.
func Path(repoRoot, task, worker string) string {
	return filepath.Join(controldir.StatusDir(repoRoot, task), worker+".json")
}

// Save writes the record to disk atomically.
func Save(repoRoot string, rec *Record) error {
	return fsutil.AtomicWriteJSON(Path(repoRoot, rec.Task, rec.Worker), rec)
}

// Load reads a record. A missing file is reported via os.IsNotExist on the
// wrapped error so callers can treat absence as not-started.
func Load(repoRoot, task, worker string) (*Record, error) {
	var rec Record
	if err := fsutil.ReadJSON(Path(repoRoot, task, worker), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadAll reads every status record for a task. Tasks with zero required
// sub-workers simply get an empty slice.
func LoadAll(repoRoot, task string) ([]*Record, error) {
	dir := controldir.StatusDir(repoRoot, task)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status directory: %w", err)
	}

	var records []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := Load(repoRoot, task, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Remove deletes every status record for a task. Called at CLEANUP.
func Remove(repoRoot, task string) error {
	dir := controldir.StatusDir(repoRoot, task)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove status directory: %w", err)
	}
	return nil
}

// MarkWorking stamps the record as in progress.
func (r *Record) MarkWorking() {
	r.Phase = PhaseWorking
	r.UpdatedAt = time.Now().UTC()
}

// MarkComplete stamps the record as finished.
func (r *Record) MarkComplete(detail string) {
	r.Phase = PhaseComplete
	r.Detail = detail
	r.UpdatedAt = time.Now().UTC()
}

// MarkError stamps the record as failed and consumes one retry.
func (r *Record) MarkError(detail string) {
	r.Phase = PhaseError
	r.Detail = detail
	r.RetryCount++
	r.UpdatedAt = time.Now().UTC()
}

// Touch refreshes UpdatedAt without changing phase. Heartbeats from a
// running work unit land here so staleness tracks liveness, not phase flips.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().UTC()
}

// Stale reports whether the record has not been updated within the window.
func (r *Record) Stale(window time.Duration) bool {
	return time.Since(r.UpdatedAt) >= window
}

// CanRetry reports whether another dispatch fits in the budget.
func (r *Record) CanRetry(maxRetries int) bool {
	return r.RetryCount < maxRetries
}

// AllComplete reports whether every record in the set is complete.
func AllComplete(records []*Record) bool {
	for _, r := range records {
		if r.Phase != PhaseComplete {
			return false
		}
	}
	return true
}
