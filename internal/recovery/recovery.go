package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crewcoord/internal/controldir"
	"crewcoord/internal/eventlog"
	"crewcoord/internal/gitws"
	"crewcoord/internal/ledger"
	"crewcoord/internal/lifecycle"
	"crewcoord/internal/lockfile"
	"crewcoord/internal/status"
)

// Condition classifies what an interrupted task needs.
type Condition string

const (
	// ConditionResume means the persisted state is coherent: reclaim the
	// lock, reattach the workspace, and continue from the recorded state.
	ConditionResume Condition = "resume"
	// ConditionPartialSubWorkers means some sub-workers finished and some
	// did not. Only the incomplete ones are redispatched.
	ConditionPartialSubWorkers Condition = "partial_sub_workers"
	// ConditionGateFailureAfterMerge means a merged change-set failed
	// verification afterward. The merge is undone by reverts, never by
	// history rewriting.
	ConditionGateFailureAfterMerge Condition = "gate_failure_after_merge"
	// ConditionCorruption means the lock record or its transition log
	// cannot be trusted. Strictly operator territory: nothing is deleted
	// or repaired automatically.
	ConditionCorruption Condition = "corruption"
)

// ErrUnrecoverable means a task's persisted records are too damaged to
// resume. The records are left in place for an operator.
var ErrUnrecoverable = errors.New("task state unrecoverable")

// Finding is one diagnosed interrupted task.
type Finding struct {
	Task      string
	Condition Condition
	State     lifecycle.State
	// PendingWorkers lists sub-workers whose dispatches never got an
	// answer, for partial_sub_workers findings.
	PendingWorkers []string
	// RevertRange is "from..to" for gate_failure_after_merge findings.
	RevertRange string
	Detail      string
}

// Adoption is everything a coordinator needs to resume an adopted task.
type Adoption struct {
	Record    *lockfile.Record
	Machine   *lifecycle.Machine
	Workspace *gitws.Handle // nil when the task never had one
	// PendingDispatches are ledger dispatch entries with no matching
	// report or decision; the coordinator re-issues them.
	PendingDispatches []eventlog.Entry
}

// Engine diagnoses interrupted tasks from their persisted records and
// performs the recovery procedures. It never deletes a record it did not
// positively verify as abandoned, and it never touches live foreign locks.
type Engine struct {
	repoRoot   string
	locks      *lockfile.Manager
	workspaces *gitws.Manager
	staleness  time.Duration
	logger     *slog.Logger
}

// NewEngine creates a recovery engine.
func NewEngine(repoRoot string, locks *lockfile.Manager, workspaces *gitws.Manager, staleness time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		repoRoot:   repoRoot,
		locks:      locks,
		workspaces: workspaces,
		staleness:  staleness,
		logger:     logger,
	}
}

// Diagnose scans the control directory and classifies every task this
// session may act on: its own locks plus positively abandoned foreign ones.
// Live foreign locks are someone else's work and are skipped.
func (e *Engine) Diagnose(ownerID string) ([]Finding, error) {
	records, corrupt, err := e.locks.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan locks: %w", err)
	}

	var findings []Finding
	for _, task := range corrupt {
		findings = append(findings, Finding{
			Task:      task,
			Condition: ConditionCorruption,
			Detail:    "lock record unparseable",
		})
	}

	for _, rec := range records {
		if rec.OwnerID != ownerID {
			if !lockfile.IsStale(rec, e.staleness) || lockfile.OwnerAlive(rec) {
				e.logger.Debug("skipping live foreign lock",
					"task", rec.Task, "owner", rec.OwnerID)
				continue
			}
		}

		f, err := e.classify(rec)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// classify determines the condition of one lock record.
func (e *Engine) classify(rec *lockfile.Record) (Finding, error) {
	replayed, err := lifecycle.Replay(rec.Transitions)
	if err != nil || replayed != rec.State {
		detail := fmt.Sprintf("transition log replays to %q but record says %q", replayed, rec.State)
		if err != nil {
			detail = err.Error()
		}
		return Finding{
			Task:      rec.Task,
			Condition: ConditionCorruption,
			State:     rec.State,
			Detail:    detail,
		}, nil
	}

	l, err := ledger.Read(controldir.EventLogPath(e.repoRoot, rec.Task))
	if err != nil {
		return Finding{
			Task:      rec.Task,
			Condition: ConditionCorruption,
			State:     rec.State,
			Detail:    fmt.Sprintf("audit log unreadable: %v", err),
		}, nil
	}

	if entry, ok := lastFailedMerge(l); ok {
		return Finding{
			Task:        rec.Task,
			Condition:   ConditionGateFailureAfterMerge,
			State:       rec.State,
			RevertRange: entry.Detail,
			Detail:      "verification failed after merge",
		}, nil
	}

	if pending := l.PendingDispatches(); len(pending) > 0 {
		workers := make([]string, 0, len(pending))
		for _, p := range pending {
			workers = append(workers, p.Worker)
		}
		return Finding{
			Task:           rec.Task,
			Condition:      ConditionPartialSubWorkers,
			State:          rec.State,
			PendingWorkers: workers,
			Detail:         fmt.Sprintf("%d dispatch(es) never answered", len(pending)),
		}, nil
	}

	return Finding{Task: rec.Task, Condition: ConditionResume, State: rec.State}, nil
}

// lastFailedMerge returns the most recent merge entry with a fail outcome,
// unless a later recovery entry already handled it.
func lastFailedMerge(l *ledger.Ledger) (eventlog.Entry, bool) {
	for i := len(l.Entries) - 1; i >= 0; i-- {
		e := l.Entries[i]
		if e.Type == eventlog.EntryRecovery {
			return eventlog.Entry{}, false
		}
		if e.Type == eventlog.EntryMerge && e.Outcome == "fail" {
			return e, true
		}
	}
	return eventlog.Entry{}, false
}

// Adopt takes over an interrupted task: reclaims its lock if a dead session
// holds it, restores the lifecycle machine from the transition log, and
// reattaches the workspace. The adoption is recorded in the audit log.
func (e *Engine) Adopt(ctx context.Context, task, newOwner string) (*Adoption, error) {
	rec, err := e.locks.Load(task)
	if err != nil {
		return nil, err
	}

	machine, err := lifecycle.Restore(rec.State, rec.Transitions)
	if err != nil {
		return nil, fmt.Errorf("task %s: %v: %w", task, err, ErrUnrecoverable)
	}

	if rec.OwnerID != newOwner {
		previous := rec.OwnerID
		fresh, err := e.locks.Reclaim(task, newOwner, e.staleness)
		if err != nil {
			return nil, err
		}
		// Carry the interrupted task's history into the reclaimed record.
		fresh.State = rec.State
		fresh.Risk = rec.Risk
		fresh.SubWorkers = rec.SubWorkers
		fresh.Transitions = rec.Transitions
		if err := e.locks.Update(fresh, newOwner); err != nil {
			return nil, err
		}
		rec = fresh
		e.logger.Info("adopted abandoned task",
			"task", task, "previous_owner", previous, "state", rec.State)
	}

	var handle *gitws.Handle
	ws, err := e.workspaces.Reattach(ctx, task)
	switch {
	case err == nil:
		handle = ws
	case errors.Is(err, gitws.ErrNoBranch):
		// Early states and post-cleanup have no workspace.
	default:
		return nil, err
	}

	l, err := ledger.Read(controldir.EventLogPath(e.repoRoot, task))
	if err != nil {
		return nil, fmt.Errorf("task %s: %v: %w", task, err, ErrUnrecoverable)
	}

	if err := e.record(task, eventlog.Entry{
		Type:   eventlog.EntryRecovery,
		Task:   task,
		Detail: fmt.Sprintf("adopted in state %s by %s", rec.State, newOwner),
	}); err != nil {
		return nil, err
	}

	return &Adoption{
		Record:            rec,
		Machine:           machine,
		Workspace:         handle,
		PendingDispatches: l.PendingDispatches(),
	}, nil
}

// StaleWorkers returns the workers whose status records stopped moving.
// Completed workers are never redispatched.
func (e *Engine) StaleWorkers(task string) ([]string, error) {
	records, err := status.LoadAll(e.repoRoot, task)
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, r := range records {
		if r.Phase == status.PhaseComplete {
			continue
		}
		if r.Stale(e.staleness) || r.Phase == status.PhaseError {
			stale = append(stale, r.Worker)
		}
	}
	return stale, nil
}

// RevertMerge undoes a merged range that later failed verification, then
// records the recovery. The range must be the "from..to" recorded on the
// failed merge entry.
func (e *Engine) RevertMerge(ctx context.Context, f Finding) error {
	if f.Condition != ConditionGateFailureAfterMerge {
		return fmt.Errorf("task %s: finding is %s, not %s",
			f.Task, f.Condition, ConditionGateFailureAfterMerge)
	}
	from, to, ok := strings.Cut(f.RevertRange, "..")
	if !ok {
		return fmt.Errorf("task %s: malformed revert range %q: %w",
			f.Task, f.RevertRange, ErrUnrecoverable)
	}

	if err := e.workspaces.RevertRange(ctx, from, to); err != nil {
		return err
	}

	return e.record(f.Task, eventlog.Entry{
		Type:   eventlog.EntryRecovery,
		Task:   f.Task,
		Detail: "reverted " + f.RevertRange + " after post-merge verification failure",
	})
}

// record appends one entry to a task's audit log.
func (e *Engine) record(task string, entry eventlog.Entry) error {
	log, err := eventlog.Open(controldir.EventLogPath(e.repoRoot, task), e.logger)
	if err != nil {
		return err
	}
	defer log.Close()
	return log.Append(entry)
}
