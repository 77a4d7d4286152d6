package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"crewcoord/internal/config"
	"crewcoord/internal/controldir"
	"crewcoord/internal/eventlog"
	"crewcoord/internal/gitws"
	"crewcoord/internal/lifecycle"
	"crewcoord/internal/lockfile"
	"crewcoord/internal/protocol"
	"crewcoord/internal/recovery"
	"crewcoord/internal/status"
	"crewcoord/internal/workunit"
)

// Sentinel errors for coordinator runs.
var (
	// ErrNoTasks means nothing in the configuration was claimable.
	ErrNoTasks = errors.New("no claimable tasks")
	// ErrHalted means the task stopped pending operator action. Its lock and
	// records are left in place for inspection and later resumption.
	ErrHalted = errors.New("task halted pending operator action")
	// ErrPlanRejected means an implementing sub-worker answered with a
	// REJECTED decision instead of a report: it is disputing the plan, not
	// failing the work, so the task cycles back to SYNTHESIS.
	ErrPlanRejected = errors.New("sub-worker rejected the plan")
)

// mergeAttempts bounds the rebase-and-retry loop when racing other sessions
// for the trunk ref.
const mergeAttempts = 5

// Coordinator drives tasks through their whole lifecycle: claim, workspace,
// sub-worker dispatch, approval checkpoints, merge back, cleanup.
type Coordinator struct {
	repoRoot   string
	ownerID    string
	cfg        *config.Config
	locks      *lockfile.Manager
	workspaces *gitws.Manager
	rescue     *recovery.Engine
	runners    map[string]workunit.Runner
	approver   Approver
	logger     *slog.Logger
}

// New creates a coordinator for one session. ownerID must be unique per
// session; it is the identity all lock operations are verified against.
func New(repoRoot, ownerID string, cfg *config.Config, locks *lockfile.Manager,
	workspaces *gitws.Manager, rescue *recovery.Engine,
	runners map[string]workunit.Runner, approver Approver, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		repoRoot:   repoRoot,
		ownerID:    ownerID,
		cfg:        cfg,
		locks:      locks,
		workspaces: workspaces,
		rescue:     rescue,
		runners:    runners,
		approver:   approver,
		logger:     logger,
	}
}

// session is the in-memory context of one claimed task.
type session struct {
	task    string
	taskCfg config.TaskConfig
	rec     *lockfile.Record
	machine *lifecycle.Machine
	ws      *gitws.Handle
	log     *eventlog.Log

	// Resolution-cycle counters. In-memory only: a resumed session starts
	// its budgets fresh.
	gateFailures int
	fixCycles    int
	fixReasons   []string
}

// Run claims and completes every claimable task in configuration order.
// Locked tasks are skipped, never waited on.
func (c *Coordinator) Run(ctx context.Context) error {
	worked := 0
	for _, t := range c.cfg.Tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(controldir.ArchivePath(c.repoRoot, t.Name)); err == nil {
			continue // already completed by some session
		}

		err := c.RunTask(ctx, t.Name)
		if errors.Is(err, lockfile.ErrConflict) {
			c.logger.Info("task held by another session, moving on", "task", t.Name)
			continue
		}
		if err != nil {
			return err
		}
		worked++
	}

	if worked == 0 {
		return ErrNoTasks
	}
	return nil
}

// RunTask claims one task and drives it to CLEANUP.
func (c *Coordinator) RunTask(ctx context.Context, task string) error {
	taskCfg, ok := c.cfg.FindTask(task)
	if !ok {
		return fmt.Errorf("task %q not in configuration", task)
	}

	rec, err := c.locks.Acquire(task, c.ownerID)
	if err != nil {
		return err
	}

	log, err := eventlog.Open(controldir.EventLogPath(c.repoRoot, task), c.logger)
	if err != nil {
		return err
	}
	defer log.Close()

	s := &session{
		task:    task,
		taskCfg: taskCfg,
		rec:     rec,
		machine: lifecycle.NewMachine(),
		log:     log,
	}
	return c.runFrom(ctx, s)
}

// Resume adopts an interrupted task and continues from its recorded state.
func (c *Coordinator) Resume(ctx context.Context, task string) error {
	taskCfg, ok := c.cfg.FindTask(task)
	if !ok {
		return fmt.Errorf("task %q not in configuration", task)
	}

	adoption, err := c.rescue.Adopt(ctx, task, c.ownerID)
	if err != nil {
		return err
	}

	log, err := eventlog.Open(controldir.EventLogPath(c.repoRoot, task), c.logger)
	if err != nil {
		return err
	}
	defer log.Close()

	// A dispatch with no recorded answer died with the interrupted session.
	// Charge it to the worker's budget so redispatch stays bounded.
	interrupted := map[string]bool{}
	for _, d := range adoption.PendingDispatches {
		interrupted[d.Worker] = true
	}
	for w := range interrupted {
		rec, err := status.Load(c.repoRoot, task, w)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if rec.Phase == status.PhaseWorking {
			rec.MarkError("dispatch lost with interrupted session")
			if err := status.Save(c.repoRoot, rec); err != nil {
				return err
			}
			c.logger.Info("charged lost dispatch to retry budget",
				"task", task, "worker", w, "retries", rec.RetryCount)
		}
	}

	s := &session{
		task:    task,
		taskCfg: taskCfg,
		rec:     adoption.Record,
		machine: adoption.Machine,
		ws:      adoption.Workspace,
		log:     log,
	}

	c.logger.Info("resuming task", "task", task, "state", s.machine.Current())
	return c.runFrom(ctx, s)
}

// runFrom advances the task state by state until CLEANUP finishes.
func (c *Coordinator) runFrom(ctx context.Context, s *session) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		owns, err := c.locks.VerifyOwnership(s.task, c.ownerID)
		if err != nil {
			return err
		}
		if !owns {
			return fmt.Errorf("task %s: %w", s.task, lockfile.ErrOwnershipDenied)
		}

		var stepErr error
		switch s.machine.Current() {
		case lifecycle.StateInit:
			stepErr = c.stepInit(ctx, s)
		case lifecycle.StateClassified:
			stepErr = c.stepClassified(s)
		case lifecycle.StateRequirements:
			stepErr = c.stepRequirements(ctx, s)
		case lifecycle.StateSynthesis:
			stepErr = c.stepSynthesis(ctx, s)
		case lifecycle.StateImplementation:
			stepErr = c.stepImplementation(ctx, s)
		case lifecycle.StateValidation:
			stepErr = c.stepValidation(ctx, s)
		case lifecycle.StateReview:
			stepErr = c.stepReview(ctx, s)
		case lifecycle.StateScopeNegotiation:
			stepErr = c.stepScopeNegotiation(ctx, s)
		case lifecycle.StateAwaitingApproval:
			stepErr = c.stepAwaitingApproval(ctx, s)
		case lifecycle.StateComplete:
			stepErr = c.stepComplete(ctx, s)
		case lifecycle.StateCleanup:
			return c.cleanup(ctx, s)
		default:
			return fmt.Errorf("task %s in state %s: %w",
				s.task, s.machine.Current(), lifecycle.ErrUnknownState)
		}
		if stepErr != nil {
			return stepErr
		}
	}
}

func (c *Coordinator) stepInit(ctx context.Context, s *session) error {
	ws, err := c.workspaces.Create(ctx, s.task)
	if errors.Is(err, gitws.ErrWorkspaceExists) {
		// A crashed session left the branch behind; pick it up.
		ws, err = c.workspaces.Reattach(ctx, s.task)
	}
	if err != nil {
		return err
	}
	s.ws = ws

	return c.advance(s, lifecycle.StateClassified, "lock acquired and workspace created")
}

func (c *Coordinator) stepClassified(s *session) error {
	s.rec.Risk = s.taskCfg.Risk
	s.rec.SubWorkers = s.taskCfg.SubWorkers

	if s.taskCfg.Risk == config.RiskLow {
		return c.advance(s, lifecycle.StateComplete, "risk classified LOW")
	}
	return c.advance(s, lifecycle.StateRequirements,
		fmt.Sprintf("risk classified %s, %d sub-worker(s) selected",
			s.taskCfg.Risk, len(s.taskCfg.SubWorkers)))
}

func (c *Coordinator) stepRequirements(ctx context.Context, s *session) error {
	err := c.dispatchReports(ctx, s, protocol.ModeRequirements, s.rec.SubWorkers, nil)
	if errors.Is(err, status.ErrRetryExhausted) {
		return c.reverse(s, lifecycle.StateAwaitingApproval,
			"sub-worker retry budget exhausted: "+err.Error())
	}
	if err != nil {
		return err
	}
	return c.advance(s, lifecycle.StateSynthesis, "all required sub-worker reports received")
}

func (c *Coordinator) stepSynthesis(ctx context.Context, s *session) error {
	if s.taskCfg.DocOnly {
		return c.advance(s, lifecycle.StateComplete, "change classified config/doc-only")
	}

	ok, err := c.approver.Approve(ctx, s.task, "plan approval",
		fmt.Sprintf("Plan for %s is ready (scope: %s). Approve to begin implementation.",
			s.task, s.taskCfg.Scope))
	if err != nil {
		return err
	}
	if !ok {
		if err := c.escalate(s, "plan rejected by controlling party"); err != nil {
			return err
		}
		return fmt.Errorf("task %s: plan rejected: %w", s.task, ErrHalted)
	}

	// A freshly approved plan starts implementation with clean status
	// records: only an adopted session may find work already complete.
	if err := c.resetStatuses(s, s.rec.SubWorkers); err != nil {
		return err
	}
	return c.advance(s, lifecycle.StateImplementation, "plan approved by controlling party")
}

func (c *Coordinator) stepImplementation(ctx context.Context, s *session) error {
	err := c.dispatchReports(ctx, s, protocol.ModeImplement, s.rec.SubWorkers, nil)
	if errors.Is(err, status.ErrRetryExhausted) {
		return c.reverse(s, lifecycle.StateAwaitingApproval,
			"sub-worker retry budget exhausted: "+err.Error())
	}
	if errors.Is(err, ErrPlanRejected) {
		return c.reverse(s, lifecycle.StateSynthesis, err.Error())
	}
	if err != nil {
		return err
	}
	return c.advance(s, lifecycle.StateValidation, "all sub-workers report COMPLETE")
}

func (c *Coordinator) stepValidation(ctx context.Context, s *session) error {
	err := c.workspaces.RunGate(ctx, s.ws.Dir)
	if errors.Is(err, gitws.ErrGateFailed) {
		s.gateFailures++
		if s.gateFailures > c.cfg.Retry.MaxAttempts {
			if err := c.escalate(s, "verification gate keeps failing after re-planning"); err != nil {
				return err
			}
			return fmt.Errorf("task %s: gate failed %d times: %w",
				s.task, s.gateFailures, ErrHalted)
		}
		return c.reverse(s, lifecycle.StateSynthesis, "verification gate failed")
	}
	if err != nil {
		return err
	}
	return c.advance(s, lifecycle.StateReview, "full verification gate passed")
}

func (c *Coordinator) stepReview(ctx context.Context, s *session) error {
	decisions, err := c.collectDecisions(ctx, s, s.fixReasons)
	if errors.Is(err, status.ErrRetryExhausted) {
		if err := c.escalate(s, "review dispatch budget exhausted"); err != nil {
			return err
		}
		return fmt.Errorf("task %s: %w", s.task, ErrHalted)
	}
	if err != nil {
		return err
	}

	var rejecting []string
	var reasons []string
	for worker, d := range decisions {
		if d.Verdict == protocol.VerdictRejected {
			rejecting = append(rejecting, worker)
			reasons = append(reasons, d.Reasons...)
		}
	}

	if len(rejecting) == 0 {
		ok, err := c.approver.Approve(ctx, s.task, "release approval",
			fmt.Sprintf("All reviewers approved %s. Approve to merge into %s.",
				s.task, c.cfg.Trunk))
		if err != nil {
			return err
		}
		if !ok {
			if err := c.escalate(s, "release rejected by controlling party"); err != nil {
				return err
			}
			return fmt.Errorf("task %s: release rejected: %w", s.task, ErrHalted)
		}
		return c.advance(s, lifecycle.StateComplete, "unanimous approval from all sub-workers")
	}

	s.fixCycles++
	if s.fixCycles > 2 {
		return c.reverse(s, lifecycle.StateScopeNegotiation,
			"resolution effort exceeds 2x original scope")
	}

	// Fix cycle stays inside REVIEW: the rejecting workers rework their
	// pieces, then everyone reviews again.
	if err := c.resetStatuses(s, rejecting); err != nil {
		return err
	}
	if err := c.dispatchReports(ctx, s, protocol.ModeImplement, rejecting, reasons); err != nil {
		if errors.Is(err, status.ErrRetryExhausted) {
			if escErr := c.escalate(s, "fix dispatch budget exhausted"); escErr != nil {
				return escErr
			}
			return fmt.Errorf("task %s: %w", s.task, ErrHalted)
		}
		if errors.Is(err, ErrPlanRejected) {
			// Disputing the plan while fixing it means the remaining scope
			// itself is contested.
			return c.reverse(s, lifecycle.StateScopeNegotiation, err.Error())
		}
		return err
	}
	s.fixReasons = reasons
	return nil
}

func (c *Coordinator) stepScopeNegotiation(ctx context.Context, s *session) error {
	ok, err := c.approver.Approve(ctx, s.task, "scope negotiation",
		"Resolution effort exceeded twice the original scope. "+
			"Approve to accept the remaining scope as resolved, reject to re-plan.")
	if err != nil {
		return err
	}
	if ok {
		return c.advance(s, lifecycle.StateComplete, "remaining scope resolved")
	}

	s.fixCycles = 0
	s.fixReasons = nil
	return c.reverse(s, lifecycle.StateSynthesis, "scope reduced, re-plan needed")
}

func (c *Coordinator) stepAwaitingApproval(ctx context.Context, s *session) error {
	log := s.machine.Log()
	if len(log) == 0 {
		return fmt.Errorf("task %s: empty transition log in %s: %w",
			s.task, s.machine.Current(), lifecycle.ErrInconsistentLog)
	}
	origin := log[len(log)-1].From
	reason := log[len(log)-1].Reason

	if err := c.escalate(s, reason); err != nil {
		return err
	}

	ok, err := c.approver.Approve(ctx, s.task, "redispatch approval",
		fmt.Sprintf("Escalated from %s: %s. Approve to reset the retry budget and redispatch.",
			origin, reason))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s: redispatch rejected: %w", s.task, ErrHalted)
	}

	// A fresh budget for every sub-worker.
	if err := c.resetStatuses(s, s.rec.SubWorkers); err != nil {
		return err
	}
	return c.advance(s, origin, "operator approved redispatch")
}

func (c *Coordinator) stepComplete(ctx context.Context, s *session) error {
	if s.ws == nil {
		ws, err := c.workspaces.Reattach(ctx, s.task)
		if errors.Is(err, gitws.ErrNoBranch) {
			// Branch already gone: a previous session merged and tore down
			// before losing the lock.
			return c.advance(s, lifecycle.StateCleanup,
				"change-set merged into trunk and verified present")
		}
		if err != nil {
			return err
		}
		s.ws = ws
	}

	before, err := c.workspaces.TrunkTip(ctx)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := c.workspaces.MergeBack(ctx, s.ws)
		if err == nil {
			break
		}
		// MergeBack rebases on every attempt, so losing the ref race is
		// recoverable right here.
		if errors.Is(err, gitws.ErrNonlinearMerge) && attempt < mergeAttempts {
			c.logger.Info("trunk moved during merge, rebasing and retrying",
				"task", s.task, "attempt", attempt)
			continue
		}
		if escErr := c.escalate(s, "merge back failed: "+err.Error()); escErr != nil {
			return escErr
		}
		return err
	}

	after, err := c.workspaces.TrunkTip(ctx)
	if err != nil {
		return err
	}
	mergedRange := before + ".." + after

	if err := s.log.Append(eventlog.Entry{
		Type:    eventlog.EntryMerge,
		Task:    s.task,
		Outcome: "pass",
		Detail:  mergedRange,
	}); err != nil {
		return err
	}

	// The gate ran inside the workspace before the merge; running it once
	// more on the trunk catches interactions with concurrently merged work.
	if gateErr := c.workspaces.RunGate(ctx, c.repoRoot); gateErr != nil {
		if err := s.log.Append(eventlog.Entry{
			Type:    eventlog.EntryMerge,
			Task:    s.task,
			Outcome: "fail",
			Detail:  mergedRange,
		}); err != nil {
			return err
		}
		if err := c.rescue.RevertMerge(ctx, recovery.Finding{
			Task:        s.task,
			Condition:   recovery.ConditionGateFailureAfterMerge,
			RevertRange: mergedRange,
		}); err != nil {
			return err
		}
		if err := c.escalate(s, "post-merge verification failed, merge reverted"); err != nil {
			return err
		}
		return fmt.Errorf("task %s: %v: %w", s.task, gateErr, ErrHalted)
	}

	merged, err := c.workspaces.VerifyMerged(ctx, s.ws)
	if err != nil {
		return err
	}
	if !merged {
		return fmt.Errorf("task %s: %w", s.task, gitws.ErrNotMerged)
	}

	return c.advance(s, lifecycle.StateCleanup,
		"change-set merged into trunk and verified present")
}

// cleanup archives the record, removes status files, tears down the
// workspace, and releases the lock. Each piece tolerates being re-run.
func (c *Coordinator) cleanup(ctx context.Context, s *session) error {
	if err := c.locks.Archive(s.rec); err != nil {
		return err
	}
	if err := status.Remove(c.repoRoot, s.task); err != nil {
		return err
	}
	if s.ws != nil {
		if err := c.workspaces.Teardown(ctx, s.ws); err != nil {
			return err
		}
	}
	if err := c.locks.Release(s.task, c.ownerID); err != nil {
		return err
	}

	c.logger.Info("task complete", "task", s.task)
	return nil
}

// dispatchReports sends mode commands to each worker in turn and waits for a
// passing report, burning the retry budget on failures and malformed output.
func (c *Coordinator) dispatchReports(ctx context.Context, s *session, mode protocol.Mode, workers, instructions []string) error {
	for _, w := range workers {
		if _, err := c.dispatchOne(ctx, s, w, mode, instructions, false); err != nil {
			return err
		}
	}
	return nil
}

// collectDecisions dispatches review commands and gathers one decision per
// worker.
func (c *Coordinator) collectDecisions(ctx context.Context, s *session, instructions []string) (map[string]*protocol.Decision, error) {
	decisions := make(map[string]*protocol.Decision, len(s.rec.SubWorkers))
	for _, w := range s.rec.SubWorkers {
		// Review dispatches always start with a fresh budget and a fresh
		// status record: a reviewer's earlier implementation failures are
		// not held against its reviews.
		if err := status.Save(c.repoRoot, status.New(s.task, w)); err != nil {
			return nil, err
		}
		result, err := c.dispatchOne(ctx, s, w, protocol.ModeReview, instructions, true)
		if err != nil {
			return nil, err
		}
		decisions[w] = result.Decision
	}
	return decisions, nil
}

// dispatchOne runs the retry loop for a single worker. wantDecision selects
// the review contract (one decision) over the report contract (one passing
// report).
func (c *Coordinator) dispatchOne(ctx context.Context, s *session, worker string, mode protocol.Mode, instructions []string, wantDecision bool) (*workunit.Result, error) {
	runner, ok := c.runners[worker]
	if !ok {
		return nil, fmt.Errorf("no runner for worker %q", worker)
	}

	rec, err := status.Load(c.repoRoot, s.task, worker)
	if errors.Is(err, os.ErrNotExist) {
		rec = status.New(s.task, worker)
	} else if err != nil {
		return nil, err
	}

	// A record left complete by an interrupted session means the work is
	// already done; only its unfinished peers get redispatched. Every path
	// that demands rework resets the record first.
	if !wantDecision && rec.Phase == status.PhaseComplete {
		c.logger.Info("sub-worker already complete, skipping dispatch",
			"task", s.task, "worker", worker, "mode", mode)
		return nil, nil
	}

	for {
		if !rec.CanRetry(c.cfg.Retry.MaxAttempts) {
			return nil, fmt.Errorf("worker %s on task %s: %w",
				worker, s.task, status.ErrRetryExhausted)
		}

		rec.MarkWorking()
		if err := status.Save(c.repoRoot, rec); err != nil {
			return nil, err
		}

		cmd := &protocol.Command{
			Kind:          protocol.MessageKindCommand,
			MessageID:     uuid.NewString(),
			Task:          s.task,
			Worker:        worker,
			Mode:          mode,
			ScopeBoundary: s.taskCfg.Scope,
			Instructions:  instructions,
			WorkspaceDir:  s.ws.Dir,
			Attempt:       rec.RetryCount + 1,
		}

		if err := s.log.Append(eventlog.Entry{
			Type:      eventlog.EntryDispatch,
			Task:      s.task,
			Worker:    worker,
			Mode:      string(mode),
			MessageID: cmd.MessageID,
		}); err != nil {
			return nil, err
		}

		result, runErr := runner.Run(ctx, cmd, func(hb *protocol.Heartbeat) {
			rec.Touch()
			if err := status.Save(c.repoRoot, rec); err != nil {
				c.logger.Warn("failed to persist heartbeat", "worker", worker, "error", err)
			}
		})

		if runErr != nil {
			if ctx.Err() != nil {
				return nil, runErr
			}
			c.logger.Warn("dispatch failed",
				"task", s.task, "worker", worker, "error", runErr)
			rec.MarkError(runErr.Error())
			if err := status.Save(c.repoRoot, rec); err != nil {
				return nil, err
			}
			continue
		}

		if wantDecision {
			if result.Decision == nil {
				rec.MarkError("expected a decision, got a report")
				if err := status.Save(c.repoRoot, rec); err != nil {
					return nil, err
				}
				continue
			}
			if err := s.log.Append(eventlog.Entry{
				Type:      eventlog.EntryDecision,
				Task:      s.task,
				Worker:    worker,
				MessageID: cmd.MessageID,
				Outcome:   string(result.Decision.Verdict),
				Detail:    fmt.Sprintf("%v", result.Decision.Reasons),
			}); err != nil {
				return nil, err
			}
			rec.MarkComplete("decision: " + string(result.Decision.Verdict))
			if err := status.Save(c.repoRoot, rec); err != nil {
				return nil, err
			}
			return result, nil
		}

		if result.Report == nil {
			// An implementer may answer with a REJECTED decision: that is
			// the plan-rejection signal, not malformed output.
			if mode == protocol.ModeImplement && result.Decision != nil &&
				result.Decision.Verdict == protocol.VerdictRejected {
				if err := s.log.Append(eventlog.Entry{
					Type:      eventlog.EntryDecision,
					Task:      s.task,
					Worker:    worker,
					MessageID: cmd.MessageID,
					Outcome:   string(result.Decision.Verdict),
					Detail:    fmt.Sprintf("%v", result.Decision.Reasons),
				}); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("worker %s: %s: %w", worker,
					strings.Join(result.Decision.Reasons, "; "), ErrPlanRejected)
			}
			rec.MarkError("expected a report, got a decision")
			if err := status.Save(c.repoRoot, rec); err != nil {
				return nil, err
			}
			continue
		}

		if err := s.log.Append(eventlog.Entry{
			Type:      eventlog.EntryReport,
			Task:      s.task,
			Worker:    worker,
			MessageID: cmd.MessageID,
			Outcome:   string(result.Report.Outcome),
			Detail:    result.Report.Detail,
		}); err != nil {
			return nil, err
		}

		if result.Report.Outcome == protocol.OutcomePass {
			rec.MarkComplete(result.Report.Detail)
			if err := status.Save(c.repoRoot, rec); err != nil {
				return nil, err
			}
			return result, nil
		}

		rec.MarkError(result.Report.Detail)
		if err := status.Save(c.repoRoot, rec); err != nil {
			return nil, err
		}
	}
}

// resetStatuses gives each listed worker a fresh record and retry budget.
func (c *Coordinator) resetStatuses(s *session, workers []string) error {
	for _, w := range workers {
		if err := status.Save(c.repoRoot, status.New(s.task, w)); err != nil {
			return err
		}
	}
	return nil
}

// advance applies a forward transition and persists it everywhere it must
// appear: the machine log, the lock record, and the audit log.
func (c *Coordinator) advance(s *session, to lifecycle.State, evidence string) error {
	if err := s.machine.Advance(to, evidence); err != nil {
		return err
	}
	return c.persistTransition(s)
}

// reverse applies a reversible transition with its mandatory reason.
func (c *Coordinator) reverse(s *session, to lifecycle.State, reason string) error {
	if err := s.machine.Reverse(to, reason); err != nil {
		return err
	}
	return c.persistTransition(s)
}

func (c *Coordinator) persistTransition(s *session) error {
	entries := s.machine.Log()
	last := entries[len(entries)-1]

	s.rec.State = s.machine.Current()
	s.rec.Transitions = entries
	if err := c.locks.Update(s.rec, c.ownerID); err != nil {
		return err
	}

	c.logger.Info("transition",
		"task", s.task, "from", last.From, "to", last.To, "kind", last.Kind)

	return s.log.Append(eventlog.Entry{
		Type:   eventlog.EntryTransition,
		Task:   s.task,
		From:   last.From,
		To:     last.To,
		Reason: last.Reason,
		Detail: last.Evidence,
	})
}

func (c *Coordinator) escalate(s *session, detail string) error {
	c.logger.Warn("escalation", "task", s.task, "detail", detail)
	return s.log.Append(eventlog.Entry{
		Type:   eventlog.EntryEscalation,
		Task:   s.task,
		Detail: detail,
	})
}
