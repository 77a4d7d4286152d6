package workunit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"crewcoord/internal/config"
	"crewcoord/internal/ndjson"
	"crewcoord/internal/protocol"
)

// Sentinel errors for dispatch outcomes. All three count against the
// sub-worker's retry budget; none of them ever counts as approval.
var (
	// ErrMalformed means the work unit produced output that violates the
	// message contract: bad JSON, a wrong message_id, or an invalid verdict.
	ErrMalformed = errors.New("malformed work-unit output")
	// ErrTimeout means the work unit did not answer before its deadline.
	ErrTimeout = errors.New("work unit deadline exceeded")
	// ErrExited means the process ended without producing a report or
	// decision.
	ErrExited = errors.New("work unit exited without answering")
)

// Result is the single answer a work unit returns for one command: a
// completion report, or a decision (review verdicts, and an implementer's
// rejection of the plan). Exactly one field is set.
type Result struct {
	Report   *protocol.Report
	Decision *protocol.Decision
}

// HeartbeatFunc is called for each heartbeat a running unit emits.
type HeartbeatFunc func(*protocol.Heartbeat)

// Runner dispatches one command to a work unit and waits for its answer.
type Runner interface {
	Run(ctx context.Context, cmd *protocol.Command, onHeartbeat HeartbeatFunc) (*Result, error)
}

// ProcessRunner runs each command as its own subprocess: the command goes
// to the unit's stdin as one NDJSON line, stdin is closed, and the unit's
// stdout is read until it answers or the deadline passes.
type ProcessRunner struct {
	cfg    config.WorkerConfig
	logger *slog.Logger
}

// NewProcessRunner creates a runner for one configured worker.
func NewProcessRunner(cfg config.WorkerConfig, logger *slog.Logger) *ProcessRunner {
	return &ProcessRunner{cfg: cfg, logger: logger}
}

// Run executes the command. Heartbeats are forwarded to onHeartbeat as they
// arrive; the first report or decision ends the dispatch.
func (r *ProcessRunner) Run(ctx context.Context, cmd *protocol.Command, onHeartbeat HeartbeatFunc) (*Result, error) {
	deadline := cmd.Deadline
	if deadline.IsZero() && r.cfg.TimeoutS > 0 {
		deadline = time.Now().Add(time.Duration(r.cfg.TimeoutS) * time.Second)
	}
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	proc := exec.CommandContext(ctx, r.cfg.Cmd[0], r.cfg.Cmd[1:]...)
	proc.Dir = cmd.WorkspaceDir

	proc.Env = os.Environ()
	proc.Env = append(proc.Env,
		"CREWCOORD_TASK="+cmd.Task,
		"CREWCOORD_WORKER="+cmd.Worker,
		"CREWCOORD_MODE="+string(cmd.Mode),
	)
	for k, v := range r.cfg.Env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start work unit: %w", err)
	}

	r.logger.Info("work unit started",
		"task", cmd.Task,
		"worker", cmd.Worker,
		"mode", cmd.Mode,
		"pid", proc.Process.Pid,
		"attempt", cmd.Attempt)

	go r.drainStderr(cmd.Worker, stderr)

	// One command per process: send it and signal EOF.
	encoder := ndjson.NewEncoder(stdin, r.logger)
	if err := encoder.Encode(cmd); err != nil {
		proc.Process.Kill()
		proc.Wait()
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	stdin.Close()

	result, runErr := r.readAnswer(ctx, cmd, ndjson.NewDecoder(stdout, r.logger), onHeartbeat)

	r.reap(proc, runErr != nil)

	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

// readAnswer consumes the unit's stdout until a report or decision arrives.
func (r *ProcessRunner) readAnswer(ctx context.Context, cmd *protocol.Command, decoder *ndjson.Decoder, onHeartbeat HeartbeatFunc) (*Result, error) {
	for {
		msg, err := decoder.DecodeEnvelope()
		if err == io.EOF {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("worker %s: %w", cmd.Worker, ErrTimeout)
			}
			return nil, fmt.Errorf("worker %s: %w", cmd.Worker, ErrExited)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("worker %s: %w", cmd.Worker, ErrTimeout)
			}
			return nil, fmt.Errorf("worker %s: %v: %w", cmd.Worker, err, ErrMalformed)
		}

		switch v := msg.(type) {
		case *protocol.Heartbeat:
			r.logger.Debug("heartbeat", "task", v.Task, "worker", v.Worker, "seq", v.Seq)
			if onHeartbeat != nil {
				onHeartbeat(v)
			}

		case *protocol.Report:
			if v.MessageID != cmd.MessageID {
				return nil, fmt.Errorf("worker %s: report message_id %q does not answer %q: %w",
					cmd.Worker, v.MessageID, cmd.MessageID, ErrMalformed)
			}
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("worker %s: %v: %w", cmd.Worker, err, ErrMalformed)
			}
			return &Result{Report: v}, nil

		case *protocol.Decision:
			if v.MessageID != cmd.MessageID {
				return nil, fmt.Errorf("worker %s: decision message_id %q does not answer %q: %w",
					cmd.Worker, v.MessageID, cmd.MessageID, ErrMalformed)
			}
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("worker %s: %v: %w", cmd.Worker, err, ErrMalformed)
			}
			return &Result{Decision: v}, nil

		default:
			return nil, fmt.Errorf("worker %s: unexpected %T on the wire: %w", cmd.Worker, msg, ErrMalformed)
		}
	}
}

// reap waits for the process to exit, killing it after a grace period.
// Stdin is already closed, so a well-behaved unit exits on its own.
func (r *ProcessRunner) reap(proc *exec.Cmd, failed bool) {
	if failed {
		proc.Process.Kill()
		proc.Wait()
		return
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("work unit exited with error", "error", err)
		}
	case <-time.After(5 * time.Second):
		r.logger.Warn("work unit did not exit after answering, killing")
		proc.Process.Kill()
		<-done
	}
}

func (r *ProcessRunner) drainStderr(worker string, stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		r.logger.Debug("work unit stderr", "worker", worker, "line", scanner.Text())
	}
}
