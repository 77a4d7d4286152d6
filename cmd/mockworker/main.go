package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"crewcoord/internal/ndjson"
	"crewcoord/internal/protocol"
)

// mockworker is a scriptable work unit for exercising the coordinator
// end to end. It reads one command from stdin, emits heartbeats, and
// answers according to its configured behavior.
func main() {
	behavior := flag.String("behavior", "pass",
		"Answer behavior: pass, fail, approve, reject, auto, malformed, silent")
	heartbeats := flag.Int("heartbeats", 1, "Heartbeats to emit before answering")
	delay := flag.Duration("delay", 0, "Delay before answering")
	flag.Parse()

	// Env wins over the flag so one configured worker command can be
	// steered per run.
	if env := os.Getenv("MOCKWORKER_BEHAVIOR"); env != "" {
		*behavior = env
	}

	// stderr for diagnostics, stdout for protocol.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("mock worker starting", "behavior", *behavior, "pid", os.Getpid())

	decoder := ndjson.NewDecoder(os.Stdin, logger)
	encoder := ndjson.NewEncoder(os.Stdout, logger)

	var cmd protocol.Command
	if err := decoder.Decode(&cmd); err != nil {
		logger.Error("failed to read command", "error", err)
		os.Exit(1)
	}
	if cmd.Kind != protocol.MessageKindCommand {
		logger.Error("unexpected message kind", "kind", cmd.Kind)
		os.Exit(1)
	}

	logger.Info("command received",
		"task", cmd.Task, "worker", cmd.Worker, "mode", cmd.Mode, "attempt", cmd.Attempt)

	for seq := int64(1); seq <= int64(*heartbeats); seq++ {
		hb := &protocol.Heartbeat{
			Kind:   protocol.MessageKindHeartbeat,
			Task:   cmd.Task,
			Worker: cmd.Worker,
			Seq:    seq,
			At:     time.Now().UTC(),
		}
		if err := encoder.Encode(hb); err != nil {
			logger.Error("failed to emit heartbeat", "error", err)
			os.Exit(1)
		}
	}

	if *delay > 0 {
		time.Sleep(*delay)
	}

	if err := answer(encoder, &cmd, *behavior); err != nil {
		logger.Error("failed to answer", "error", err)
		os.Exit(1)
	}
	logger.Info("mock worker done")
}

func answer(encoder *ndjson.Encoder, cmd *protocol.Command, behavior string) error {
	// auto answers the way a well-behaved worker would for the mode.
	if behavior == "auto" {
		if cmd.Mode == protocol.ModeReview {
			behavior = "approve"
		} else {
			behavior = "pass"
		}
	}

	switch behavior {
	case "pass":
		return encoder.Encode(report(cmd, protocol.OutcomePass, "done"))
	case "fail":
		return encoder.Encode(report(cmd, protocol.OutcomeFail, "scripted failure"))
	case "approve":
		return encoder.Encode(decision(cmd, protocol.VerdictApproved, nil))
	case "reject":
		return encoder.Encode(decision(cmd, protocol.VerdictRejected,
			[]string{"scripted rejection"}))
	case "malformed":
		_, err := fmt.Fprintln(os.Stdout, "this is not a protocol message")
		return err
	case "silent":
		return nil
	default:
		return fmt.Errorf("unknown behavior %q", behavior)
	}
}

func report(cmd *protocol.Command, outcome protocol.Outcome, detail string) *protocol.Report {
	return &protocol.Report{
		Kind:       protocol.MessageKindReport,
		MessageID:  cmd.MessageID,
		Task:       cmd.Task,
		Worker:     cmd.Worker,
		Outcome:    outcome,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

func decision(cmd *protocol.Command, verdict protocol.Verdict, reasons []string) *protocol.Decision {
	return &protocol.Decision{
		Kind:       protocol.MessageKindDecision,
		MessageID:  cmd.MessageID,
		Task:       cmd.Task,
		Worker:     cmd.Worker,
		Verdict:    verdict,
		Reasons:    reasons,
		OccurredAt: time.Now().UTC(),
	}
}
