package transcript

import (
	"fmt"
	"strings"

	"crewcoord/internal/eventlog"
	"crewcoord/internal/protocol"
)

// Formatter renders audit entries and wire messages for console output.
type Formatter struct{}

// NewFormatter creates a new transcript formatter.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatEntry formats one audit log entry for console display.
func (f *Formatter) FormatEntry(e eventlog.Entry) string {
	stamp := e.At.Format("15:04:05")

	switch e.Type {
	case eventlog.EntryTransition:
		line := fmt.Sprintf("%s  %s -> %s", stamp, e.From, e.To)
		if e.Reason != "" {
			return fmt.Sprintf("%s (reversed: %s)", line, e.Reason)
		}
		if e.Detail != "" {
			return fmt.Sprintf("%s (%s)", line, e.Detail)
		}
		return line

	case eventlog.EntryDispatch:
		return fmt.Sprintf("%s  [->%s] %s dispatch (msg: %s)",
			stamp, e.Worker, e.Mode, shortID(e.MessageID))

	case eventlog.EntryReport:
		return fmt.Sprintf("%s  [%s] report: %s%s",
			stamp, e.Worker, e.Outcome, suffix(e.Detail))

	case eventlog.EntryDecision:
		return fmt.Sprintf("%s  [%s] decision: %s%s",
			stamp, e.Worker, e.Outcome, suffix(e.Detail))

	case eventlog.EntryEscalation:
		return fmt.Sprintf("%s  ESCALATION: %s", stamp, e.Detail)

	case eventlog.EntryMerge:
		return fmt.Sprintf("%s  merge %s: %s", stamp, e.Outcome, e.Detail)

	case eventlog.EntryRecovery:
		return fmt.Sprintf("%s  recovery: %s", stamp, e.Detail)

	default:
		return fmt.Sprintf("%s  %s%s", stamp, e.Type, suffix(e.Detail))
	}
}

// FormatCommand formats an outgoing command for console display.
func (f *Formatter) FormatCommand(cmd *protocol.Command) string {
	return fmt.Sprintf("[crewcoord->%s] %s (task: %s, attempt: %d)",
		cmd.Worker, cmd.Mode, cmd.Task, cmd.Attempt)
}

// FormatHeartbeat formats a heartbeat for console display.
func (f *Formatter) FormatHeartbeat(hb *protocol.Heartbeat) string {
	return fmt.Sprintf("[%s] heartbeat seq=%d", hb.Worker, hb.Seq)
}

func suffix(detail string) string {
	if detail == "" {
		return ""
	}
	return " - " + strings.TrimSpace(detail)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
