package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"crewcoord/internal/eventlog"
	"crewcoord/internal/lifecycle"
	"crewcoord/internal/protocol"
)

var stamp = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestFormatEntry_Transition(t *testing.T) {
	f := NewFormatter()

	out := f.FormatEntry(eventlog.Entry{
		Type:   eventlog.EntryTransition,
		At:     stamp,
		From:   lifecycle.StateInit,
		To:     lifecycle.StateClassified,
		Detail: "lock acquired and workspace created",
	})
	assert.Equal(t, "09:26:53  INIT -> CLASSIFIED (lock acquired and workspace created)", out)
}

func TestFormatEntry_ReversedTransition(t *testing.T) {
	f := NewFormatter()

	out := f.FormatEntry(eventlog.Entry{
		Type:   eventlog.EntryTransition,
		At:     stamp,
		From:   lifecycle.StateValidation,
		To:     lifecycle.StateSynthesis,
		Reason: "verification gate failed",
	})
	assert.Contains(t, out, "VALIDATION -> SYNTHESIS")
	assert.Contains(t, out, "reversed: verification gate failed")
}

func TestFormatEntry_Dispatch(t *testing.T) {
	f := NewFormatter()

	out := f.FormatEntry(eventlog.Entry{
		Type:      eventlog.EntryDispatch,
		At:        stamp,
		Worker:    "style",
		Mode:      "implement",
		MessageID: "0123456789abcdef",
	})
	assert.Equal(t, "09:26:53  [->style] implement dispatch (msg: 01234567)", out)
}

func TestFormatEntry_ReportAndDecision(t *testing.T) {
	f := NewFormatter()

	report := f.FormatEntry(eventlog.Entry{
		Type:    eventlog.EntryReport,
		At:      stamp,
		Worker:  "docs",
		Outcome: "pass",
	})
	assert.Equal(t, "09:26:53  [docs] report: pass", report)

	decision := f.FormatEntry(eventlog.Entry{
		Type:    eventlog.EntryDecision,
		At:      stamp,
		Worker:  "docs",
		Outcome: "REJECTED",
		Detail:  "[missing changelog entry]",
	})
	assert.Contains(t, decision, "decision: REJECTED")
	assert.Contains(t, decision, "missing changelog entry")
}

func TestFormatEntry_Escalation(t *testing.T) {
	f := NewFormatter()

	out := f.FormatEntry(eventlog.Entry{
		Type:   eventlog.EntryEscalation,
		At:     stamp,
		Detail: "sub-worker retry budget exhausted",
	})
	assert.Contains(t, out, "ESCALATION: sub-worker retry budget exhausted")
}

func TestFormatCommand(t *testing.T) {
	f := NewFormatter()

	out := f.FormatCommand(&protocol.Command{
		Task:    "task-1",
		Worker:  "style",
		Mode:    protocol.ModeReview,
		Attempt: 2,
	})
	assert.Equal(t, "[crewcoord->style] review (task: task-1, attempt: 2)", out)
}

func TestFormatHeartbeat(t *testing.T) {
	f := NewFormatter()

	out := f.FormatHeartbeat(&protocol.Heartbeat{Worker: "docs", Seq: 7})
	assert.Equal(t, "[docs] heartbeat seq=7", out)
}
