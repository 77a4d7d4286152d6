package protocol

import (
	"fmt"
	"time"
)

// MessageKind represents the envelope type on the work-unit wire.
type MessageKind string

const (
	MessageKindCommand   MessageKind = "command"
	MessageKindReport    MessageKind = "report"
	MessageKindDecision  MessageKind = "decision"
	MessageKindHeartbeat MessageKind = "heartbeat"
)

// Mode selects what a work unit is asked to do.
type Mode string

const (
	ModeRequirements Mode = "requirements"
	ModeImplement    Mode = "implement"
	ModeReview       Mode = "review"
)

// Command is sent from the coordinator to a work unit. It is the entire
// contract: the unit answers with exactly one Report or one Decision.
type Command struct {
	Kind          MessageKind `json:"kind"`
	MessageID     string      `json:"message_id"`
	Task          string      `json:"task"`
	Worker        string      `json:"worker"`
	Mode          Mode        `json:"mode"`
	ScopeBoundary string      `json:"scope_boundary,omitempty"`
	// Instructions carries reviewer feedback on fix dispatches.
	Instructions []string  `json:"instructions,omitempty"`
	WorkspaceDir string    `json:"workspace_dir"`
	Deadline     time.Time `json:"deadline"`
	Attempt      int       `json:"attempt"`
}

// Outcome is the pass/fail result of a completion report.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// Report is the structured completion report a work unit returns for
// requirements and implement modes.
type Report struct {
	Kind         MessageKind `json:"kind"`
	MessageID    string      `json:"message_id"`
	Task         string      `json:"task"`
	Worker       string      `json:"worker"`
	Outcome      Outcome     `json:"outcome"`
	FilesTouched []string    `json:"files_touched,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Verdict is an explicit review decision. Anything other than the two
// listed values is malformed, and malformed never means approved.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictRejected Verdict = "REJECTED"
)

// Decision is returned by review-mode work units.
type Decision struct {
	Kind       MessageKind `json:"kind"`
	MessageID  string      `json:"message_id"`
	Task       string      `json:"task"`
	Worker     string      `json:"worker"`
	Verdict    Verdict     `json:"verdict"`
	Reasons    []string    `json:"reasons,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Heartbeat is emitted by a work unit while it is busy; the coordinator
// refreshes the sub-worker status record's timestamp from it.
type Heartbeat struct {
	Kind   MessageKind `json:"kind"`
	Task   string      `json:"task"`
	Worker string      `json:"worker"`
	Seq    int64       `json:"seq"`
	At     time.Time   `json:"at"`
}

// Validate checks a report for the fields the coordinator relies on.
func (r *Report) Validate() error {
	if r.Task == "" {
		return fmt.Errorf("report missing task")
	}
	if r.Outcome != OutcomePass && r.Outcome != OutcomeFail {
		return fmt.Errorf("report has invalid outcome %q", r.Outcome)
	}
	return nil
}

// Validate checks a decision. An unknown verdict is an error, never an
// implicit approval.
func (d *Decision) Validate() error {
	if d.Task == "" {
		return fmt.Errorf("decision missing task")
	}
	if d.Verdict != VerdictApproved && d.Verdict != VerdictRejected {
		return fmt.Errorf("decision has invalid verdict %q", d.Verdict)
	}
	if d.Verdict == VerdictRejected && len(d.Reasons) == 0 {
		return fmt.Errorf("rejection must carry reasons")
	}
	return nil
}
