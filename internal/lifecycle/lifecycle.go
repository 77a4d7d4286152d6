package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// State is a task lifecycle state. The set is closed: anything not listed
// here is rejected, and anything not in the transition table is an illegal
// edge rather than a discouraged one.
type State string

const (
	StateInit             State = "INIT"
	StateClassified       State = "CLASSIFIED"
	StateRequirements     State = "REQUIREMENTS"
	StateSynthesis        State = "SYNTHESIS"
	StateImplementation   State = "IMPLEMENTATION"
	StateValidation       State = "VALIDATION"
	StateReview           State = "REVIEW"
	StateScopeNegotiation State = "SCOPE_NEGOTIATION"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateComplete         State = "COMPLETE"
	StateCleanup          State = "CLEANUP"
)

// Kind classifies a transition.
type Kind string

const (
	// KindForward transitions are irreversible progress.
	KindForward Kind = "forward"
	// KindConditionalSkip transitions jump ahead when a classification makes
	// intermediate states unnecessary.
	KindConditionalSkip Kind = "conditional_skip"
	// KindReversible transitions move backward in a resolution cycle and must
	// record the guard whose failure caused them.
	KindReversible Kind = "reversible"
)

// Rule is one edge of the transition table. Guard is the condition the
// coordinator must establish before the edge may be taken; the engine records
// the evidence, the coordinator evaluates it.
type Rule struct {
	From  State
	To    State
	Kind  Kind
	Guard string
}

// Rules is the complete transition table.
var Rules = []Rule{
	{StateInit, StateClassified, KindForward, "lock acquired and workspace created"},
	{StateClassified, StateRequirements, KindForward, "risk classified and sub-workers selected"},
	{StateClassified, StateComplete, KindConditionalSkip, "risk classified LOW"},
	{StateRequirements, StateSynthesis, KindForward, "all required sub-worker reports received"},
	{StateRequirements, StateAwaitingApproval, KindReversible, "sub-worker retry budget exhausted"},
	{StateSynthesis, StateImplementation, KindForward, "plan approved by controlling party"},
	{StateSynthesis, StateComplete, KindConditionalSkip, "change classified config/doc-only"},
	{StateImplementation, StateValidation, KindForward, "all sub-workers report COMPLETE"},
	{StateImplementation, StateSynthesis, KindReversible, "a sub-worker rejected the plan"},
	{StateImplementation, StateAwaitingApproval, KindReversible, "sub-worker retry budget exhausted"},
	{StateValidation, StateReview, KindForward, "full verification gate passed"},
	{StateValidation, StateSynthesis, KindReversible, "verification gate failed"},
	{StateReview, StateComplete, KindForward, "unanimous approval from all sub-workers"},
	{StateReview, StateScopeNegotiation, KindReversible, "resolution effort exceeds 2x original scope"},
	{StateScopeNegotiation, StateSynthesis, KindReversible, "scope reduced, re-plan needed"},
	{StateScopeNegotiation, StateComplete, KindForward, "remaining scope resolved"},
	{StateAwaitingApproval, StateRequirements, KindForward, "operator approved redispatch"},
	{StateAwaitingApproval, StateImplementation, KindForward, "operator approved redispatch"},
	{StateComplete, StateCleanup, KindForward, "change-set merged into trunk and verified present"},
}

// Sentinel errors for transition validation.
var (
	ErrIllegalTransition  = errors.New("transition not in table")
	ErrGuardNotSatisfied  = errors.New("guard not satisfied")
	ErrReasonRequired     = errors.New("reversible transition requires a reason")
	ErrInconsistentLog    = errors.New("transition log inconsistent with state")
	ErrUnknownState       = errors.New("unknown state")
)

// Entry is one applied transition. Entries are append-only; the log of a task
// is always a prefix of a legal path through the table.
type Entry struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	Kind     Kind      `json:"kind"`
	At       time.Time `json:"at"`
	Evidence string    `json:"evidence"`
	// Reason is set on reversible transitions only: which guard failed,
	// so an audit can tell a normal backward cycle from corruption.
	Reason string `json:"reason,omitempty"`
}

// FindRule looks up the table edge from -> to.
func FindRule(from, to State) (Rule, bool) {
	for _, r := range Rules {
		if r.From == from && r.To == to {
			return r, true
		}
	}
	return Rule{}, false
}

// ValidState reports whether s is in the closed state set.
func ValidState(s State) bool {
	switch s {
	case StateInit, StateClassified, StateRequirements, StateSynthesis,
		StateImplementation, StateValidation, StateReview,
		StateScopeNegotiation, StateAwaitingApproval, StateComplete,
		StateCleanup:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is the terminal state.
func IsTerminal(s State) bool {
	return s == StateCleanup
}

// RequiresApproval reports whether the edge from -> to is one of the two
// mandatory external-approval checkpoints. The coordinator must block
// indefinitely at these edges until an explicit approval signal arrives;
// there is no timeout and no default.
func RequiresApproval(from, to State) bool {
	return (from == StateSynthesis && to == StateImplementation) ||
		(from == StateReview && to == StateComplete)
}

// Machine validates and applies transitions for a single task.
type Machine struct {
	current State
	log     []Entry
}

// NewMachine returns a machine in the initial state with an empty log.
func NewMachine() *Machine {
	return &Machine{current: StateInit}
}

// Restore rebuilds a machine from a persisted log and cross-checks it
// against the recorded current state. A mismatch means the persisted record
// was corrupted, not that the caller took an illegal shortcut.
func Restore(current State, log []Entry) (*Machine, error) {
	if !ValidState(current) {
		return nil, fmt.Errorf("%q: %w", current, ErrUnknownState)
	}

	replayed, err := Replay(log)
	if err != nil {
		return nil, err
	}
	if replayed != current {
		return nil, fmt.Errorf("log replays to %s but record says %s: %w",
			replayed, current, ErrInconsistentLog)
	}

	m := &Machine{current: current, log: make([]Entry, len(log))}
	copy(m.log, log)
	return m, nil
}

// Replay walks a transition log from INIT, validating every edge against the
// table, and returns the resulting state.
func Replay(log []Entry) (State, error) {
	state := StateInit
	for i, e := range log {
		if e.From != state {
			return "", fmt.Errorf("entry %d: from %s but state is %s: %w",
				i, e.From, state, ErrInconsistentLog)
		}
		rule, ok := FindRule(e.From, e.To)
		if !ok {
			return "", fmt.Errorf("entry %d: %s -> %s: %w", i, e.From, e.To, ErrIllegalTransition)
		}
		if rule.Kind == KindReversible && e.Reason == "" {
			return "", fmt.Errorf("entry %d: %s -> %s recorded without reason: %w",
				i, e.From, e.To, ErrInconsistentLog)
		}
		state = e.To
	}
	return state, nil
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	return m.current
}

// Log returns a copy of the transition log.
func (m *Machine) Log() []Entry {
	out := make([]Entry, len(m.log))
	copy(out, m.log)
	return out
}

// Advance applies a forward or conditional-skip transition to the given
// state. Evidence is the caller's proof that the guard held; it is recorded
// verbatim in the log and must not be empty.
func (m *Machine) Advance(to State, evidence string) error {
	rule, err := m.check(to, evidence)
	if err != nil {
		return err
	}
	if rule.Kind == KindReversible {
		return fmt.Errorf("%s -> %s is reversible: %w", m.current, to, ErrReasonRequired)
	}

	m.apply(rule, evidence, "")
	return nil
}

// Reverse applies a reversible transition. Reason names the guard that
// failed and forced the backward cycle; it is mandatory.
func (m *Machine) Reverse(to State, reason string) error {
	if reason == "" {
		return fmt.Errorf("%s -> %s: %w", m.current, to, ErrReasonRequired)
	}

	rule, err := m.check(to, reason)
	if err != nil {
		return err
	}
	if rule.Kind != KindReversible {
		return fmt.Errorf("%s -> %s is %s, not reversible: %w",
			m.current, to, rule.Kind, ErrIllegalTransition)
	}

	m.apply(rule, reason, reason)
	return nil
}

func (m *Machine) check(to State, evidence string) (Rule, error) {
	rule, ok := FindRule(m.current, to)
	if !ok {
		return Rule{}, fmt.Errorf("%s -> %s: %w", m.current, to, ErrIllegalTransition)
	}
	if evidence == "" {
		return Rule{}, fmt.Errorf("%s -> %s: missing evidence for guard %q: %w",
			m.current, to, rule.Guard, ErrGuardNotSatisfied)
	}
	return rule, nil
}

func (m *Machine) apply(rule Rule, evidence, reason string) {
	m.log = append(m.log, Entry{
		From:     rule.From,
		To:       rule.To,
		Kind:     rule.Kind,
		At:       time.Now().UTC(),
		Evidence: evidence,
		Reason:   reason,
	})
	m.current = rule.To
}
