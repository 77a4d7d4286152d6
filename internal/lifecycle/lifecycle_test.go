package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMachine_StartsAtInit(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StateInit, m.Current())
	assert.Empty(t, m.Log())
}

func TestAdvance_FullForwardPath(t *testing.T) {
	m := NewMachine()

	steps := []struct {
		to       State
		evidence string
	}{
		{StateClassified, "lock held, workspace task/t1 created"},
		{StateRequirements, "risk MEDIUM, sub-workers: style, docs"},
		{StateSynthesis, "reports received from style, docs"},
		{StateImplementation, "plan approved by operator"},
		{StateValidation, "style COMPLETE, docs COMPLETE"},
		{StateReview, "gate: go test ./... passed"},
		{StateComplete, "unanimous approval: style, docs"},
		{StateCleanup, "change-set task/t1 ancestor of main"},
	}

	for _, s := range steps {
		require.NoError(t, m.Advance(s.to, s.evidence), "advance to %s", s.to)
	}

	assert.Equal(t, StateCleanup, m.Current())
	assert.True(t, IsTerminal(m.Current()))
	assert.Len(t, m.Log(), len(steps))
}

func TestAdvance_RejectsIllegalEdge(t *testing.T) {
	m := NewMachine()

	err := m.Advance(StateReview, "skipping ahead")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, StateInit, m.Current(), "failed transition must not move state")
	assert.Empty(t, m.Log())
}

func TestAdvance_RejectsEmptyEvidence(t *testing.T) {
	m := NewMachine()

	err := m.Advance(StateClassified, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGuardNotSatisfied))
}

func TestAdvance_RejectsReversibleEdge(t *testing.T) {
	m := machineAt(t, StateValidation)

	err := m.Advance(StateSynthesis, "gate failed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReasonRequired))
}

func TestReverse_RecordsReason(t *testing.T) {
	m := machineAt(t, StateValidation)

	require.NoError(t, m.Reverse(StateSynthesis, "verification gate failed"))

	assert.Equal(t, StateSynthesis, m.Current())
	log := m.Log()
	last := log[len(log)-1]
	assert.Equal(t, KindReversible, last.Kind)
	assert.Equal(t, "verification gate failed", last.Reason)
}

func TestReverse_RequiresReason(t *testing.T) {
	m := machineAt(t, StateValidation)

	err := m.Reverse(StateSynthesis, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReasonRequired))
}

func TestReverse_RejectsForwardEdge(t *testing.T) {
	m := machineAt(t, StateSynthesis)

	err := m.Reverse(StateImplementation, "not actually a reversal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestConditionalSkip_LowRisk(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Advance(StateClassified, "lock held, workspace created"))
	require.NoError(t, m.Advance(StateComplete, "risk classified LOW"))

	assert.Equal(t, StateComplete, m.Current())
	log := m.Log()
	assert.Equal(t, KindConditionalSkip, log[len(log)-1].Kind)
}

func TestConditionalSkip_DocOnly(t *testing.T) {
	m := machineAt(t, StateSynthesis)
	require.NoError(t, m.Advance(StateComplete, "change classified doc-only"))
	assert.Equal(t, StateComplete, m.Current())
}

func TestEscalation_ToAwaitingApprovalAndBack(t *testing.T) {
	m := machineAt(t, StateImplementation)

	require.NoError(t, m.Reverse(StateAwaitingApproval, "sub-worker style exhausted 3 retries"))
	assert.Equal(t, StateAwaitingApproval, m.Current())

	require.NoError(t, m.Advance(StateImplementation, "operator approved redispatch"))
	assert.Equal(t, StateImplementation, m.Current())
}

func TestResolutionCycle_ScopeNegotiation(t *testing.T) {
	m := machineAt(t, StateReview)

	require.NoError(t, m.Reverse(StateScopeNegotiation, "resolution effort exceeds 2x original scope"))
	require.NoError(t, m.Reverse(StateSynthesis, "scope reduced, re-plan needed"))
	assert.Equal(t, StateSynthesis, m.Current())
}

func TestReplay_ReproducesCurrentState(t *testing.T) {
	m := machineAt(t, StateReview)
	require.NoError(t, m.Reverse(StateScopeNegotiation, "effort blew past 2x"))

	state, err := Replay(m.Log())
	require.NoError(t, err)
	assert.Equal(t, m.Current(), state)
}

func TestReplay_EmptyLogIsInit(t *testing.T) {
	state, err := Replay(nil)
	require.NoError(t, err)
	assert.Equal(t, StateInit, state)
}

func TestReplay_DetectsIllegalEdge(t *testing.T) {
	log := []Entry{
		{From: StateInit, To: StateReview, Kind: KindForward, Evidence: "fabricated"},
	}
	_, err := Replay(log)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestReplay_DetectsBrokenContinuity(t *testing.T) {
	log := []Entry{
		{From: StateInit, To: StateClassified, Kind: KindForward, Evidence: "ok"},
		{From: StateSynthesis, To: StateImplementation, Kind: KindForward, Evidence: "gap"},
	}
	_, err := Replay(log)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistentLog))
}

func TestReplay_DetectsReversibleWithoutReason(t *testing.T) {
	m := machineAt(t, StateValidation)
	log := m.Log()
	log = append(log, Entry{From: StateValidation, To: StateSynthesis, Kind: KindReversible, Evidence: "gate failed"})

	_, err := Replay(log)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistentLog))
}

func TestRestore_RoundTrip(t *testing.T) {
	m := machineAt(t, StateValidation)

	restored, err := Restore(m.Current(), m.Log())
	require.NoError(t, err)
	assert.Equal(t, m.Current(), restored.Current())
	assert.Equal(t, m.Log(), restored.Log())
}

func TestRestore_DetectsStateMismatch(t *testing.T) {
	m := machineAt(t, StateValidation)

	_, err := Restore(StateReview, m.Log())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistentLog))
}

func TestRestore_RejectsUnknownState(t *testing.T) {
	_, err := Restore(State("LIMBO"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownState))
}

func TestRequiresApproval(t *testing.T) {
	assert.True(t, RequiresApproval(StateSynthesis, StateImplementation))
	assert.True(t, RequiresApproval(StateReview, StateComplete))
	assert.False(t, RequiresApproval(StateValidation, StateReview))
	assert.False(t, RequiresApproval(StateComplete, StateCleanup))
}

func TestRules_AllStatesValid(t *testing.T) {
	for _, r := range Rules {
		assert.True(t, ValidState(r.From), "from state %s", r.From)
		assert.True(t, ValidState(r.To), "to state %s", r.To)
		assert.NotEmpty(t, r.Guard)
	}
}

func TestRules_NoEdgeLeavesTerminal(t *testing.T) {
	for _, r := range Rules {
		assert.NotEqual(t, StateCleanup, r.From, "terminal state must have no outgoing edges")
	}
}

// machineAt walks the forward path up to the requested state.
func machineAt(t *testing.T, target State) *Machine {
	t.Helper()

	path := []struct {
		to       State
		evidence string
	}{
		{StateClassified, "lock held, workspace created"},
		{StateRequirements, "risk MEDIUM, sub-workers selected"},
		{StateSynthesis, "all reports received"},
		{StateImplementation, "plan approved"},
		{StateValidation, "all sub-workers COMPLETE"},
		{StateReview, "gate passed"},
	}

	m := NewMachine()
	for _, s := range path {
		if m.Current() == target {
			return m
		}
		require.NoError(t, m.Advance(s.to, s.evidence))
	}
	require.Equal(t, target, m.Current(), "machineAt cannot reach %s", target)
	return m
}
