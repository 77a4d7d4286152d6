package ledger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewcoord/internal/eventlog"
	"crewcoord/internal/lifecycle"
)

func writeLog(t *testing.T, entries []eventlog.Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.ndjson")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	log, err := eventlog.Open(path, logger)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, log.Append(e))
	}
	require.NoError(t, log.Close())
	return path
}

func TestRead_MissingFileIsEmpty(t *testing.T) {
	l, err := Read(filepath.Join(t.TempDir(), "absent.ndjson"))
	require.NoError(t, err)
	assert.Empty(t, l.Entries)
}

func TestRead_MalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{bad json\n"), 0600))

	_, err := Read(path)
	assert.Error(t, err)
}

func TestTransitions(t *testing.T) {
	path := writeLog(t, []eventlog.Entry{
		{Type: eventlog.EntryTransition, Task: "t", From: lifecycle.StateInit, To: lifecycle.StateClassified},
		{Type: eventlog.EntryDispatch, Task: "t", MessageID: "m1"},
		{Type: eventlog.EntryTransition, Task: "t", From: lifecycle.StateClassified, To: lifecycle.StateRequirements},
	})

	l, err := Read(path)
	require.NoError(t, err)

	transitions := l.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, lifecycle.StateRequirements, transitions[1].To)
}

func TestPendingDispatches(t *testing.T) {
	path := writeLog(t, []eventlog.Entry{
		{Type: eventlog.EntryDispatch, Task: "t", Worker: "style", MessageID: "m1"},
		{Type: eventlog.EntryReport, Task: "t", Worker: "style", MessageID: "m1", Outcome: "pass"},
		{Type: eventlog.EntryDispatch, Task: "t", Worker: "docs", MessageID: "m2"},
		{Type: eventlog.EntryDispatch, Task: "t", Worker: "review", MessageID: "m3"},
		{Type: eventlog.EntryDecision, Task: "t", Worker: "review", MessageID: "m3", Outcome: "APPROVED"},
	})

	l, err := Read(path)
	require.NoError(t, err)

	pending := l.PendingDispatches()
	require.Len(t, pending, 1)
	assert.Equal(t, "m2", pending[0].MessageID)
	assert.Equal(t, "docs", pending[0].Worker)
}

func TestLastEscalation(t *testing.T) {
	path := writeLog(t, []eventlog.Entry{
		{Type: eventlog.EntryEscalation, Task: "t", Detail: "first"},
		{Type: eventlog.EntryDispatch, Task: "t", MessageID: "m1"},
		{Type: eventlog.EntryEscalation, Task: "t", Detail: "second"},
	})

	l, err := Read(path)
	require.NoError(t, err)

	e, ok := l.LastEscalation()
	require.True(t, ok)
	assert.Equal(t, "second", e.Detail)
}

func TestLastEscalation_None(t *testing.T) {
	path := writeLog(t, []eventlog.Entry{
		{Type: eventlog.EntryDispatch, Task: "t", MessageID: "m1"},
	})

	l, err := Read(path)
	require.NoError(t, err)

	_, ok := l.LastEscalation()
	assert.False(t, ok)
}
