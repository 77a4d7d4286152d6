package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"crewcoord/internal/eventlog"
	"crewcoord/internal/ndjson"
)

// Ledger is a parsed audit log. The recovery engine reads it to tell which
// dispatches never produced a report and what the last recorded state was.
type Ledger struct {
	Entries []eventlog.Entry
}

// Read parses an NDJSON audit log file. A missing file yields an empty
// ledger, because a task that never dispatched anything has nothing to
// recover.
func Read(path string) (*Ledger, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Ledger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, ndjson.MaxMessageSize)
	scanner.Buffer(buf, ndjson.MaxMessageSize)

	ledger := &Ledger{}
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e eventlog.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("line %d: failed to parse audit entry: %w", lineNum, err)
		}
		ledger.Entries = append(ledger.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading audit log: %w", err)
	}
	return ledger, nil
}

// Transitions returns the transition entries in order.
func (l *Ledger) Transitions() []eventlog.Entry {
	var out []eventlog.Entry
	for _, e := range l.Entries {
		if e.Type == eventlog.EntryTransition {
			out = append(out, e)
		}
	}
	return out
}

// PendingDispatches returns dispatch entries that have no later report or
// decision with the same message ID. These are the commands that were in
// flight when the session was interrupted.
func (l *Ledger) PendingDispatches() []eventlog.Entry {
	answered := make(map[string]bool)
	for _, e := range l.Entries {
		if e.Type == eventlog.EntryReport || e.Type == eventlog.EntryDecision {
			answered[e.MessageID] = true
		}
	}

	var pending []eventlog.Entry
	for _, e := range l.Entries {
		if e.Type == eventlog.EntryDispatch && !answered[e.MessageID] {
			pending = append(pending, e)
		}
	}
	return pending
}

// LastEscalation returns the most recent escalation entry, if any.
func (l *Ledger) LastEscalation() (eventlog.Entry, bool) {
	for i := len(l.Entries) - 1; i >= 0; i-- {
		if l.Entries[i].Type == eventlog.EntryEscalation {
			return l.Entries[i], true
		}
	}
	return eventlog.Entry{}, false
}
