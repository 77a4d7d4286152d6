package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crewcoord/internal/lifecycle"
	"crewcoord/internal/ndjson"
)

// EntryType classifies an audit entry.
type EntryType string

const (
	EntryTransition EntryType = "transition"
	EntryDispatch   EntryType = "dispatch"
	EntryReport     EntryType = "report"
	EntryDecision   EntryType = "decision"
	EntryEscalation EntryType = "escalation"
	EntryMerge      EntryType = "merge"
	EntryRecovery   EntryType = "recovery"
)

// Entry is one line of the per-task append-only audit log. Escalation
// entries carry the failed guard and enough context for an operator to act
// without re-deriving state.
type Entry struct {
	Type EntryType `json:"type"`
	Task string    `json:"task"`
	At   time.Time `json:"at"`

	// Transition fields.
	From   lifecycle.State `json:"from,omitempty"`
	To     lifecycle.State `json:"to,omitempty"`
	Reason string          `json:"reason,omitempty"`

	// Dispatch/report/decision fields.
	Worker    string `json:"worker,omitempty"`
	Mode      string `json:"mode,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// Log appends audit entries to an NDJSON file, one per line.
type Log struct {
	path    string
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// Open opens (or creates) the audit log for appending.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &Log{
		path:    path,
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Append writes one entry. At is stamped if the caller left it zero.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := l.encoder.Encode(e); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
