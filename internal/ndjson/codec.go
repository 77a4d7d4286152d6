package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"crewcoord/internal/protocol"
)

// MaxMessageSize is the maximum NDJSON message size (256 KiB).
const MaxMessageSize = 256 * 1024

// Encoder writes NDJSON messages to an output stream.
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder.
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line and flushes it immediately.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

// Decoder reads NDJSON messages from an input stream.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, MaxMessageSize)
	scanner.Buffer(buf, MaxMessageSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Decode reads the next NDJSON message into v, skipping empty lines.
func (d *Decoder) Decode(v any) error {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
		}
		return io.EOF
	}

	d.lineNum++
	data := d.scanner.Bytes()

	if len(data) == 0 {
		return d.Decode(v)
	}

	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"line", d.lineNum,
			"error", err)
		return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}
	return nil
}

// DecodeEnvelope reads the next message and routes it by its kind field.
// An unknown or missing kind is an error; the work-unit contract treats
// that as a retryable failure upstream, never as approval.
func (d *Decoder) DecodeEnvelope() (any, error) {
	var raw json.RawMessage
	if err := d.Decode(&raw); err != nil {
		return nil, err
	}

	var envelope struct {
		Kind protocol.MessageKind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("line %d: failed to parse envelope: %w", d.lineNum, err)
	}

	switch envelope.Kind {
	case protocol.MessageKindCommand:
		var cmd protocol.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode command: %w", d.lineNum, err)
		}
		return &cmd, nil

	case protocol.MessageKindReport:
		var rep protocol.Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode report: %w", d.lineNum, err)
		}
		return &rep, nil

	case protocol.MessageKindDecision:
		var dec protocol.Decision
		if err := json.Unmarshal(raw, &dec); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode decision: %w", d.lineNum, err)
		}
		return &dec, nil

	case protocol.MessageKindHeartbeat:
		var hb protocol.Heartbeat
		if err := json.Unmarshal(raw, &hb); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode heartbeat: %w", d.lineNum, err)
		}
		return &hb, nil

	default:
		d.logger.Warn("unknown message kind",
			"line", d.lineNum,
			"kind", envelope.Kind)
		return nil, fmt.Errorf("line %d: unknown message kind: %q", d.lineNum, envelope.Kind)
	}
}
