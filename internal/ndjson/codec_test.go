package ndjson

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewcoord/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncodeDecode_Command(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, testLogger())

	cmd := &protocol.Command{
		Kind:      protocol.MessageKindCommand,
		MessageID: "msg-1",
		Task:      "task-1",
		Worker:    "style",
		Mode:      protocol.ModeReview,
	}
	require.NoError(t, enc.Encode(cmd))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"), "encoded message must end with newline")

	dec := NewDecoder(&buf, testLogger())
	msg, err := dec.DecodeEnvelope()
	require.NoError(t, err)

	decoded, ok := msg.(*protocol.Command)
	require.True(t, ok)
	assert.Equal(t, "task-1", decoded.Task)
	assert.Equal(t, protocol.ModeReview, decoded.Mode)
}

func TestDecodeEnvelope_AllKinds(t *testing.T) {
	input := strings.Join([]string{
		`{"kind":"report","message_id":"m1","task":"t","worker":"w","outcome":"pass"}`,
		`{"kind":"decision","message_id":"m2","task":"t","worker":"w","verdict":"REJECTED","reasons":["r"]}`,
		`{"kind":"heartbeat","task":"t","worker":"w","seq":1}`,
	}, "\n") + "\n"

	dec := NewDecoder(strings.NewReader(input), testLogger())

	msg, err := dec.DecodeEnvelope()
	require.NoError(t, err)
	_, ok := msg.(*protocol.Report)
	assert.True(t, ok)

	msg, err = dec.DecodeEnvelope()
	require.NoError(t, err)
	decision, ok := msg.(*protocol.Decision)
	require.True(t, ok)
	assert.Equal(t, protocol.VerdictRejected, decision.Verdict)

	msg, err = dec.DecodeEnvelope()
	require.NoError(t, err)
	_, ok = msg.(*protocol.Heartbeat)
	assert.True(t, ok)

	_, err = dec.DecodeEnvelope()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeEnvelope_UnknownKind(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"kind":"surprise"}`+"\n"), testLogger())

	_, err := dec.DecodeEnvelope()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message kind")
}

func TestDecodeEnvelope_MissingKind(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"task":"t"}`+"\n"), testLogger())

	_, err := dec.DecodeEnvelope()
	assert.Error(t, err)
}

func TestDecode_SkipsEmptyLines(t *testing.T) {
	input := "\n\n" + `{"kind":"heartbeat","task":"t","worker":"w","seq":7}` + "\n"
	dec := NewDecoder(strings.NewReader(input), testLogger())

	msg, err := dec.DecodeEnvelope()
	require.NoError(t, err)
	hb, ok := msg.(*protocol.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, int64(7), hb.Seq)
}

func TestDecode_MalformedJSON(t *testing.T) {
	dec := NewDecoder(strings.NewReader("{broken\n"), testLogger())

	var v map[string]any
	err := dec.Decode(&v)
	assert.Error(t, err)
}

func TestEncode_RejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, testLogger())

	huge := &protocol.Report{
		Kind:   protocol.MessageKindReport,
		Task:   "t",
		Detail: strings.Repeat("x", MaxMessageSize),
	}
	err := enc.Encode(huge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
	assert.Zero(t, buf.Len(), "oversized message must not be partially written")
}
