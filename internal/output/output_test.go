package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
)

func TestEventTextFormat(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, FormatText)
	w.Event(Context{Stream: "prompt"}, wire.EventFrame("r1", []byte(`{"jsonrpc":"2.0"}`)))
	assert.Equal(t, "[prompt] {\"jsonrpc\":\"2.0\"}\n", buf.String())
}

func TestEventQuietFormatWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, FormatQuiet)
	w.Event(Context{Stream: "prompt"}, wire.EventFrame("r1", []byte(`{}`)))
	assert.Empty(t, buf.String())
}

func TestResultJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, FormatJSON)
	w.Result(Context{SessionID: "s1", RequestID: "r1"}, wire.SessionSendResult{StopReason: "end_turn"})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "end_turn", decoded["stopReason"])
	assert.Equal(t, "s1", decoded["sessionId"])
}

func TestErrorAlwaysPrintsEvenInQuietMode(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, FormatQuiet)
	w.Error(acpxerr.NoSession("runtime", "ACP_SESSION_NOT_FOUND", nil))
	assert.Contains(t, buf.String(), "error:")
}

func TestExitCodeMapsAcpxError(t *testing.T) {
	assert.Equal(t, acpxerr.ExitSuccess, ExitCode(nil))
	assert.Equal(t, acpxerr.ExitNoSession, ExitCode(acpxerr.NoSession("runtime", "X", nil)))
	assert.Equal(t, acpxerr.ExitError, ExitCode(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestFrameToError(t *testing.T) {
	f := wire.ErrorFrame("r1", "TIMEOUT", "QUEUE_CONTROL_REQUEST_FAILED", "timed out")
	err := FrameToError(f)
	require.Error(t, err)
	ae, ok := err.(*acpxerr.Error)
	require.True(t, ok)
	assert.Equal(t, acpxerr.KindTimeout, ae.OutputCode)
	assert.Equal(t, acpxerr.ExitTimeout, ae.ExitCode())
}

func TestFrameToErrorNonErrorFrameIsNil(t *testing.T) {
	assert.Nil(t, FrameToError(wire.AcceptedFrame("r1")))
}
