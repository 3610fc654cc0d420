// Package output implements the CLI front-end's rendering: text/json/quiet
// formats for streamed ACP events and terminal results, and the exit-code
// mapping every acpx subcommand uses to translate an acpxerr.Error into a
// process exit status. Out of scope of the core per spec §1's non-goals;
// specified here only by the contract the core's Error/Frame types expose.
package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
)

// Format selects how events/results are rendered.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatQuiet Format = "quiet"
)

// Context identifies the stream an event frame belongs to, per spec §4.G
// step 4: "event frames are forwarded to the output formatter context
// {sessionId, requestId, stream}".
type Context struct {
	SessionID string
	RequestID string
	Stream    string
}

// Writer renders frames and errors to an io.Writer in one of Format's three
// styles.
type Writer struct {
	out    io.Writer
	format Format
}

// New returns a Writer rendering in format to out.
func New(out io.Writer, format Format) *Writer {
	return &Writer{out: out, format: format}
}

// Event renders one streamed ACP event frame.
func (w *Writer) Event(ctx Context, f wire.Frame) {
	switch w.format {
	case FormatQuiet:
		return
	case FormatJSON:
		w.writeJSON(map[string]any{
			"type":      "event",
			"sessionId": ctx.SessionID,
			"requestId": ctx.RequestID,
			"stream":    ctx.Stream,
			"message":   json.RawMessage(f.Message),
		})
	default:
		fmt.Fprintf(w.out, "[%s] %s\n", ctx.Stream, string(f.Message))
	}
}

// Result renders a completed submit_prompt's SessionSendResult.
func (w *Writer) Result(ctx Context, res wire.SessionSendResult) {
	switch w.format {
	case FormatQuiet:
		return
	case FormatJSON:
		w.writeJSON(map[string]any{
			"type":      "result",
			"sessionId": ctx.SessionID,
			"requestId": ctx.RequestID,
			"stopReason": res.StopReason,
			"permissionStats": res.PermissionStats,
		})
	default:
		fmt.Fprintf(w.out, "stop reason: %s\n", res.StopReason)
	}
}

// ControlResult renders a cancel/set_mode/set_config_option terminal frame.
func (w *Writer) ControlResult(ctx Context, f wire.Frame) {
	switch w.format {
	case FormatQuiet:
		return
	case FormatJSON:
		m := map[string]any{
			"type":      f.Type,
			"sessionId": ctx.SessionID,
			"requestId": ctx.RequestID,
		}
		if f.Cancelled != nil {
			m["cancelled"] = *f.Cancelled
		}
		w.writeJSON(m)
	default:
		if f.Cancelled != nil {
			fmt.Fprintf(w.out, "cancelled: %v\n", *f.Cancelled)
		} else {
			fmt.Fprintf(w.out, "%s: ok\n", f.Type)
		}
	}
}

// Error renders err. It always prints something (even in quiet mode) since
// an error is actionable information, not routine stream noise.
func (w *Writer) Error(err error) {
	ae, _ := err.(*acpxerr.Error)
	if w.format == FormatJSON {
		m := map[string]any{"type": "error", "message": err.Error()}
		if ae != nil {
			m["code"] = ae.OutputCode
			m["detailCode"] = ae.DetailCode
			m["retryable"] = ae.Retryable
		}
		w.writeJSON(m)
		return
	}
	fmt.Fprintf(w.out, "error: %v\n", err)
}

func (w *Writer) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(w.out, "error: marshaling output: %v\n", err)
		return
	}
	w.out.Write(append(data, '\n'))
}

// ExitCode maps err to a process exit code per spec §4.I; nil maps to
// ExitSuccess and non-acpxerr errors map to ExitError.
func ExitCode(err error) int {
	if err == nil {
		return acpxerr.ExitSuccess
	}
	if ae, ok := err.(*acpxerr.Error); ok {
		return ae.ExitCode()
	}
	return acpxerr.ExitError
}

// FrameToError converts a terminal error frame from the queue protocol into
// an *acpxerr.Error. OutputCode and DetailCode are taken from the frame;
// Origin is always "queue" and Retryable is always false, since an error
// frame carries neither the original origin nor a retryable flag.
func FrameToError(f wire.Frame) error {
	if f.Type != wire.TypeError {
		return nil
	}
	return &acpxerr.Error{
		OutputCode: acpxerr.Kind(f.Code),
		DetailCode: f.DetailCode,
		Origin:     "queue",
		Err:        fmt.Errorf("%s", f.Error),
	}
}
