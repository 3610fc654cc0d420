// Package owner implements component B: the queue-owner server that a
// session's leader process runs for as long as it holds the lease (A). It
// accepts one NDJSON request per connection, queues submit_prompt tasks to
// a single-turn dispatch loop (C+D), and invokes control requests directly
// against the live turn controller.
package owner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/acpx-dev/acpx/internal/acpsupervisor"
	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/ipcsession/lease"
	"github.com/acpx-dev/acpx/internal/ipcsession/turn"
	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
	"github.com/acpx-dev/acpx/internal/sessionstore"
)

// Config wires one Server to its session's durable and live state.
type Config struct {
	Logger *zap.Logger

	Lease    *lease.Lease
	Store    *sessionstore.Store
	EventLog *sessionstore.EventLog
	RecordID string

	// Supervisor is already Start()-ed by the caller (component D), and its
	// session already created or loaded.
	Supervisor *acpsupervisor.Supervisor

	// FallbackConfig builds short-lived supervisors for the set_mode/
	// set_config_option fallback path (spec §4.C step 4) when no turn is
	// in flight to apply the RPC against directly.
	FallbackConfig acpsupervisor.Config

	// TTL bounds how long the dispatch loop waits for a queued task before
	// beginning idle shutdown (spec §4.C step 1).
	TTL time.Duration
	// ShutdownGrace bounds how long Close waits for an in-flight prompt to
	// return "cancelled" before the supervisor force-kills its child.
	ShutdownGrace time.Duration
}

// Server is component B for one session.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	listener net.Listener
	turn     *turn.Controller
	queue    *Queue

	mu         sync.Mutex
	record     *sessionstore.SessionRecord
	activeTask *Task
	closeOnce  sync.Once
}

// New constructs a Server. Listen must be called before Serve.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2500 * time.Millisecond
	}
	rec, err := cfg.Store.Load(cfg.RecordID)
	if err != nil {
		return nil, fmt.Errorf("owner: loading record %s: %w", cfg.RecordID, err)
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("component", "queue-owner"), zap.String("recordId", cfg.RecordID)),
		turn:   turn.New(),
		queue:  NewQueue(),
		record: rec,
	}
	cfg.Supervisor.SetUpdateHandler(s.onSessionUpdate)
	return s, nil
}

// Listen binds the session's leased socket/pipe.
func (s *Server) Listen() error {
	l, err := listen(s.cfg.Lease.SocketPath)
	if err != nil {
		return fmt.Errorf("owner: listen: %w", err)
	}
	s.listener = l
	return nil
}

// Serve runs the accept loop and the dispatch loop until ctx is cancelled,
// the idle TTL elapses, or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		if s.listener != nil {
			s.listener.Close()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.dispatchLoop(ctx, cancel)
	}()

	err := s.acceptLoop(ctx)
	cancel()
	wg.Wait()
	s.Close()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("accept error", zap.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 16*1024*1024)
	if !scanner.Scan() {
		return
	}

	var req wire.Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeFrame(conn, wire.ErrorFrame("", "RUNTIME", wire.DetailRequestPayloadInvalidJSON, err.Error()))
		return
	}
	if req.RequestID == "" || req.Kind == "" {
		writeFrame(conn, wire.ErrorFrame(req.RequestID, "USAGE", wire.DetailRequestInvalid, "kind and requestId are required"))
		return
	}

	if !writeFrame(conn, wire.AcceptedFrame(req.RequestID)) {
		return
	}

	switch req.Kind {
	case wire.KindSubmitPrompt:
		s.handleSubmit(ctx, conn, req)
	case wire.KindCancelPrompt:
		s.handleCancel(conn, req)
	case wire.KindSetMode:
		s.handleSetMode(ctx, conn, req)
	case wire.KindSetConfigOpt:
		s.handleSetConfig(ctx, conn, req)
	default:
		writeFrame(conn, wire.ErrorFrame(req.RequestID, "USAGE", wire.DetailRequestInvalid, "unknown request kind: "+req.Kind))
	}
}

// handleSubmit implements spec §4.B's submit_prompt branch: enqueue, then
// either close immediately (fire-and-forget) or stream events + the result
// frame until the turn completes.
func (s *Server) handleSubmit(ctx context.Context, conn net.Conn, req wire.Request) {
	task := NewTask(req)
	s.queue.Enqueue(task)

	if !req.WaitForCompletion {
		return
	}
	defer task.Close()

	for {
		select {
		case f, ok := <-task.Events():
			if !ok {
				return
			}
			if !writeFrame(conn, f) {
				return
			}
		case f := <-task.Result():
			writeFrame(conn, f)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleCancel(conn net.Conn, req wire.Request) {
	if s.turn.IsClosing() {
		writeFrame(conn, wire.ErrorFrame(req.RequestID, "RUNTIME", wire.DetailOwnerClosing, turn.ErrOwnerClosingMsg))
		return
	}
	cancelled := s.turn.Cancel()
	writeFrame(conn, wire.Frame{Type: wire.TypeCancelResult, RequestID: req.RequestID, Cancelled: &cancelled})
}

func (s *Server) handleSetMode(ctx context.Context, conn net.Conn, req wire.Request) {
	err := s.runControlRequest(ctx, req, func(active turn.ActiveController) error {
		return active.SetSessionMode(req.ModeID)
	}, func(ctx context.Context) error {
		return s.fallbackSetMode(ctx, req.ModeID)
	})
	if err != nil {
		writeFrame(conn, controlErrorFrame(req.RequestID, err))
		return
	}
	writeFrame(conn, wire.Frame{Type: wire.TypeSetModeResult, RequestID: req.RequestID})
}

func (s *Server) handleSetConfig(ctx context.Context, conn net.Conn, req wire.Request) {
	err := s.runControlRequest(ctx, req, func(active turn.ActiveController) error {
		return active.SetSessionConfigOption(req.ConfigID, req.Value)
	}, func(ctx context.Context) error {
		return s.fallbackSetConfig(ctx, req.ConfigID, req.Value)
	})
	if err != nil {
		writeFrame(conn, controlErrorFrame(req.RequestID, err))
		return
	}
	writeFrame(conn, wire.Frame{Type: wire.TypeSetConfigOptResult, RequestID: req.RequestID})
}

// runControlRequest implements spec §4.C step 4: if a turn is active, run
// onActive against it through a timeout wrapper; otherwise run the
// short-lived fallback reconnect, also bounded by timeoutMs.
func (s *Server) runControlRequest(ctx context.Context, req wire.Request, onActive func(turn.ActiveController) error, fallback func(context.Context) error) error {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	handled, err := s.turn.WithActive(func(active turn.ActiveController) error {
		return runWithTimeout(timeout, func() error { return onActive(active) })
	})
	if handled {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fallback(cctx)
}

// runWithTimeout runs fn in a goroutine and waits up to timeout; ActiveController
// methods are synchronous (no context), so this is the only cancellation
// surface available for them.
func runWithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return acpxerr.Timeout("queue", wire.DetailControlRequestFailed, fmt.Errorf("control request timed out after %s", timeout))
	}
}

func (s *Server) fallbackSetMode(ctx context.Context, modeID string) error {
	sup, err := s.reconnectFallback(ctx)
	if err != nil {
		return err
	}
	defer sup.Close()
	return sup.SetSessionMode(modeID)
}

func (s *Server) fallbackSetConfig(ctx context.Context, configID string, value any) error {
	sup, err := s.reconnectFallback(ctx)
	if err != nil {
		return err
	}
	defer sup.Close()
	return sup.SetSessionConfigOption(configID, value)
}

// reconnectFallback spins up a short-lived supervisor, loads the session,
// and returns it for a single RPC, per spec §4.C step 4 / §4.G's reuse of
// the same reconnect shape for the submitter's own fallback.
func (s *Server) reconnectFallback(ctx context.Context) (*acpsupervisor.Supervisor, error) {
	rec := s.getRecord()
	sup := acpsupervisor.New(s.cfg.FallbackConfig)
	if err := sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("owner: fallback start: %w", err)
	}
	if err := sup.LoadSession(ctx, rec.ACPSessionID, rec.CWD); err != nil {
		sup.Close()
		return nil, fmt.Errorf("owner: fallback load session: %w", err)
	}
	return sup, nil
}

func controlErrorFrame(requestID string, err error) wire.Frame {
	ae := normalizeErr(wire.DetailControlRequestFailed, err)
	return wire.ErrorFrame(requestID, string(ae.OutputCode), ae.DetailCode, ae.Error())
}

// normalizeErr applies spec §4.I's normalization to any error surfacing
// from the turn/supervisor layer: an already-normalized *acpxerr.Error
// (e.g. from runWithTimeout) passes through unchanged; an error wrapping an
// ACP JSON-RPC error response goes through acpxerr.FromACPError so
// -32001/-32002 and message-based "session not found" reach NO_SESSION;
// anything else falls back to a RUNTIME error tagged with defaultDetail.
func normalizeErr(defaultDetail string, err error) *acpxerr.Error {
	var ae *acpxerr.Error
	if errors.As(err, &ae) {
		return ae
	}
	if code, msg, ok := acpsupervisor.ExtractRPCError(err); ok {
		return acpxerr.FromACPError(code, msg, err)
	}
	return acpxerr.Runtime("queue", defaultDetail, err)
}

// dispatchLoop is component C's loop: pull one submit task at a time, run
// it to completion through the ACP supervisor, then go idle. It exits (and
// triggers server shutdown) once TTL elapses with no queued task.
func (s *Server) dispatchLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		task, ok := s.queue.Next(ctx, s.cfg.TTL)
		if ctx.Err() != nil {
			return
		}
		if !ok {
			s.logger.Info("idle TTL elapsed, shutting down")
			cancel()
			return
		}
		s.runTurn(ctx, task)
	}
}

func (s *Server) runTurn(ctx context.Context, task *Task) {
	sup := s.cfg.Supervisor
	if !s.turn.BeginTurn(sup) {
		task.Resolve(wire.ErrorFrame(task.RequestID, "RUNTIME", wire.DetailControlRequestFailed, "a turn is already in flight"))
		task.Close()
		return
	}

	sup.SetPermissionPolicy(acpsupervisor.PermissionPolicy{
		Mode:           task.Request.PermissionMode,
		NonInteractive: toSet(task.Request.NonInteractivePermissions),
	})

	s.mu.Lock()
	s.activeTask = task
	rec := s.record
	s.mu.Unlock()

	started := time.Now()
	s.turn.MarkPromptActive()
	s.turn.ApplyPendingCancel()

	stopReason, err := sup.Prompt(ctx, rec.ACPSessionID, task.Request.Message)

	s.mu.Lock()
	s.activeTask = nil
	s.mu.Unlock()

	s.turn.EndTurn()

	if err != nil {
		ae := normalizeErr("ACP_PROMPT_FAILED", err)
		task.Resolve(wire.ErrorFrame(task.RequestID, string(ae.OutputCode), ae.DetailCode, ae.Error()))
		task.Close()
		return
	}

	rec = s.finishTurn(task, stopReason, started)
	result := wire.SessionSendResult{
		StopReason:     stopReason,
		PermissionStats: sup.PermissionStats(),
		Record:         rec,
	}
	task.Resolve(wire.Frame{Type: wire.TypeResult, RequestID: task.RequestID, Result: &result})
	task.Close()
}

// finishTurn updates and persists the session record's turn history and
// usage timestamps after a completed prompt.
func (s *Server) finishTurn(task *Task, stopReason string, started time.Time) *sessionstore.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.record.LastUsedAt = now
	s.record.LastPromptAt = now
	s.record.PushTurnHistory(sessionstore.TurnHistoryEntry{
		RequestID:     task.RequestID,
		PromptPreview: previewOf(task.Request.Message),
		StopReason:    stopReason,
		StartedAt:     started.UTC(),
		EndedAt:       now,
	})
	if err := s.cfg.Store.Save(s.record); err != nil {
		s.logger.Warn("saving record after turn", zap.Error(err))
	}
	return s.record
}

func previewOf(message string) string {
	const max = 200
	if len(message) <= max {
		return message
	}
	return message[:max] + "…"
}

// onSessionUpdate is the supervisor's single update handler: it synthesizes
// an opaque JSON-RPC notification frame, appends it to the event log, and
// forwards it to whichever task is currently active (if it wants events).
//
// The linked ACP SDK decodes sessionUpdate into a typed struct rather than
// handing acpx the raw wire bytes, so the JSON-RPC envelope here is
// synthesized from that typed value instead of captured verbatim, so the
// logged and forwarded frame is a re-encoding of the notification rather
// than spec §3's "opaque JSON-RPC 2.0 object" as the agent sent it.
func (s *Server) onSessionUpdate(n acp.SessionNotification) {
	params, err := json.Marshal(n)
	if err != nil {
		s.logger.Warn("marshaling session update", zap.Error(err))
		return
	}
	frame := struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}{JSONRPC: "2.0", Method: "session/update", Params: params}

	raw, err := json.Marshal(frame)
	if err != nil {
		s.logger.Warn("marshaling event frame", zap.Error(err))
		return
	}

	if err := s.cfg.EventLog.Append([]json.RawMessage{raw}, sessionstore.AppendOptions{Checkpoint: s.getRecord()}); err != nil {
		s.logger.Warn("appending event log", zap.Error(err))
	}

	s.mu.Lock()
	task := s.activeTask
	s.mu.Unlock()
	if task != nil && task.WaitForCompletion {
		task.Send(wire.EventFrame(task.RequestID, raw))
	}
}

func (s *Server) getRecord() *sessionstore.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Close begins closing: the turn controller stops accepting new control
// RPCs, an in-flight prompt is asked to cancel and given ShutdownGrace to
// return, then the supervisor (and its child) is torn down, per spec §5's
// SIGINT/SIGTERM handling.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.turn.BeginClosing()
		if s.cfg.Supervisor.HasActivePrompt() {
			s.cfg.Supervisor.RequestCancelActivePrompt()
			deadline := time.Now().Add(s.cfg.ShutdownGrace)
			for s.cfg.Supervisor.HasActivePrompt() && time.Now().Before(deadline) {
				time.Sleep(20 * time.Millisecond)
			}
		}

		if s.listener != nil {
			s.listener.Close()
		}
		s.cfg.Supervisor.Close()
		if s.cfg.Lease != nil {
			if err := s.cfg.Lease.Release(); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("releasing lease", zap.Error(err))
			}
		}
	})
}

func writeFrame(conn net.Conn, f wire.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err == nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
