package acpsupervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/acpx-dev/acpx/internal/acpsupervisor/replay"
	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/stringutil"
)

// UpdateHandler receives every sessionUpdate notification, already routed
// through the replay serializer in receive order.
type UpdateHandler func(n acp.SessionNotification)

// TerminalManager is the component-F contract the ACP client delegates
// terminal/* callbacks to. Implemented by internal/terminal.Manager.
type TerminalManager interface {
	Create(ctx context.Context, sessionID, command string, args []string, env map[string]string, cwd string, outputByteLimit int) (terminalID string, err error)
	Output(ctx context.Context, terminalID string) (output string, truncated bool, exitCode *int, signal string, err error)
	WaitForExit(ctx context.Context, terminalID string) (exitCode *int, signal string, err error)
	Kill(ctx context.Context, terminalID string) error
	Release(ctx context.Context, terminalID string) error
}

// PermissionPolicy governs how session/request_permission is answered
// without a live human in the loop, per spec §1's "permission UX is out of
// scope of the core" non-goal: the core only exposes the decision surface.
type PermissionPolicy struct {
	// Mode is one of "approve-all", "deny-all", "non-interactive", or
	// "prompt" (delegates to Handler, if set).
	Mode string

	// NonInteractive lists action types auto-approved under
	// "non-interactive" mode; anything else is cancelled.
	NonInteractive map[string]bool

	// Handler is consulted for "prompt" mode. If nil, prompt mode falls
	// back to selecting the first allow-kind option, matching the
	// teacher's unattended default.
	Handler func(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
}

// cancelGate reports, for a given session, whether a cancel_prompt is
// currently being processed; while true, request_permission must return
// cancelled unconditionally (spec §6).
type cancelGate func(sessionID string) bool

// Client implements acp.Client. It is constructed once per supervisor and
// wired to a live agent child via acp.NewClientSideConnection.
type Client struct {
	logger        *zap.Logger
	workspaceRoot string
	policy        PermissionPolicy
	terminals     TerminalManager
	isCancelling  cancelGate

	mu      sync.RWMutex
	updates *replay.Serializer

	statsMu sync.Mutex
	stats   map[string]int
}

// NewClient builds the client-side ACP handler. updates is the replay
// serializer that SessionUpdate feeds; terminals may be nil until
// internal/terminal wires a real manager (terminal RPCs then fail).
func NewClient(logger *zap.Logger, workspaceRoot string, policy PermissionPolicy, terminals TerminalManager, isCancelling cancelGate, updates *replay.Serializer) *Client {
	return &Client{
		logger:        logger,
		workspaceRoot: workspaceRoot,
		policy:        policy,
		terminals:     terminals,
		isCancelling:  isCancelling,
		updates:       updates,
		stats:         make(map[string]int),
	}
}

// SetPolicy replaces the permission policy, applied to every callback from
// the next one onward. The owner calls this once per submit_prompt request
// to honor that request's permissionMode/nonInteractivePermissions, since a
// supervisor's Client outlives any single turn.
func (c *Client) SetPolicy(p PermissionPolicy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
}

func (c *Client) getPolicy() PermissionPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// PermissionStats returns a snapshot of how many permission decisions fell
// into each outcome ("selected" / "cancelled") since construction, surfaced
// on SessionSendResult per spec §4.B.
func (c *Client) PermissionStats() map[string]int {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[string]int, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

func (c *Client) recordDecision(outcome string) {
	c.statsMu.Lock()
	c.stats[outcome]++
	c.statsMu.Unlock()
}

// RequestPermission implements the acp.Client callback per the current
// policy (set at construction, replaced by SetPolicy), with the
// cancel-during-cancel_prompt override
// from spec §6 taking priority over every mode.
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	resp, err := c.requestPermission(ctx, p)
	if err == nil {
		if resp.Outcome.Cancelled != nil {
			c.recordDecision("cancelled")
		} else {
			c.recordDecision("selected")
		}
	}
	return resp, err
}

func (c *Client) requestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if c.isCancelling != nil && c.isCancelling(string(p.SessionId)) {
		return cancelledOutcome(), nil
	}

	policy := c.getPolicy()
	switch policy.Mode {
	case "deny-all":
		return cancelledOutcome(), nil
	case "approve-all":
		return selectAllowOption(p.Options), nil
	case "non-interactive":
		actionType := string(p.ToolCall.Kind)
		if policy.NonInteractive[actionType] {
			return selectAllowOption(p.Options), nil
		}
		return cancelledOutcome(), nil
	case "prompt":
		if policy.Handler != nil {
			return policy.Handler(ctx, p)
		}
		return selectAllowOption(p.Options), nil
	default:
		return selectAllowOption(p.Options), nil
	}
}

func selectAllowOption(options []acp.PermissionOption) acp.RequestPermissionResponse {
	if len(options) == 0 {
		return cancelledOutcome()
	}
	selected := &options[0]
	for i := range options {
		if options[i].Kind == acp.PermissionOptionKindAllowOnce || options[i].Kind == acp.PermissionOptionKindAllowAlways {
			selected = &options[i]
			break
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}
}

func cancelledOutcome() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

// SessionUpdate forwards every notification through the replay serializer,
// which applies suppression during loadSession's replay-drain window.
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	updates := c.updates
	c.mu.RUnlock()
	if updates != nil {
		updates.Deliver(n)
	}
	return nil
}

// ReadTextFile enforces the cwd-subtree path safety rule and deny-all
// permission mode from spec §6.
func (c *Client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("fs/read_text_file: path must be absolute: %s", p.Path)
	}
	if !withinSubtree(c.workspaceRoot, p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("fs/read_text_file: path escapes session cwd: %s", p.Path)
	}
	if c.getPolicy().Mode == "deny-all" {
		return acp.ReadTextFileResponse{}, fmt.Errorf("fs/read_text_file: denied by permission policy")
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile gates on the permission policy; "prompt" mode runs the
// confirmation preview through Handler by folding it into a synthetic
// permission request, matching the agent's own request_permission shape.
func (c *Client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("fs/write_text_file: path must be absolute: %s", p.Path)
	}
	if !withinSubtree(c.workspaceRoot, p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("fs/write_text_file: path escapes session cwd: %s", p.Path)
	}

	switch c.getPolicy().Mode {
	case "deny-all":
		return acp.WriteTextFileResponse{}, acpxerr.PermissionDenied("acp", "FS_WRITE_DENIED", fmt.Errorf("fs/write_text_file: denied by permission policy"))
	case "approve-all":
		// fall through to write
	default:
		preview, truncated := stringutil.TruncatePreview(p.Content, 16, 1200)
		approved, err := c.confirmWrite(ctx, p.Path, preview, truncated)
		if err != nil {
			return acp.WriteTextFileResponse{}, err
		}
		if !approved {
			return acp.WriteTextFileResponse{}, acpxerr.PermissionDenied("acp", "FS_WRITE_DENIED", fmt.Errorf("fs/write_text_file: write not approved"))
		}
	}

	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// confirmWrite asks the configured handler to approve a pending write. With
// no handler wired (headless "prompt" mode with nothing listening), writes
// are approved, matching the teacher's unattended default for file ops.
func (c *Client) confirmWrite(ctx context.Context, path, preview string, truncated bool) (bool, error) {
	policy := c.getPolicy()
	if policy.Mode == "non-interactive" {
		return policy.NonInteractive["fs/write_text_file"], nil
	}
	if policy.Handler == nil {
		return true, nil
	}
	resp, err := policy.Handler(ctx, acp.RequestPermissionRequest{
		ToolCall: acp.ToolCallUpdate{
			Title: ptr(fmt.Sprintf("Write %s (preview, truncated=%v):\n%s", path, truncated, preview)),
		},
		Options: []acp.PermissionOption{
			{OptionId: "allow", Kind: acp.PermissionOptionKindAllowOnce, Name: "Allow"},
			{OptionId: "deny", Kind: acp.PermissionOptionKindRejectOnce, Name: "Deny"},
		},
	})
	if err != nil {
		return false, err
	}
	return resp.Outcome.Selected != nil && resp.Outcome.Selected.OptionId == "allow", nil
}

func ptr[T any](v T) *T { return &v }

func withinSubtree(root, path string) bool {
	if root == "" {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func (c *Client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	if c.terminals == nil {
		return acp.CreateTerminalResponse{}, fmt.Errorf("terminal/create: terminal manager unavailable")
	}
	env := make(map[string]string, len(p.Env))
	for _, kv := range p.Env {
		env[kv.Name] = kv.Value
	}
	limit := p.OutputByteLimit
	if limit <= 0 {
		limit = defaultTerminalOutputByteLimit
	}
	id, err := c.terminals.Create(ctx, string(p.SessionId), p.Command, p.Args, env, p.Cwd, limit)
	if err != nil {
		return acp.CreateTerminalResponse{}, err
	}
	return acp.CreateTerminalResponse{TerminalId: id}, nil
}

func (c *Client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	if c.terminals == nil {
		return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal/kill: terminal manager unavailable")
	}
	return acp.KillTerminalCommandResponse{}, c.terminals.Kill(ctx, p.TerminalId)
}

func (c *Client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	if c.terminals == nil {
		return acp.TerminalOutputResponse{}, fmt.Errorf("terminal/output: terminal manager unavailable")
	}
	output, truncated, exitCode, signal, err := c.terminals.Output(ctx, p.TerminalId)
	if err != nil {
		return acp.TerminalOutputResponse{}, err
	}
	resp := acp.TerminalOutputResponse{Output: output, Truncated: truncated}
	if exitCode != nil || signal != "" {
		resp.ExitStatus = &acp.TerminalExitStatus{ExitCode: exitCode, Signal: signal}
	}
	return resp, nil
}

func (c *Client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	if c.terminals == nil {
		return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal/release: terminal manager unavailable")
	}
	return acp.ReleaseTerminalResponse{}, c.terminals.Release(ctx, p.TerminalId)
}

func (c *Client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	if c.terminals == nil {
		return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal/wait_for_exit: terminal manager unavailable")
	}
	exitCode, signal, err := c.terminals.WaitForExit(ctx, p.TerminalId)
	if err != nil {
		return acp.WaitForTerminalExitResponse{}, err
	}
	return acp.WaitForTerminalExitResponse{ExitCode: exitCode, Signal: signal}, nil
}

const defaultTerminalOutputByteLimit = 1 << 20

var _ acp.Client = (*Client)(nil)
