package acpsupervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/acpx-dev/acpx/internal/acpsupervisor/replay"
	"github.com/acpx-dev/acpx/internal/acpxerr"
)

// ExitReason mirrors sessionstore.AgentExitReason; kept as a local string
// type so this package doesn't need to import sessionstore just for the
// constant set.
type ExitReason string

const (
	ExitReasonProcessExit    ExitReason = "process_exit"
	ExitReasonProcessClose   ExitReason = "process_close"
	ExitReasonPipeClose      ExitReason = "pipe_close"
	ExitReasonConnectionClose ExitReason = "connection_close"
)

// Exit captures the collapsed first-observation disconnect signal, per spec
// §4.D step 7.
type Exit struct {
	Code                   *int
	Signal                 string
	At                     time.Time
	Reason                 ExitReason
	UnexpectedDuringPrompt bool
}

// Lifecycle is the observable snapshot the owner polls to decide whether the
// child needs restarting.
type Lifecycle struct {
	PID       int
	StartedAt time.Time
	Running   bool
	LastExit  *Exit
}

// AuthPolicy selects what happens when initialize.authMethods is non-empty
// but no credential can be resolved for any of them.
type AuthPolicy string

const (
	AuthPolicyFail AuthPolicy = "fail"
	AuthPolicySkip AuthPolicy = "skip"
)

// Config configures one Supervisor instance.
type Config struct {
	AgentCommand   string
	WorkDir        string
	AuthMethods    map[string]string
	AuthPolicy     AuthPolicy
	Permission     PermissionPolicy
	Logger         *zap.Logger
	Terminals      TerminalManager
	IdleMs         time.Duration
	DrainTimeoutMs time.Duration
}

// Supervisor is component D: it owns the agent child process and the ACP
// connection for exactly one session at a time.
type Supervisor struct {
	cfg Config

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	conn       *acp.ClientSideConnection
	client     *Client
	sessionID  acp.SessionId
	updates    *replay.Serializer
	lifecycle  Lifecycle
	exitSet    atomic.Bool
	promptOn   atomic.Bool
	cancelling atomic.Bool
	closed     bool

	wg     sync.WaitGroup
	doneCh chan struct{}
}

// New constructs a Supervisor. Start must be called before any ACP method.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IdleMs == 0 {
		cfg.IdleMs = 150 * time.Millisecond
	}
	if cfg.DrainTimeoutMs == 0 {
		cfg.DrainTimeoutMs = 10 * time.Second
	}
	return &Supervisor{cfg: cfg}
}

// Start parses the agent command, spawns the child, composes its
// environment, performs the ACP initialize handshake, and (if the agent
// advertises auth methods) authenticates, per spec §4.D steps 1-6.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	argv, err := ParseArgv(s.cfg.AgentCommand)
	if err != nil {
		return err
	}

	s.cmd = exec.Command(argv[0], argv[1:]...)
	s.cmd.Dir = s.cfg.WorkDir
	s.cmd.Env = ComposeEnv(os.Environ(), s.cfg.AuthMethods)

	s.stdin, err = s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("acpsupervisor: stdin pipe: %w", err)
	}
	s.stdout, err = s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("acpsupervisor: stdout pipe: %w", err)
	}
	s.stderr, err = s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("acpsupervisor: stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("acpsupervisor: spawn agent: %w", err)
	}

	s.updates = replay.New(nil)
	s.client = NewClient(s.cfg.Logger, s.cfg.WorkDir, s.cfg.Permission, s.cfg.Terminals, s.isCancellingGate, s.updates)

	s.conn = acp.NewClientSideConnection(s.client, s.stdin, s.stdout)
	s.conn.SetLogger(slog.Default().With("component", "acp-conn"))

	s.lifecycle = Lifecycle{PID: s.cmd.Process.Pid, StartedAt: time.Now(), Running: true}
	s.doneCh = make(chan struct{})

	s.wg.Add(2)
	go s.drainStderr()
	go s.waitForExit()

	resp, err := s.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "acpx", Version: "1.0.0"},
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
	})
	if err != nil {
		return fmt.Errorf("acpsupervisor: initialize handshake: %w", err)
	}

	return s.authenticate(ctx, resp.AuthMethods)
}

func (s *Supervisor) authenticate(ctx context.Context, methods []acp.AuthMethod) error {
	if len(methods) == 0 {
		return nil
	}
	for _, m := range methods {
		if _, ok := LookupCredential(string(m.Id), lookupOSEnv, s.cfg.AuthMethods); !ok {
			continue
		}
		if err := s.conn.Authenticate(ctx, acp.AuthenticateRequest{MethodId: m.Id}); err != nil {
			return fmt.Errorf("acpsupervisor: authenticate %s: %w", m.Id, err)
		}
		return nil
	}
	if s.cfg.AuthPolicy == AuthPolicyFail {
		return acpxerr.PermissionDenied("acp", "AUTH_NO_CREDENTIAL", fmt.Errorf("acpsupervisor: no credential found for any of %d auth methods", len(methods)))
	}
	return nil
}

func lookupOSEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// CreateSession issues newSession with the given cwd and MCP servers.
func (s *Supervisor) CreateSession(ctx context.Context, cwd string, mcpServers []acp.McpServer) (string, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("acpsupervisor: not started")
	}
	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: cwd, McpServers: mcpServers})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessionID = resp.SessionId
	s.mu.Unlock()
	return string(resp.SessionId), nil
}

// LoadSession resumes sessionId, suppressing the replay burst through the
// serializer and draining it before returning, per spec §4.E.
func (s *Supervisor) LoadSession(ctx context.Context, sessionID, cwd string) error {
	s.mu.Lock()
	conn := s.conn
	updates := s.updates
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("acpsupervisor: not started")
	}

	updates.Suppress(true)
	_, err := conn.LoadSession(ctx, acp.LoadSessionRequest{SessionId: acp.SessionId(sessionID), Cwd: cwd})
	if err != nil {
		updates.Suppress(false)
		return fmt.Errorf("acpsupervisor: load session: %w", err)
	}

	s.mu.Lock()
	s.sessionID = acp.SessionId(sessionID)
	s.mu.Unlock()

	err = replay.Drain(ctx, updates, s.cfg.IdleMs, s.cfg.DrainTimeoutMs)
	updates.Suppress(false)
	if err != nil {
		return fmt.Errorf("acpsupervisor: replay drain: %w", err)
	}
	return nil
}

// SetPermissionPolicy replaces the permission policy applied to the active
// session's callbacks, letting the owner honor each submit_prompt request's
// own permissionMode/nonInteractivePermissions even though the supervisor
// (and its Client) outlive any single turn.
func (s *Supervisor) SetPermissionPolicy(p PermissionPolicy) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.SetPolicy(p)
	}
}

// PermissionStats returns the active session's permission-decision counters.
func (s *Supervisor) PermissionStats() map[string]int {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.PermissionStats()
}

// SetUpdateHandler wires the callback invoked for every non-suppressed
// sessionUpdate.
func (s *Supervisor) SetUpdateHandler(fn func(acp.SessionNotification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = replay.New(func(n any) {
		if note, ok := n.(acp.SessionNotification); ok && fn != nil {
			fn(note)
		}
	})
	if s.client != nil {
		s.client.mu.Lock()
		s.client.updates = s.updates
		s.client.mu.Unlock()
	}
}

// Prompt sends one turn's text and blocks until the agent's prompt RPC
// returns a stop reason. Only one prompt may be in flight at a time (spec
// §4.D step 8).
func (s *Supervisor) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	if !s.promptOn.CompareAndSwap(false, true) {
		return "", fmt.Errorf("acpsupervisor: a prompt is already active")
	}
	defer s.promptOn.Store(false)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("acpsupervisor: not started")
	}

	resp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	if err != nil {
		return "", err
	}
	return string(resp.StopReason), nil
}

// HasActivePrompt reports whether Prompt is currently blocked waiting on the
// agent.
func (s *Supervisor) HasActivePrompt() bool {
	return s.promptOn.Load()
}

// RequestCancelActivePrompt issues ACP's cancel notification for the active
// session. It returns true once the notification is accepted for sending;
// the actual prompt RPC still completes asynchronously with a "cancelled"
// stop reason.
func (s *Supervisor) RequestCancelActivePrompt() bool {
	s.mu.Lock()
	conn := s.conn
	sessionID := s.sessionID
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	s.cancelling.Store(true)
	defer s.cancelling.Store(false)
	return conn.Cancel(context.Background(), acp.CancelNotification{SessionId: sessionID}) == nil
}

func (s *Supervisor) isCancellingGate(sessionID string) bool {
	return s.cancelling.Load()
}

// SetSessionMode issues setSessionMode for the active session.
func (s *Supervisor) SetSessionMode(modeID string) error {
	s.mu.Lock()
	conn := s.conn
	sessionID := s.sessionID
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("acpsupervisor: not started")
	}
	_, err := conn.SetSessionMode(context.Background(), acp.SetSessionModeRequest{
		SessionId: sessionID,
		ModeId:    acp.SessionModeId(modeID),
	})
	return err
}

// SetSessionConfigOption issues setSessionConfigOption for the active
// session.
func (s *Supervisor) SetSessionConfigOption(configID string, value any) error {
	s.mu.Lock()
	conn := s.conn
	sessionID := s.sessionID
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("acpsupervisor: not started")
	}
	_, err := conn.SetSessionConfigOption(context.Background(), acp.SetSessionConfigOptionRequest{
		SessionId: sessionID,
		ConfigId:  configID,
		Value:     value,
	})
	return err
}

// Lifecycle returns a snapshot of the child's observed state.
func (s *Supervisor) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Close terminates the child (if running) and releases all state, per spec
// §4.D step 9.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	running := s.lifecycle.Running
	s.mu.Unlock()

	if running && cmd != nil && cmd.Process != nil {
		_ = terminateProcess(cmd.Process)
	}
	if s.cfg.Terminals != nil {
		// internal/terminal.Manager exposes Shutdown via the same context
		// used elsewhere; a type assertion keeps this package decoupled
		// from that concrete type.
		if shutter, ok := s.cfg.Terminals.(interface{ Shutdown(context.Context) }); ok {
			shutter.Shutdown(context.Background())
		}
	}

	select {
	case <-s.doneCh:
	case <-time.After(2 * time.Second):
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return nil
}

func (s *Supervisor) drainStderr() {
	defer s.wg.Done()
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.cfg.Logger.Debug("agent stderr", zap.String("line", line))
	}
}

func (s *Supervisor) waitForExit() {
	defer s.wg.Done()
	err := s.cmd.Wait()

	s.mu.Lock()
	closing := s.closed
	s.mu.Unlock()

	// Per spec §4.D step 7, an exit only counts as unexpected-during-prompt
	// if the owner wasn't already tearing the supervisor down itself.
	exit := Exit{At: time.Now(), Reason: ExitReasonProcessExit, UnexpectedDuringPrompt: s.promptOn.Load() && !closing}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			exit.Code = &code
			exit.Signal = exitSignal(exitErr)
		}
	} else {
		code := 0
		exit.Code = &code
	}

	s.mu.Lock()
	if s.exitSet.CompareAndSwap(false, true) {
		s.lifecycle.Running = false
		s.lifecycle.LastExit = &exit
	}
	s.mu.Unlock()
	close(s.doneCh)
}

var _ io.Closer = (*Supervisor)(nil)
