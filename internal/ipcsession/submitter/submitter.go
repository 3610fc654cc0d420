// Package submitter implements component G: the client half of the queue
// protocol. Given a session id and an outbound request, it connects to the
// session's owner (spawning a detached one if none is running) and streams
// the response back to the caller.
package submitter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/ipcsession/lease"
	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
)

// RetryConfig bounds the connect-retry loop, per spec §4.G step 2.
type RetryConfig struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetry is the spec default: ~50ms x ~40 attempts =~ 2s.
var DefaultRetry = RetryConfig{Attempts: 40, Interval: 50 * time.Millisecond}

// SpawnFunc starts a detached owner process for sessionID, passing payload
// via ACPX_QUEUE_OWNER_PAYLOAD so the owner needs no CLI parsing dependency
// (spec §4.G's higher-level respawn policy). DetachedSpawn in spawn.go is
// the implementation cmd/acpx uses; its per-platform SysProcAttr comes from
// sysprocattr_unix.go / sysprocattr_windows.go.
type SpawnFunc func(ctx context.Context, sessionID string, payload json.RawMessage) error

// EventHandler receives each streamed event frame for a submit_prompt call
// with waitForCompletion=true, in delivery order.
type EventHandler func(wire.Frame)

// Client is the submitter for one session id.
type Client struct {
	Lease   *lease.Locator
	Logger  *zap.Logger
	Retry   RetryConfig
	Spawn   SpawnFunc
	Payload json.RawMessage
}

// New returns a Client with spec-default retry parameters.
func New(loc *lease.Locator, logger *zap.Logger, spawn SpawnFunc, payload json.RawMessage) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{Lease: loc, Logger: logger, Retry: DefaultRetry, Spawn: spawn, Payload: payload}
}

// Send submits req against sessionID's owner, spawning a detached owner on
// first "no owner" observation and retrying once, per spec §4.G's
// higher-level policy. onEvent is invoked for each streamed event frame (may
// be nil for control requests, which never stream events).
func (c *Client) Send(ctx context.Context, sessionID string, req wire.Request, onEvent EventHandler) (wire.Frame, error) {
	frame, err := c.sendOnce(ctx, sessionID, req, onEvent)
	if err == nil || !isNoOwner(err) || c.Spawn == nil {
		return frame, err
	}

	c.Logger.Info("no owner running, spawning detached owner", zap.String("sessionId", sessionID))
	if spawnErr := c.Spawn(ctx, sessionID, c.Payload); spawnErr != nil {
		return wire.Frame{}, acpxerr.Runtime("queue", "QUEUE_OWNER_SPAWN_FAILED", spawnErr)
	}
	time.Sleep(100 * time.Millisecond)
	return c.sendOnce(ctx, sessionID, req, onEvent)
}

type noOwnerError struct{ reason string }

func (e *noOwnerError) Error() string { return "no owner: " + e.reason }

func isNoOwner(err error) bool {
	_, ok := err.(*noOwnerError)
	return ok
}

// sendOnce implements spec §4.G steps 1-5 against whatever owner is
// currently running (if any), without spawning.
func (c *Client) sendOnce(ctx context.Context, sessionID string, req wire.Request, onEvent EventHandler) (wire.Frame, error) {
	conn, err := c.dial(ctx, sessionID)
	if err != nil {
		return wire.Frame{}, err
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return wire.Frame{}, acpxerr.Usage("queue", "QUEUE_REQUEST_INVALID", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return wire.Frame{}, acpxerr.Queue(wire.DetailDisconnectedBeforeAck, true, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 16*1024*1024)

	if !scanner.Scan() {
		return wire.Frame{}, acpxerr.Queue(wire.DetailDisconnectedBeforeAck, true, scanner.Err())
	}
	var accepted wire.Frame
	if err := json.Unmarshal(scanner.Bytes(), &accepted); err != nil || accepted.Type != wire.TypeAccepted {
		return wire.Frame{}, acpxerr.Queue(wire.DetailProtocolUnexpectedFrame, true, fmt.Errorf("expected accepted frame, got %q", scanner.Text()))
	}

	for scanner.Scan() {
		var f wire.Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			return wire.Frame{}, acpxerr.Queue(wire.DetailProtocolUnexpectedFrame, true, err)
		}
		switch f.Type {
		case wire.TypeEvent:
			if onEvent != nil {
				onEvent(f)
			}
		case wire.TypeResult, wire.TypeCancelResult, wire.TypeSetModeResult, wire.TypeSetConfigOptResult, wire.TypeError:
			return f, nil
		default:
			return wire.Frame{}, acpxerr.Queue(wire.DetailProtocolUnexpectedFrame, true, fmt.Errorf("unexpected frame type %q", f.Type))
		}
	}

	if err := scanner.Err(); err != nil {
		return wire.Frame{}, acpxerr.Queue(wire.DetailDisconnectedBeforeDone, true, err)
	}
	if !req.WaitForCompletion {
		return wire.AcceptedFrame(req.RequestID), nil
	}
	return wire.Frame{}, acpxerr.Queue(wire.DetailDisconnectedBeforeDone, true, fmt.Errorf("connection closed before a terminal frame"))
}

// dial implements spec §4.G step 1-2: read the lock, bail out as "no owner"
// if absent or stale, else retry-connect with fixed backoff.
func (c *Client) dial(ctx context.Context, sessionID string) (net.Conn, error) {
	rec, err := c.Lease.Read(sessionID)
	if err != nil {
		return nil, acpxerr.Runtime("queue", "QUEUE_LEASE_READ_FAILED", err)
	}
	if rec == nil {
		return nil, &noOwnerError{reason: "no lock file"}
	}
	if c.Lease.ReapIfStale(sessionID, rec) {
		return nil, &noOwnerError{reason: fmt.Sprintf("owner pid %d is dead, reaped stale lease", rec.PID)}
	}

	var lastErr error
	attempts := c.Retry.Attempts
	if attempts <= 0 {
		attempts = DefaultRetry.Attempts
	}
	interval := c.Retry.Interval
	if interval <= 0 {
		interval = DefaultRetry.Interval
	}

	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := dialOnce(rec.SocketPath, interval)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if cur, rerr := c.Lease.Read(sessionID); rerr == nil && cur == nil {
			return nil, &noOwnerError{reason: "owner released lease mid-retry"}
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &noOwnerError{reason: fmt.Sprintf("socket unreachable after %d attempts: %v", attempts, lastErr)}
}
