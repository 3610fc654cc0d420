package submitter

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpx-dev/acpx/internal/ipcsession/lease"
	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
)

// fakeOwner serves one connection per accept with a scripted reply sequence.
func fakeOwner(t *testing.T, sockPath string, frames []wire.Frame) net.Listener {
	t.Helper()
	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		if !scanner.Scan() {
			return
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			conn.Write(append(data, '\n'))
		}
	}()
	return l
}

func writeLease(t *testing.T, loc *lease.Locator, sessionID, sockPath string) {
	t.Helper()
	rec := lease.Record{PID: os.Getpid(), SessionID: sessionID, SocketPath: sockPath, CreatedAt: time.Now()}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(loc.BaseDir, 0700))
	require.NoError(t, os.WriteFile(loc.LockPath(sessionID), data, 0600))
}

func TestSendReturnsResultFrame(t *testing.T) {
	dir := t.TempDir()
	loc := lease.New(dir)
	sockPath := filepath.Join(dir, "s1.sock")

	l := fakeOwner(t, sockPath, []wire.Frame{
		wire.AcceptedFrame("r1"),
		{Type: wire.TypeResult, RequestID: "r1"},
	})
	defer l.Close()
	writeLease(t, loc, "s1", sockPath)

	c := New(loc, nil, nil, nil)
	frame, err := c.Send(context.Background(), "s1", wire.Request{RequestID: "r1", Kind: wire.KindSubmitPrompt, WaitForCompletion: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeResult, frame.Type)
	assert.Equal(t, "r1", frame.RequestID)
}

func TestSendForwardsEventFrames(t *testing.T) {
	dir := t.TempDir()
	loc := lease.New(dir)
	sockPath := filepath.Join(dir, "s1.sock")

	l := fakeOwner(t, sockPath, []wire.Frame{
		wire.AcceptedFrame("r1"),
		wire.EventFrame("r1", []byte(`{"jsonrpc":"2.0","method":"session/update"}`)),
		{Type: wire.TypeResult, RequestID: "r1"},
	})
	defer l.Close()
	writeLease(t, loc, "s1", sockPath)

	var events []wire.Frame
	c := New(loc, nil, nil, nil)
	_, err := c.Send(context.Background(), "s1", wire.Request{RequestID: "r1", WaitForCompletion: true}, func(f wire.Frame) {
		events = append(events, f)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, wire.TypeEvent, events[0].Type)
}

func TestSendNoOwnerSpawnsAndRetries(t *testing.T) {
	dir := t.TempDir()
	loc := lease.New(dir)

	var spawned bool
	spawn := func(ctx context.Context, sessionID string, payload json.RawMessage) error {
		spawned = true
		sockPath := filepath.Join(dir, "s1.sock")
		fakeOwner(t, sockPath, []wire.Frame{
			wire.AcceptedFrame("r1"),
			{Type: wire.TypeCancelResult, RequestID: "r1"},
		})
		writeLease(t, loc, "s1", sockPath)
		return nil
	}

	c := New(loc, nil, spawn, json.RawMessage(`{}`))
	frame, err := c.Send(context.Background(), "s1", wire.Request{RequestID: "r1", Kind: wire.KindCancelPrompt}, nil)
	require.NoError(t, err)
	assert.True(t, spawned)
	assert.Equal(t, wire.TypeCancelResult, frame.Type)
}

func TestDialNoOwnerWithoutSpawnFails(t *testing.T) {
	dir := t.TempDir()
	loc := lease.New(dir)
	c := New(loc, nil, nil, nil)

	_, err := c.Send(context.Background(), "missing", wire.Request{RequestID: "r1"}, nil)
	require.Error(t, err)
}
