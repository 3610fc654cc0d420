package owner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
)

func TestQueueNextBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	task := NewTask(wire.Request{RequestID: "r1", Kind: wire.KindSubmitPrompt})

	done := make(chan *Task, 1)
	go func() {
		got, ok := q.Next(context.Background(), time.Second)
		require.True(t, ok)
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(task)

	select {
	case got := <-done:
		assert.Equal(t, task, got)
	case <-time.After(time.Second):
		t.Fatal("Next did not return enqueued task")
	}
}

func TestQueueNextTimesOut(t *testing.T) {
	q := NewQueue()
	_, ok := q.Next(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
}

func TestQueueNextRespectsContextCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Next(ctx, time.Second)
	assert.False(t, ok)
}

func TestTaskSendAfterCloseDoesNotBlock(t *testing.T) {
	task := NewTask(wire.Request{RequestID: "r1", WaitForCompletion: true})
	task.Close()

	done := make(chan struct{})
	go func() {
		task.Send(wire.EventFrame("r1", []byte(`{}`)))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked past Close")
	}
}

func TestTaskResolveDeliversOnce(t *testing.T) {
	task := NewTask(wire.Request{RequestID: "r1"})
	task.Resolve(wire.Frame{Type: wire.TypeResult, RequestID: "r1"})

	select {
	case f := <-task.Result():
		assert.Equal(t, "r1", f.RequestID)
	default:
		t.Fatal("expected a buffered result frame")
	}
}

func TestToSet(t *testing.T) {
	assert.Nil(t, toSet(nil))
	assert.Equal(t, map[string]bool{"fs/write_text_file": true}, toSet([]string{"fs/write_text_file"}))
}
