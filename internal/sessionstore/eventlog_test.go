package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestEventLogAppendAndReadOrder(t *testing.T) {
	s := newTestStore(t)
	recordID := NewRecordID()
	log := NewEventLog(s, recordID, 0, 0)

	var msgs []json.RawMessage
	for i := 0; i < 5; i++ {
		msgs = append(msgs, json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"sessionUpdate"}`, i)))
	}
	if err := log.Append(msgs, AppendOptions{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(got))
	}
	for i, frame := range got {
		var decoded struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("unmarshal frame %d: %v", i, err)
		}
		if decoded.ID != i {
			t.Errorf("frame %d: got id %d, want %d", i, decoded.ID, i)
		}
	}
}

func TestEventLogRotation(t *testing.T) {
	s := newTestStore(t)
	recordID := NewRecordID()
	log := NewEventLog(s, recordID, 1024, 3)

	rec := &SessionRecord{RecordID: recordID}
	for i := 0; i < 200; i++ {
		line := json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"x","params":"%s"}`, i, padding(40)))
		if err := log.Append([]json.RawMessage{line}, AppendOptions{Checkpoint: rec}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if rec.LastSeq != 200 {
		t.Errorf("expected LastSeq=200, got %d", rec.LastSeq)
	}

	// Overflow segment (4) must never exist; at most maxSegments (3) remain.
	if _, err := os.Stat(log.segmentPath(4)); err == nil {
		t.Error("segment 4 should have been unlinked before shifting")
	}

	all, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) > 200 {
		t.Errorf("expected at most 200 frames total, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		var prev, cur struct {
			ID int `json:"id"`
		}
		_ = json.Unmarshal(all[i-1], &prev)
		_ = json.Unmarshal(all[i], &cur)
		if cur.ID <= prev.ID {
			t.Fatalf("frames out of order at %d: %d then %d", i, prev.ID, cur.ID)
		}
	}
}

func padding(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestEventLogLockSerializesWriters(t *testing.T) {
	s := newTestStore(t)
	recordID := NewRecordID()
	log := NewEventLog(s, recordID, 0, 0)

	release, err := log.acquireLock()
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r2, err := log.acquireLock()
		if err != nil {
			t.Errorf("second acquireLock: %v", err)
			close(done)
			return
		}
		r2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquireLock returned while first lock still held")
	case <-time.After(100 * time.Millisecond):
	}

	release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquireLock never completed after release")
	}
}
