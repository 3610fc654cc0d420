package sessionstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rec := &SessionRecord{
		RecordID:     NewRecordID(),
		AgentCommand: "auggie --acp",
		CWD:          "/home/dev/project",
		CreatedAt:    time.Now().UTC(),
		LastUsedAt:   time.Now().UTC(),
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(rec.RecordID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.AgentCommand != rec.AgentCommand || loaded.CWD != rec.CWD {
		t.Errorf("round-trip mismatch: %+v vs %+v", loaded, rec)
	}
}

func TestListSkipsCorruptFiles(t *testing.T) {
	s := newTestStore(t)
	rec := &SessionRecord{RecordID: NewRecordID(), AgentCommand: "x", CWD: "/a"}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	corruptPath := filepath.Join(s.Dir, "corrupt.json")
	if err := os.WriteFile(corruptPath, []byte("{not json"), 0600); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	records, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 valid record, got %d", len(records))
	}
}

func TestFindSessionScopeMatch(t *testing.T) {
	s := newTestStore(t)
	active := &SessionRecord{RecordID: NewRecordID(), AgentCommand: "auggie", CWD: "/proj"}
	closed := &SessionRecord{RecordID: NewRecordID(), AgentCommand: "auggie", CWD: "/proj", Closed: true}
	other := &SessionRecord{RecordID: NewRecordID(), AgentCommand: "codex", CWD: "/proj"}
	for _, r := range []*SessionRecord{active, closed, other} {
		if err := s.Save(r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	found, err := s.FindSession("auggie", "/proj", "", false)
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if found == nil || found.RecordID != active.RecordID {
		t.Errorf("expected to find active record, got %+v", found)
	}

	foundClosed, err := s.FindSession("auggie", "/proj", "", true)
	if err != nil {
		t.Fatalf("FindSession(includeClosed): %v", err)
	}
	if foundClosed == nil {
		t.Error("expected a match when includeClosed=true")
	}
}

func TestPushTurnHistoryBounded(t *testing.T) {
	rec := &SessionRecord{}
	for i := 0; i < MaxTurnHistory+5; i++ {
		rec.PushTurnHistory(TurnHistoryEntry{RequestID: string(rune('a' + i%26))})
	}
	if len(rec.TurnHistory) != MaxTurnHistory {
		t.Errorf("expected %d entries, got %d", MaxTurnHistory, len(rec.TurnHistory))
	}
}
