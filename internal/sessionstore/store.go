package sessionstore

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Store reads and writes SessionRecord files under a base directory
// (normally <home>/.acpx/sessions).
type Store struct {
	Dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating session store dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

// NewRecordID generates a fresh, URL-safe record id.
func NewRecordID() string {
	return uuid.New().String()
}

func (s *Store) recordPath(recordID string) string {
	return filepath.Join(s.Dir, url.QueryEscape(recordID)+".json")
}

// eventLogBase returns the path prefix shared by recordID's event-log files;
// eventlog.go appends the active, segment and lock-file suffixes to it.
func (s *Store) eventLogBase(recordID string) string {
	return filepath.Join(s.Dir, url.QueryEscape(recordID))
}

// Save atomically persists rec: write to a per-process-and-timestamp temp
// file in the same directory, then rename over the destination, per spec
// §4.H and the teacher's WriteJSON-via-temp-file convention.
func (s *Store) Save(rec *SessionRecord) error {
	path := s.recordPath(rec.RecordID)
	tmp := fmt.Sprintf("%s.%d.%d.tmp", path, os.Getpid(), time.Now().UnixNano())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("creating temp record file: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp record file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming record file: %w", err)
	}
	return nil
}

// Load reads the record for recordID. A missing or corrupt file is reported
// as an error; callers that list records should skip these rather than fail.
func (s *Store) Load(recordID string) (*SessionRecord, error) {
	data, err := os.ReadFile(s.recordPath(recordID))
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing record %s: %w", recordID, err)
	}
	return &rec, nil
}

// List returns every record that parses successfully; absent or corrupt
// files are silently skipped (spec §4.H: "reads tolerate absent/corrupt
// files, ignored from listings").
func (s *Store) List() ([]*SessionRecord, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*SessionRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			continue
		}
		var rec SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// FindSession returns the unique active record matching the scope key
// (agentCommand, cwd, name), or nil if none matches. Closed records are
// excluded unless includeClosed is set.
func (s *Store) FindSession(agentCommand, cwd, name string, includeClosed bool) (*SessionRecord, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Closed && !includeClosed {
			continue
		}
		if rec.MatchesScope(agentCommand, cwd, name) {
			return rec, nil
		}
	}
	return nil, nil
}

// FindSessionUpward walks from startDir upward to a boundary (the nearest
// ancestor containing .git, or startDir itself if none exists) and returns
// the first scope match found at any level, per spec §4.H's directory-walk
// lookup.
func (s *Store) FindSessionUpward(agentCommand, startDir, name string) (*SessionRecord, error) {
	startDir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	boundary := gitBoundary(startDir)

	cur := startDir
	for {
		rec, err := s.FindSession(agentCommand, cur, name, false)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		if cur == boundary {
			return nil, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, nil
		}
		cur = parent
	}
}

func gitBoundary(dir string) string {
	cur := dir
	for {
		if _, err := os.Stat(filepath.Join(cur, ".git")); err == nil {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

// Delete removes recordID's metadata file. Missing files are not an error.
func (s *Store) Delete(recordID string) error {
	err := os.Remove(s.recordPath(recordID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

